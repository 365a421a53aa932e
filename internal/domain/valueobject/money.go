package valueobject

import (
	"fmt"

	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

// AmountScale число минимальных единиц (e8s) в одном токене.
const AmountScale = 100_000_000

const DefaultCurrency = "ICP"

// Amount сумма в минимальных единицах. Дробных значений внутри системы нет.
type Amount int64

func NewAmount(value int64) (Amount, error) {
	if value <= 0 {
		return 0, apperror.InvalidInput("сумма должна быть больше нуля")
	}
	return Amount(value), nil
}

func (a Amount) Int64() int64 {
	return int64(a)
}

func (a Amount) IsPositive() bool {
	return a > 0
}

// Percent возвращает floor(a*pct/100) без переполнения int64.
func (a Amount) Percent(pct int64) Amount {
	v := int64(a)
	return Amount(v/100*pct + v%100*pct/100)
}

func (a Amount) String() string {
	return fmt.Sprintf("%d", int64(a))
}

func NormalizeCurrency(currency string) string {
	if currency == "" {
		return DefaultCurrency
	}
	return currency
}
