package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
)

// scaleExp число знаков после запятой у токена леджера.
const scaleExp = 8

// ToTokenString переводит e8s в десятичную строку токенов для протокола леджера.
func ToTokenString(a valueobject.Amount) string {
	return decimal.NewFromInt(a.Int64()).Shift(-scaleExp).String()
}

// FromTokenString разбирает десятичную строку токенов в e8s.
// Точность больше восьми знаков считается ошибкой протокола.
func FromTokenString(s string) (valueobject.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse token amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative token amount %q", s)
	}
	e8s := d.Shift(scaleExp)
	if !e8s.IsInteger() {
		return 0, fmt.Errorf("token amount %q exceeds %d decimals", s, scaleExp)
	}
	return valueobject.Amount(e8s.IntPart()), nil
}
