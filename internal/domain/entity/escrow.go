package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

type EscrowAccount struct {
	ID             uuid.UUID
	BookingID      uuid.UUID
	DepositAccount string
	ExpectedAmount valueobject.Amount
	FundedAmount   valueobject.Amount
	Funded         bool
	ReleasedAmount valueobject.Amount
	Closed         bool
	LastCheckedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewEscrowAccount(bookingID uuid.UUID, depositAccount string, expected valueobject.Amount, now time.Time) (*EscrowAccount, error) {
	if depositAccount == "" {
		return nil, apperror.InvalidInput("адрес депозита пуст")
	}
	if !expected.IsPositive() {
		return nil, apperror.InvalidInput("ожидаемая сумма должна быть больше нуля")
	}
	return &EscrowAccount{
		ID:             uuid.New(),
		BookingID:      bookingID,
		DepositAccount: depositAccount,
		ExpectedAmount: expected,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Remaining остаток, который ещё можно выплатить.
func (e *EscrowAccount) Remaining() valueobject.Amount {
	return e.FundedAmount - e.ReleasedAmount
}

// ObserveBalance фиксирует наблюдаемый баланс. Возвращает true, если счёт
// только что стал оплаченным. Funded никогда не сбрасывается.
func (e *EscrowAccount) ObserveBalance(balance valueobject.Amount, now time.Time) bool {
	e.LastCheckedAt = &now
	e.UpdatedAt = now
	if e.Funded {
		return false
	}
	e.FundedAmount = balance
	if balance >= e.ExpectedAmount {
		e.Funded = true
		return true
	}
	return false
}

func (e *EscrowAccount) RecordRelease(amount valueobject.Amount, now time.Time) error {
	if amount > e.Remaining() {
		return apperror.ErrInsufficientFunds
	}
	e.ReleasedAmount += amount
	e.UpdatedAt = now
	return nil
}

// RecordRefund учитывает возврат клиенту и закрывает счёт. Возврат берётся
// из живого баланса, поэтому наблюдаемая сумма подтягивается вверх при переплате.
func (e *EscrowAccount) RecordRefund(amount valueobject.Amount, now time.Time) {
	if amount > e.Remaining() {
		e.FundedAmount = e.ReleasedAmount + amount
	}
	e.ReleasedAmount += amount
	e.Close(now)
}

func (e *EscrowAccount) Close(now time.Time) {
	e.Closed = true
	e.UpdatedAt = now
}

func (e *EscrowAccount) Clone() *EscrowAccount {
	c := *e
	if e.LastCheckedAt != nil {
		t := *e.LastCheckedAt
		c.LastCheckedAt = &t
	}
	return &c
}
