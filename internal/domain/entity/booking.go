package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-settlement/internal/validation"
)

type Booking struct {
	ID                uuid.UUID
	ClientID          uuid.UUID
	FreelancerID      uuid.UUID
	ServiceID         uuid.UUID
	PackageID         uuid.UUID
	TotalAmount       valueobject.Amount
	Currency          string
	Status            valueobject.BookingStatus
	PaymentStatus     valueobject.PaymentStatus
	Requirements      string
	ClientAddress     string
	FreelancerAddress string
	Template          valueobject.StageTemplate
	StageIDs          []uuid.UUID
	CurrentStageID    *uuid.UUID
	DeliveryDeadline  time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	ClientRating     *int
	ClientReview     *string
	FreelancerRating *int
	FreelancerReview *string

	Version int64
}

type NewBookingParams struct {
	ClientID          uuid.UUID
	FreelancerID      uuid.UUID
	ServiceID         uuid.UUID
	PackageID         uuid.UUID
	Amount            int64
	Currency          string
	Requirements      string
	Deadline          time.Time
	ClientAddress     string
	FreelancerAddress string
	Template          valueobject.StageTemplate
}

func NewBooking(p NewBookingParams, now time.Time) (*Booking, error) {
	if p.ClientID == uuid.Nil || p.FreelancerID == uuid.Nil {
		return nil, apperror.InvalidInput("клиент и исполнитель обязательны")
	}
	if p.ClientID == p.FreelancerID {
		return nil, apperror.InvalidInput("клиент и исполнитель должны различаться")
	}
	amount, err := valueobject.NewAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	if !p.Deadline.After(now) {
		return nil, apperror.InvalidInput("дедлайн не может быть в прошлом")
	}
	if err := validation.ValidateLedgerAddress("адрес возврата клиента", p.ClientAddress); err != nil {
		return nil, err
	}
	if err := validation.ValidateLedgerAddress("адрес выплаты исполнителя", p.FreelancerAddress); err != nil {
		return nil, err
	}
	if err := validation.ValidateRequirements(p.Requirements); err != nil {
		return nil, err
	}
	currency := valueobject.NormalizeCurrency(strings.TrimSpace(p.Currency))
	if err := validation.ValidateCurrency(currency); err != nil {
		return nil, err
	}
	if _, err := p.Template.Split(amount); err != nil {
		return nil, err
	}

	return &Booking{
		ID:                uuid.New(),
		ClientID:          p.ClientID,
		FreelancerID:      p.FreelancerID,
		ServiceID:         p.ServiceID,
		PackageID:         p.PackageID,
		TotalAmount:       amount,
		Currency:          currency,
		Status:            valueobject.BookingStatusPending,
		PaymentStatus:     valueobject.PaymentStatusPending,
		Requirements:      p.Requirements,
		ClientAddress:     p.ClientAddress,
		FreelancerAddress: p.FreelancerAddress,
		Template:          p.Template,
		DeliveryDeadline:  p.Deadline,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (b *Booking) IsParticipant(userID uuid.UUID) bool {
	return userID != uuid.Nil && (userID == b.ClientID || userID == b.FreelancerID)
}

func (b *Booking) transition(to valueobject.BookingStatus, now time.Time) error {
	if !b.Status.CanTransitionTo(to) {
		return apperror.Newf(apperror.ErrCodeInvalidStatus, "переход бронирования %s -> %s запрещён", b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = now
	return nil
}

// Activate переводит оплаченное бронирование в работу.
func (b *Booking) Activate(now time.Time) error {
	if b.Status != valueobject.BookingStatusPending {
		return apperror.Newf(apperror.ErrCodeInvalidStatus, "подтвердить оплату можно только для pending, текущий статус %s", b.Status)
	}
	if err := b.transition(valueobject.BookingStatusActive, now); err != nil {
		return err
	}
	b.PaymentStatus = valueobject.PaymentStatusHeldInEscrow
	return nil
}

func (b *Booking) RaiseDispute(now time.Time) error {
	if err := b.transition(valueobject.BookingStatusInDispute, now); err != nil {
		return err
	}
	b.PaymentStatus = valueobject.PaymentStatusDisputed
	return nil
}

// ResumeFromDispute возвращает бронирование в работу после разрешения спора.
func (b *Booking) ResumeFromDispute(now time.Time) error {
	if b.Status != valueobject.BookingStatusInDispute {
		return apperror.Newf(apperror.ErrCodeInvalidStatus, "бронирование не в споре, текущий статус %s", b.Status)
	}
	if err := b.transition(valueobject.BookingStatusActive, now); err != nil {
		return err
	}
	b.PaymentStatus = valueobject.PaymentStatusHeldInEscrow
	return nil
}

// Cancel отменяет бронирование. refunded означает, что средства уже вернулись клиенту.
func (b *Booking) Cancel(refunded bool, now time.Time) error {
	if err := b.transition(valueobject.BookingStatusCancelled, now); err != nil {
		return err
	}
	if refunded {
		b.PaymentStatus = valueobject.PaymentStatusRefunded
	}
	return nil
}

func (b *Booking) Complete(now time.Time) error {
	if err := b.transition(valueobject.BookingStatusCompleted, now); err != nil {
		return err
	}
	b.PaymentStatus = valueobject.PaymentStatusReleased
	b.CurrentStageID = nil
	return nil
}

// Review сохраняет оценку одной из сторон. Каждая сторона оценивает один раз.
func (b *Booking) Review(actorID uuid.UUID, rating int, comment string, now time.Time) (valueobject.EventType, error) {
	if b.Status != valueobject.BookingStatusCompleted {
		return "", apperror.InvalidStatus("отзыв можно оставить только по завершённому бронированию")
	}
	if rating < 1 || rating > 5 {
		return "", apperror.InvalidInput("оценка должна быть от 1 до 5")
	}
	if err := validation.ValidateReview(comment); err != nil {
		return "", err
	}

	switch actorID {
	case b.ClientID:
		if b.ClientRating != nil {
			return "", apperror.AlreadyExists("отзыв клиента")
		}
		b.ClientRating = &rating
		b.ClientReview = &comment
		b.UpdatedAt = now
		return valueobject.EventClientReviewed, nil
	case b.FreelancerID:
		if b.FreelancerRating != nil {
			return "", apperror.AlreadyExists("отзыв исполнителя")
		}
		b.FreelancerRating = &rating
		b.FreelancerReview = &comment
		b.UpdatedAt = now
		return valueobject.EventFreelancerReviewed, nil
	}
	return "", apperror.ErrNotParticipant
}

// HasFundsInEscrow сообщает, что средства клиента сейчас удерживаются.
func (b *Booking) HasFundsInEscrow() bool {
	return b.PaymentStatus == valueobject.PaymentStatusHeldInEscrow ||
		b.PaymentStatus == valueobject.PaymentStatusDisputed
}

func (b *Booking) Clone() *Booking {
	c := *b
	c.StageIDs = append([]uuid.UUID(nil), b.StageIDs...)
	c.Template = append(valueobject.StageTemplate(nil), b.Template...)
	if b.CurrentStageID != nil {
		id := *b.CurrentStageID
		c.CurrentStageID = &id
	}
	return &c
}
