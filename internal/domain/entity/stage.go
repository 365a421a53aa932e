package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-settlement/internal/validation"
)

type Stage struct {
	ID              uuid.UUID
	BookingID       uuid.UUID
	StageNumber     int
	Title           string
	Amount          valueobject.Amount
	Status          valueobject.StageStatus
	SubmissionNotes string
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SubmittedAt     *time.Time
	ApprovedAt      *time.Time
	RejectedAt      *time.Time
	ReleasedAt      *time.Time
}

func NewStage(bookingID uuid.UUID, number int, title string, amount valueobject.Amount, now time.Time) (*Stage, error) {
	if number < 1 {
		return nil, apperror.InvalidInput("номер этапа начинается с 1")
	}
	if !amount.IsPositive() {
		return nil, apperror.InvalidInput("сумма этапа должна быть больше нуля")
	}
	return &Stage{
		ID:          uuid.New(),
		BookingID:   bookingID,
		StageNumber: number,
		Title:       title,
		Amount:      amount,
		Status:      valueobject.StageStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition применяет переход по таблице этапов. notes сохраняются как комментарий
// к сдаче работы или как причина отклонения.
func (s *Stage) Transition(to valueobject.StageStatus, notes string, now time.Time) error {
	if to == valueobject.StageStatusReleased && s.Status != valueobject.StageStatusApproved {
		return apperror.ErrStageNotApproved
	}
	if !s.Status.CanTransitionTo(to) {
		return apperror.Newf(apperror.ErrCodeInvalidStatus, "переход этапа %s -> %s запрещён", s.Status, to)
	}
	if err := validation.ValidateNotes(notes); err != nil {
		return err
	}

	switch to {
	case valueobject.StageStatusSubmitted:
		s.SubmissionNotes = notes
		s.SubmittedAt = &now
	case valueobject.StageStatusApproved:
		s.ApprovedAt = &now
	case valueobject.StageStatusRejected:
		s.RejectionReason = notes
		s.RejectedAt = &now
	case valueobject.StageStatusReleased:
		s.ReleasedAt = &now
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

func (s *Stage) Clone() *Stage {
	c := *s
	return &c
}
