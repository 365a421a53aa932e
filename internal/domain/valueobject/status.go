package valueobject

import "github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusActive    BookingStatus = "active"
	BookingStatusInDispute BookingStatus = "in_dispute"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusActive, BookingStatusCancelled},
	BookingStatusActive:    {BookingStatusCompleted, BookingStatusCancelled, BookingStatusInDispute},
	BookingStatusInDispute: {BookingStatusActive, BookingStatusCancelled},
	BookingStatusCompleted: {},
	BookingStatusCancelled: {},
}

func (s BookingStatus) IsValid() bool {
	_, ok := bookingTransitions[s]
	return ok
}

func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled
}

func (s BookingStatus) CanTransitionTo(newStatus BookingStatus) bool {
	return contains(bookingTransitions[s], newStatus)
}

func NewBookingStatus(status string) (BookingStatus, error) {
	s := BookingStatus(status)
	if !s.IsValid() {
		return "", apperror.InvalidInput("некорректный статус бронирования")
	}
	return s, nil
}

type PaymentStatus string

const (
	PaymentStatusPending      PaymentStatus = "pending"
	PaymentStatusHeldInEscrow PaymentStatus = "held_in_escrow"
	PaymentStatusReleased     PaymentStatus = "released"
	PaymentStatusRefunded     PaymentStatus = "refunded"
	PaymentStatusDisputed     PaymentStatus = "disputed"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusHeldInEscrow, PaymentStatusReleased, PaymentStatusRefunded, PaymentStatusDisputed:
		return true
	}
	return false
}

type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusSubmitted  StageStatus = "submitted"
	StageStatusApproved   StageStatus = "approved"
	StageStatusRejected   StageStatus = "rejected"
	StageStatusReleased   StageStatus = "released"
)

var stageTransitions = map[StageStatus][]StageStatus{
	StageStatusPending:    {StageStatusInProgress},
	StageStatusInProgress: {StageStatusSubmitted},
	StageStatusSubmitted:  {StageStatusApproved, StageStatusRejected},
	StageStatusRejected:   {StageStatusInProgress},
	StageStatusApproved:   {StageStatusReleased},
	StageStatusReleased:   {},
}

func (s StageStatus) IsValid() bool {
	_, ok := stageTransitions[s]
	return ok
}

func (s StageStatus) CanTransitionTo(newStatus StageStatus) bool {
	return contains(stageTransitions[s], newStatus)
}

// IsActive сообщает, что над этапом сейчас идёт работа.
func (s StageStatus) IsActive() bool {
	return s == StageStatusInProgress || s == StageStatusSubmitted
}

func NewStageStatus(status string) (StageStatus, error) {
	s := StageStatus(status)
	if !s.IsValid() {
		return "", apperror.InvalidInput("некорректный статус этапа")
	}
	return s, nil
}

type RelationshipStatus string

const (
	RelationshipStatusActive    RelationshipStatus = "active"
	RelationshipStatusSuspended RelationshipStatus = "suspended"
	RelationshipStatusCompleted RelationshipStatus = "completed"
	RelationshipStatusCancelled RelationshipStatus = "cancelled"
)

// RelationshipStatusFor отображает статус бронирования на статус связи для чата.
// Для Pending связи ещё нет, поэтому второе значение false.
func RelationshipStatusFor(status BookingStatus) (RelationshipStatus, bool) {
	switch status {
	case BookingStatusActive:
		return RelationshipStatusActive, true
	case BookingStatusInDispute:
		return RelationshipStatusSuspended, true
	case BookingStatusCompleted:
		return RelationshipStatusCompleted, true
	case BookingStatusCancelled:
		return RelationshipStatusCancelled, true
	}
	return "", false
}

type IntentKind string

const (
	IntentKindRelease IntentKind = "release"
	IntentKindRefund  IntentKind = "refund"
)

type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusCompleted IntentStatus = "completed"
)

type ResolutionOutcome string

const (
	ResolutionResume ResolutionOutcome = "resume"
	ResolutionRefund ResolutionOutcome = "refund"
)

func NewResolutionOutcome(outcome string) (ResolutionOutcome, error) {
	o := ResolutionOutcome(outcome)
	if o != ResolutionResume && o != ResolutionRefund {
		return "", apperror.InvalidInput("исход спора должен быть resume или refund")
	}
	return o, nil
}

func contains[T comparable](items []T, item T) bool {
	for _, it := range items {
		if it == item {
			return true
		}
	}
	return false
}
