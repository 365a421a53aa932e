package valueobject

import "github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"

type EventType string

const (
	EventBookingCreated     EventType = "BookingCreated"
	EventBookingConfirmed   EventType = "BookingConfirmed"
	EventBookingCancelled   EventType = "BookingCancelled"
	EventBookingCompleted   EventType = "BookingCompleted"
	EventWorkStarted        EventType = "WorkStarted"
	EventWorkCompleted      EventType = "WorkCompleted"
	EventStageCreated       EventType = "StageCreated"
	EventStageUpdated       EventType = "StageUpdated"
	EventStageApproved      EventType = "StageApproved"
	EventStageRejected      EventType = "StageRejected"
	EventPaymentCompleted   EventType = "PaymentCompleted"
	EventDisputeRaised      EventType = "DisputeRaised"
	EventDisputeResolved    EventType = "DisputeResolved"
	EventClientReviewed     EventType = "ClientReviewed"
	EventFreelancerReviewed EventType = "FreelancerReviewed"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventBookingCreated, EventBookingConfirmed, EventBookingCancelled, EventBookingCompleted,
		EventWorkStarted, EventWorkCompleted,
		EventStageCreated, EventStageUpdated, EventStageApproved, EventStageRejected,
		EventPaymentCompleted, EventDisputeRaised, EventDisputeResolved,
		EventClientReviewed, EventFreelancerReviewed:
		return true
	}
	return false
}

func NewEventType(t string) (EventType, error) {
	et := EventType(t)
	if !et.IsValid() {
		return "", apperror.InvalidInput("неизвестный тип события")
	}
	return et, nil
}
