package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
)

// TimelineEvent неизменяемая запись истории бронирования.
type TimelineEvent struct {
	ID          uuid.UUID
	BookingID   uuid.UUID
	Sequence    int64
	Type        valueobject.EventType
	Timestamp   int64
	Description string
	Metadata    map[string]string
	ActorID     uuid.UUID
}

func (e *TimelineEvent) Time() time.Time {
	return time.Unix(0, e.Timestamp).UTC()
}

func (e *TimelineEvent) Clone() *TimelineEvent {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
