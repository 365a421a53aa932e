package ws

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
)

const EventTimeline = "timeline_event"

type Broadcaster interface {
	BroadcastToUser(userID uuid.UUID, event string, data any) error
}

// TimelineNotifier рассылает события истории участникам бронирования.
type TimelineNotifier struct {
	hub Broadcaster
}

func NewTimelineNotifier(hub Broadcaster) *TimelineNotifier {
	return &TimelineNotifier{hub: hub}
}

type timelinePayload struct {
	ID          string            `json:"id"`
	BookingID   string            `json:"booking_id"`
	Sequence    int64             `json:"sequence"`
	Type        string            `json:"type"`
	Timestamp   string            `json:"timestamp"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ActorID     string            `json:"actor_id"`
}

func (n *TimelineNotifier) NotifyTimelineEvent(event *entity.TimelineEvent, recipients []uuid.UUID) {
	payload := timelinePayload{
		ID:          event.ID.String(),
		BookingID:   event.BookingID.String(),
		Sequence:    event.Sequence,
		Type:        string(event.Type),
		Timestamp:   event.Time().Format(time.RFC3339Nano),
		Description: event.Description,
		Metadata:    event.Metadata,
		ActorID:     event.ActorID.String(),
	}
	for _, userID := range recipients {
		if err := n.hub.BroadcastToUser(userID, EventTimeline, payload); err != nil {
			logger.Log.WithError(err).WithField("user_id", userID).Warn("ws: не удалось отправить событие")
		}
	}
}
