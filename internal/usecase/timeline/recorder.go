package timeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/repository"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Notifier доставляет зафиксированные события участникам. Доставка best-effort.
type Notifier interface {
	NotifyTimelineEvent(event *entity.TimelineEvent, recipients []uuid.UUID)
}

type Recorder struct {
	tx       repository.TxManager
	locker   repository.Locker
	notifier Notifier
	now      func() time.Time
}

func NewRecorder(tx repository.TxManager, locker repository.Locker) *Recorder {
	return &Recorder{
		tx:     tx,
		locker: locker,
		now:    time.Now,
	}
}

// SetNotifier подключает доставку событий после коммита.
func (r *Recorder) SetNotifier(n Notifier) {
	r.notifier = n
}

// Append добавляет событие в историю бронирования. Вызов внутри транзакции
// перехода пишет событие в ту же транзакцию.
func (r *Recorder) Append(ctx context.Context, bookingID uuid.UUID, eventType valueobject.EventType, description string, actorID uuid.UUID, metadata map[string]string) (uuid.UUID, error) {
	if !eventType.IsValid() {
		return uuid.Nil, apperror.InvalidInput("неизвестный тип события")
	}

	var event *entity.TimelineEvent
	err := repository.WithBookingLock(ctx, r.locker, bookingID, func(ctx context.Context) error {
		return r.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			booking, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return err
			}

			last, err := tx.Timeline().Last(ctx, bookingID)
			if err != nil {
				return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось прочитать историю")
			}

			ts := r.now().UnixNano()
			var seq int64 = 1
			if last != nil {
				seq = last.Sequence + 1
				if last.Timestamp > ts {
					ts = last.Timestamp
				}
			}

			event = &entity.TimelineEvent{
				ID:          uuid.New(),
				BookingID:   bookingID,
				Sequence:    seq,
				Type:        eventType,
				Timestamp:   ts,
				Description: description,
				Metadata:    metadata,
				ActorID:     actorID,
			}
			if err := tx.Timeline().Append(ctx, event); err != nil {
				return err
			}

			recipients := []uuid.UUID{booking.ClientID, booking.FreelancerID}
			committed := event.Clone()
			repository.AfterCommit(ctx, func() { r.notify(committed, recipients) })
			return nil
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return event.ID, nil
}

// ReadTimeline возвращает события после afterSequence в порядке Sequence.
func (r *Recorder) ReadTimeline(ctx context.Context, bookingID uuid.UUID, afterSequence int64, limit int) ([]*entity.TimelineEvent, error) {
	if afterSequence < 0 {
		return nil, apperror.InvalidInput("after не может быть отрицательным")
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if _, err := r.tx.Bookings().FindByID(ctx, bookingID); err != nil {
		return nil, err
	}
	return r.tx.Timeline().List(ctx, bookingID, afterSequence, limit)
}

func (r *Recorder) notify(event *entity.TimelineEvent, recipients []uuid.UUID) {
	if r.notifier == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Log.WithFields(logrus.Fields{
				"booking_id": event.BookingID,
				"event_type": event.Type,
				"panic":      rec,
			}).Error("сбой доставки события")
		}
	}()
	r.notifier.NotifyTimelineEvent(event, recipients)
}
