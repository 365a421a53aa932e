package collaboration

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

// Gate разрешение на переписку. Переписка возможна только при активном бронировании.
type Gate struct {
	tx  repository.TxManager
	now func() time.Time
}

func NewGate(tx repository.TxManager) *Gate {
	return &Gate{tx: tx, now: time.Now}
}

// CanCommunicate проверяет пару в обе стороны. Запись читается при каждом вызове.
func (g *Gate) CanCommunicate(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	if userA == uuid.Nil || userB == uuid.Nil || userA == userB {
		return false, nil
	}
	rels, err := repository.StoreFor(ctx, g.tx).Relationships().FindBetween(ctx, userA, userB)
	if err != nil {
		return false, err
	}
	for _, rel := range rels {
		if rel.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

// AuthorizeMessage возвращает UNAUTHORIZED, если отправитель не может писать получателю.
func (g *Gate) AuthorizeMessage(ctx context.Context, senderID, recipientID uuid.UUID) error {
	ok, err := g.CanCommunicate(ctx, senderID, recipientID)
	if err != nil {
		return err
	}
	if !ok {
		return apperror.Unauthorized("переписка доступна только при активном бронировании")
	}
	return nil
}

// OnBookingStatusChanged синхронизирует связь со статусом бронирования.
// Вызывается в транзакции перехода. Связь создаётся при первой активации.
func (g *Gate) OnBookingStatusChanged(ctx context.Context, booking *entity.Booking) error {
	status, ok := valueobject.RelationshipStatusFor(booking.Status)
	if !ok {
		return nil
	}

	return g.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		now := g.now()
		rel, err := tx.Relationships().FindByBookingID(ctx, booking.ID)
		switch {
		case apperror.IsNotFound(err):
			if status != valueobject.RelationshipStatusActive {
				// До активации переписки не было, создавать нечего.
				return nil
			}
			rel = entity.NewChatRelationship(booking, status, now)
		case err != nil:
			return err
		default:
			if rel.Status == status {
				return nil
			}
			rel.Status = status
			rel.UpdatedAt = now
		}

		if err := tx.Relationships().Save(ctx, rel); err != nil {
			return err
		}
		logger.Log.WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"status":     status,
		}).Debug("статус связи для чата обновлён")
		return nil
	})
}
