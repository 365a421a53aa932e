package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
)

type BookingRepository interface {
	Create(ctx context.Context, booking *entity.Booking) error
	// Update сохраняет бронирование с проверкой версии и увеличивает Version.
	Update(ctx context.Context, booking *entity.Booking) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Booking, error)
	FindByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entity.Booking, int, error)
}

type StageRepository interface {
	Create(ctx context.Context, stage *entity.Stage) error
	Update(ctx context.Context, stage *entity.Stage) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Stage, error)
	// FindByBookingID возвращает этапы по возрастанию номера.
	FindByBookingID(ctx context.Context, bookingID uuid.UUID) ([]*entity.Stage, error)
}

type EscrowRepository interface {
	Create(ctx context.Context, account *entity.EscrowAccount) error
	Update(ctx context.Context, account *entity.EscrowAccount) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.EscrowAccount, error)
	FindByBookingID(ctx context.Context, bookingID uuid.UUID) (*entity.EscrowAccount, error)
	// FindUnfunded возвращает открытые счета, оплата которых ещё не подтверждена.
	FindUnfunded(ctx context.Context, limit int) ([]*entity.EscrowAccount, error)
}

type ReleaseIntentRepository interface {
	Create(ctx context.Context, intent *entity.ReleaseIntent) error
	Update(ctx context.Context, intent *entity.ReleaseIntent) error
	// FindByKey возвращает nil без ошибки, если записи нет.
	FindByKey(ctx context.Context, key string) (*entity.ReleaseIntent, error)
	FindPending(ctx context.Context, limit int) ([]*entity.ReleaseIntent, error)
}

type TimelineRepository interface {
	Append(ctx context.Context, event *entity.TimelineEvent) error
	// Last возвращает последнее событие бронирования или nil.
	Last(ctx context.Context, bookingID uuid.UUID) (*entity.TimelineEvent, error)
	List(ctx context.Context, bookingID uuid.UUID, afterSequence int64, limit int) ([]*entity.TimelineEvent, error)
}

type RelationshipRepository interface {
	// Save создаёт связь или обновляет статус существующей.
	Save(ctx context.Context, rel *entity.ChatRelationship) error
	FindByBookingID(ctx context.Context, bookingID uuid.UUID) (*entity.ChatRelationship, error)
	// FindBetween ищет связи пары пользователей в обе стороны.
	FindBetween(ctx context.Context, userA, userB uuid.UUID) ([]*entity.ChatRelationship, error)
}

// Store набор репозиториев поверх одного подключения или одной транзакции.
type Store interface {
	Bookings() BookingRepository
	Stages() StageRepository
	Escrows() EscrowRepository
	Intents() ReleaseIntentRepository
	Timeline() TimelineRepository
	Relationships() RelationshipRepository
}

type TxManager interface {
	Store
	// WithinTx выполняет fn в транзакции. Если в ctx уже есть транзакция,
	// fn выполняется в ней, а коммит остаётся за внешним вызовом.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
