// Package persistence хранилище на PostgreSQL поверх sqlx.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/escrow-settlement/internal/domain/repository"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

const uniqueViolation = "23505"

// Postgres реализует repository.TxManager.
type Postgres struct {
	db *sqlx.DB
	queries
}

var _ repository.TxManager = (*Postgres)(nil)

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{
		db:      db,
		queries: queries{ext: db},
	}
}

// WithinTx открывает транзакцию или присоединяется к уже открытой в ctx.
// Хуки AfterCommit выполняются после коммита внешней транзакции.
func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	if scope, ok := repository.TxFromContext(ctx); ok {
		return fn(ctx, scope.Store)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось начать транзакцию")
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	store := queries{ext: tx, forUpdate: true}
	txCtx, scope := repository.ContextWithTx(ctx, store)
	if err := fn(txCtx, store); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось зафиксировать транзакцию")
	}

	scope.RunHooks()
	return nil
}

// queries набор репозиториев над пулом или транзакцией. Внутри транзакции
// чтения бронирований и счетов берут блокировку строки.
type queries struct {
	ext       sqlx.ExtContext
	forUpdate bool
}

func (q queries) Bookings() repository.BookingRepository           { return bookingRepo{q} }
func (q queries) Stages() repository.StageRepository               { return stageRepo{q} }
func (q queries) Escrows() repository.EscrowRepository             { return escrowRepo{q} }
func (q queries) Intents() repository.ReleaseIntentRepository      { return intentRepo{q} }
func (q queries) Timeline() repository.TimelineRepository          { return timelineRepo{q} }
func (q queries) Relationships() repository.RelationshipRepository { return relationshipRepo{q} }

func (q queries) lockClause() string {
	if q.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// mapError переводит ошибки драйвера в коды приложения.
func mapError(err error, entityID, message string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperror.AlreadyExists(entityID)
	}
	return apperror.Wrap(err, apperror.ErrCodeDatabaseError, message)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
