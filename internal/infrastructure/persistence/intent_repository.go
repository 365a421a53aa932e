package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

const intentColumns = `key, escrow_id, stage_id, kind, amount, destination, status, tx_ref, created_at, updated_at`

type intentRow struct {
	Key         string    `db:"key"`
	EscrowID    uuid.UUID `db:"escrow_id"`
	StageID     uuid.UUID `db:"stage_id"`
	Kind        string    `db:"kind"`
	Amount      int64     `db:"amount"`
	Destination string    `db:"destination"`
	Status      string    `db:"status"`
	TxRef       string    `db:"tx_ref"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *intentRow) toEntity() *entity.ReleaseIntent {
	return &entity.ReleaseIntent{
		Key:         r.Key,
		EscrowID:    r.EscrowID,
		StageID:     r.StageID,
		Kind:        valueobject.IntentKind(r.Kind),
		Amount:      valueobject.Amount(r.Amount),
		Destination: r.Destination,
		Status:      valueobject.IntentStatus(r.Status),
		TxRef:       r.TxRef,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type intentRepo struct{ q queries }

func (r intentRepo) Create(ctx context.Context, in *entity.ReleaseIntent) error {
	query := `
		INSERT INTO release_intents (` + intentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.q.ext.ExecContext(ctx, query,
		in.Key, in.EscrowID, in.StageID, string(in.Kind), int64(in.Amount), in.Destination,
		string(in.Status), in.TxRef, in.CreatedAt, in.UpdatedAt,
	)
	return mapError(err, in.Key, "не удалось сохранить намерение перевода")
}

func (r intentRepo) Update(ctx context.Context, in *entity.ReleaseIntent) error {
	query := `UPDATE release_intents SET status = $2, tx_ref = $3, updated_at = $4 WHERE key = $1`
	res, err := r.q.ext.ExecContext(ctx, query, in.Key, string(in.Status), in.TxRef, in.UpdatedAt)
	if err != nil {
		return mapError(err, in.Key, "не удалось обновить намерение перевода")
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return apperror.NotFound(in.Key)
	}
	return nil
}

func (r intentRepo) FindByKey(ctx context.Context, key string) (*entity.ReleaseIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM release_intents WHERE key = $1` + r.q.lockClause()
	var row intentRow
	if err := sqlx.GetContext(ctx, r.q.ext, &row, query, key); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить намерение перевода")
	}
	return row.toEntity(), nil
}

func (r intentRepo) FindPending(ctx context.Context, limit int) ([]*entity.ReleaseIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM release_intents
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`
	var rows []intentRow
	if err := sqlx.SelectContext(ctx, r.q.ext, &rows, query, string(valueobject.IntentStatusPending), limit); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить незавершённые переводы")
	}
	result := make([]*entity.ReleaseIntent, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toEntity())
	}
	return result, nil
}
