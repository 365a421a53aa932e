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

const relationshipColumns = `id, booking_id, client_id, freelancer_id, status, created_at, updated_at`

type relationshipRow struct {
	ID           uuid.UUID `db:"id"`
	BookingID    uuid.UUID `db:"booking_id"`
	ClientID     uuid.UUID `db:"client_id"`
	FreelancerID uuid.UUID `db:"freelancer_id"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *relationshipRow) toEntity() *entity.ChatRelationship {
	return &entity.ChatRelationship{
		ID:           r.ID,
		BookingID:    r.BookingID,
		ClientID:     r.ClientID,
		FreelancerID: r.FreelancerID,
		Status:       valueobject.RelationshipStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type relationshipRepo struct{ q queries }

func (r relationshipRepo) Save(ctx context.Context, rel *entity.ChatRelationship) error {
	query := `
		INSERT INTO chat_relationships (` + relationshipColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (booking_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		WHERE chat_relationships.id = EXCLUDED.id
	`
	res, err := r.q.ext.ExecContext(ctx, query,
		rel.ID, rel.BookingID, rel.ClientID, rel.FreelancerID, string(rel.Status), rel.CreatedAt, rel.UpdatedAt,
	)
	if err != nil {
		return mapError(err, rel.BookingID.String(), "не удалось сохранить связь для чата")
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return apperror.AlreadyExists(rel.BookingID.String())
	}
	return nil
}

func (r relationshipRepo) FindByBookingID(ctx context.Context, bookingID uuid.UUID) (*entity.ChatRelationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM chat_relationships WHERE booking_id = $1`
	var row relationshipRow
	if err := sqlx.GetContext(ctx, r.q.ext, &row, query, bookingID); err != nil {
		if isNoRows(err) {
			return nil, apperror.ErrRelationshipNotFound
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить связь для чата")
	}
	return row.toEntity(), nil
}

func (r relationshipRepo) FindBetween(ctx context.Context, userA, userB uuid.UUID) ([]*entity.ChatRelationship, error) {
	query := `
		SELECT ` + relationshipColumns + `
		FROM chat_relationships
		WHERE (client_id = $1 AND freelancer_id = $2) OR (client_id = $2 AND freelancer_id = $1)
	`
	var rows []relationshipRow
	if err := sqlx.SelectContext(ctx, r.q.ext, &rows, query, userA, userB); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить связи пользователей")
	}
	result := make([]*entity.ChatRelationship, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toEntity())
	}
	return result, nil
}
