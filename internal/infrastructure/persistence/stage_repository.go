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

const stageColumns = `id, booking_id, stage_number, title, amount, status, submission_notes, rejection_reason,
	created_at, updated_at, submitted_at, approved_at, rejected_at, released_at`

type stageRow struct {
	ID              uuid.UUID  `db:"id"`
	BookingID       uuid.UUID  `db:"booking_id"`
	StageNumber     int        `db:"stage_number"`
	Title           string     `db:"title"`
	Amount          int64      `db:"amount"`
	Status          string     `db:"status"`
	SubmissionNotes string     `db:"submission_notes"`
	RejectionReason string     `db:"rejection_reason"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	SubmittedAt     *time.Time `db:"submitted_at"`
	ApprovedAt      *time.Time `db:"approved_at"`
	RejectedAt      *time.Time `db:"rejected_at"`
	ReleasedAt      *time.Time `db:"released_at"`
}

func (r *stageRow) toEntity() *entity.Stage {
	return &entity.Stage{
		ID:              r.ID,
		BookingID:       r.BookingID,
		StageNumber:     r.StageNumber,
		Title:           r.Title,
		Amount:          valueobject.Amount(r.Amount),
		Status:          valueobject.StageStatus(r.Status),
		SubmissionNotes: r.SubmissionNotes,
		RejectionReason: r.RejectionReason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		SubmittedAt:     r.SubmittedAt,
		ApprovedAt:      r.ApprovedAt,
		RejectedAt:      r.RejectedAt,
		ReleasedAt:      r.ReleasedAt,
	}
}

type stageRepo struct{ q queries }

func (r stageRepo) Create(ctx context.Context, s *entity.Stage) error {
	query := `
		INSERT INTO stages (` + stageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.q.ext.ExecContext(ctx, query,
		s.ID, s.BookingID, s.StageNumber, s.Title, int64(s.Amount), string(s.Status),
		s.SubmissionNotes, s.RejectionReason, s.CreatedAt, s.UpdatedAt,
		s.SubmittedAt, s.ApprovedAt, s.RejectedAt, s.ReleasedAt,
	)
	return mapError(err, s.ID.String(), "не удалось создать этап")
}

func (r stageRepo) Update(ctx context.Context, s *entity.Stage) error {
	query := `
		UPDATE stages
		SET status = $2, submission_notes = $3, rejection_reason = $4, updated_at = $5,
		    submitted_at = $6, approved_at = $7, rejected_at = $8, released_at = $9
		WHERE id = $1
	`
	res, err := r.q.ext.ExecContext(ctx, query,
		s.ID, string(s.Status), s.SubmissionNotes, s.RejectionReason, s.UpdatedAt,
		s.SubmittedAt, s.ApprovedAt, s.RejectedAt, s.ReleasedAt,
	)
	if err != nil {
		return mapError(err, s.ID.String(), "не удалось обновить этап")
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return apperror.ErrStageNotFound
	}
	return nil
}

func (r stageRepo) FindByID(ctx context.Context, id uuid.UUID) (*entity.Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE id = $1` + r.q.lockClause()
	var row stageRow
	if err := sqlx.GetContext(ctx, r.q.ext, &row, query, id); err != nil {
		if isNoRows(err) {
			return nil, apperror.ErrStageNotFound
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить этап")
	}
	return row.toEntity(), nil
}

func (r stageRepo) FindByBookingID(ctx context.Context, bookingID uuid.UUID) ([]*entity.Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM stages WHERE booking_id = $1 ORDER BY stage_number`
	var rows []stageRow
	if err := sqlx.SelectContext(ctx, r.q.ext, &rows, query, bookingID); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить этапы")
	}
	result := make([]*entity.Stage, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toEntity())
	}
	return result, nil
}
