package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

const bookingColumns = `id, client_id, freelancer_id, service_id, package_id, total_amount, currency,
	status, payment_status, requirements, client_address, freelancer_address, template,
	stage_ids, current_stage_id, delivery_deadline, created_at, updated_at,
	client_rating, client_review, freelancer_rating, freelancer_review, version`

type bookingRow struct {
	ID                uuid.UUID      `db:"id"`
	ClientID          uuid.UUID      `db:"client_id"`
	FreelancerID      uuid.UUID      `db:"freelancer_id"`
	ServiceID         uuid.UUID      `db:"service_id"`
	PackageID         uuid.UUID      `db:"package_id"`
	TotalAmount       int64          `db:"total_amount"`
	Currency          string         `db:"currency"`
	Status            string         `db:"status"`
	PaymentStatus     string         `db:"payment_status"`
	Requirements      string         `db:"requirements"`
	ClientAddress     string         `db:"client_address"`
	FreelancerAddress string         `db:"freelancer_address"`
	Template          []byte         `db:"template"`
	StageIDs          pq.StringArray `db:"stage_ids"`
	CurrentStageID    uuid.NullUUID  `db:"current_stage_id"`
	DeliveryDeadline  time.Time      `db:"delivery_deadline"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	ClientRating      sql.NullInt32  `db:"client_rating"`
	ClientReview      sql.NullString `db:"client_review"`
	FreelancerRating  sql.NullInt32  `db:"freelancer_rating"`
	FreelancerReview  sql.NullString `db:"freelancer_review"`
	Version           int64          `db:"version"`
}

func (r *bookingRow) toEntity() (*entity.Booking, error) {
	var template valueobject.StageTemplate
	if len(r.Template) > 0 {
		if err := json.Unmarshal(r.Template, &template); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "повреждён шаблон этапов")
		}
	}
	stageIDs := make([]uuid.UUID, 0, len(r.StageIDs))
	for _, raw := range r.StageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "повреждён список этапов")
		}
		stageIDs = append(stageIDs, id)
	}

	b := &entity.Booking{
		ID:                r.ID,
		ClientID:          r.ClientID,
		FreelancerID:      r.FreelancerID,
		ServiceID:         r.ServiceID,
		PackageID:         r.PackageID,
		TotalAmount:       valueobject.Amount(r.TotalAmount),
		Currency:          r.Currency,
		Status:            valueobject.BookingStatus(r.Status),
		PaymentStatus:     valueobject.PaymentStatus(r.PaymentStatus),
		Requirements:      r.Requirements,
		ClientAddress:     r.ClientAddress,
		FreelancerAddress: r.FreelancerAddress,
		Template:          template,
		StageIDs:          stageIDs,
		DeliveryDeadline:  r.DeliveryDeadline,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		Version:           r.Version,
	}
	if r.CurrentStageID.Valid {
		id := r.CurrentStageID.UUID
		b.CurrentStageID = &id
	}
	if r.ClientRating.Valid {
		v := int(r.ClientRating.Int32)
		b.ClientRating = &v
	}
	if r.ClientReview.Valid {
		b.ClientReview = &r.ClientReview.String
	}
	if r.FreelancerRating.Valid {
		v := int(r.FreelancerRating.Int32)
		b.FreelancerRating = &v
	}
	if r.FreelancerReview.Valid {
		b.FreelancerReview = &r.FreelancerReview.String
	}
	return b, nil
}

type bookingRepo struct{ q queries }

func (r bookingRepo) Create(ctx context.Context, b *entity.Booking) error {
	template, err := json.Marshal(b.Template)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сериализовать шаблон этапов")
	}
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, 1)
	`
	_, err = r.q.ext.ExecContext(ctx, query,
		b.ID, b.ClientID, b.FreelancerID, b.ServiceID, b.PackageID,
		int64(b.TotalAmount), b.Currency, string(b.Status), string(b.PaymentStatus),
		b.Requirements, b.ClientAddress, b.FreelancerAddress, template,
		pq.Array(uuidStrings(b.StageIDs)), nullUUID(b.CurrentStageID),
		b.DeliveryDeadline, b.CreatedAt, b.UpdatedAt,
		b.ClientRating, b.ClientReview, b.FreelancerRating, b.FreelancerReview,
	)
	if err != nil {
		return mapError(err, b.ID.String(), "не удалось создать бронирование")
	}
	b.Version = 1
	return nil
}

func (r bookingRepo) Update(ctx context.Context, b *entity.Booking) error {
	template, err := json.Marshal(b.Template)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сериализовать шаблон этапов")
	}
	query := `
		UPDATE bookings
		SET status = $2, payment_status = $3, template = $4, stage_ids = $5, current_stage_id = $6,
		    updated_at = $7, client_rating = $8, client_review = $9,
		    freelancer_rating = $10, freelancer_review = $11, version = version + 1
		WHERE id = $1 AND version = $12
	`
	res, err := r.q.ext.ExecContext(ctx, query,
		b.ID, string(b.Status), string(b.PaymentStatus), template,
		pq.Array(uuidStrings(b.StageIDs)), nullUUID(b.CurrentStageID), b.UpdatedAt,
		b.ClientRating, b.ClientReview, b.FreelancerRating, b.FreelancerReview,
		b.Version,
	)
	if err != nil {
		return mapError(err, b.ID.String(), "не удалось обновить бронирование")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось проверить результат обновления")
	}
	if rows == 0 {
		if _, err := r.find(ctx, b.ID, false); err != nil {
			return err
		}
		return apperror.InvalidStatus("бронирование изменено параллельно, повторите запрос")
	}
	b.Version++
	return nil
}

func (r bookingRepo) FindByID(ctx context.Context, id uuid.UUID) (*entity.Booking, error) {
	return r.find(ctx, id, r.q.forUpdate)
}

func (r bookingRepo) find(ctx context.Context, id uuid.UUID, lock bool) (*entity.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	if lock {
		query += " FOR UPDATE"
	}
	var row bookingRow
	if err := sqlx.GetContext(ctx, r.q.ext, &row, query, id); err != nil {
		if isNoRows(err) {
			return nil, apperror.ErrBookingNotFound
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить бронирование")
	}
	return row.toEntity()
}

func (r bookingRepo) FindByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entity.Booking, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM bookings WHERE client_id = $1 OR freelancer_id = $1`
	if err := sqlx.GetContext(ctx, r.q.ext, &total, countQuery, userID); err != nil {
		return nil, 0, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось посчитать бронирования")
	}

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE client_id = $1 OR freelancer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	var rows []bookingRow
	if err := sqlx.SelectContext(ctx, r.q.ext, &rows, query, userID, limit, offset); err != nil {
		return nil, 0, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить бронирования")
	}

	result := make([]*entity.Booking, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toEntity()
		if err != nil {
			return nil, 0, err
		}
		result = append(result, b)
	}
	return result, total, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
