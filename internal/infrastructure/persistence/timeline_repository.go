package persistence

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

const timelineColumns = `id, booking_id, sequence, event_type, occurred_at_ns, description, metadata, actor_id`

type timelineRow struct {
	ID          uuid.UUID `db:"id"`
	BookingID   uuid.UUID `db:"booking_id"`
	Sequence    int64     `db:"sequence"`
	Type        string    `db:"event_type"`
	Timestamp   int64     `db:"occurred_at_ns"`
	Description string    `db:"description"`
	Metadata    []byte    `db:"metadata"`
	ActorID     uuid.UUID `db:"actor_id"`
}

func (r *timelineRow) toEntity() (*entity.TimelineEvent, error) {
	var meta map[string]string
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "повреждены метаданные события")
		}
	}
	return &entity.TimelineEvent{
		ID:          r.ID,
		BookingID:   r.BookingID,
		Sequence:    r.Sequence,
		Type:        valueobject.EventType(r.Type),
		Timestamp:   r.Timestamp,
		Description: r.Description,
		Metadata:    meta,
		ActorID:     r.ActorID,
	}, nil
}

type timelineRepo struct{ q queries }

// Append полагается на уникальный индекс (booking_id, sequence): гонка
// двух писателей даёт ALREADY_EXISTS у проигравшего.
func (r timelineRepo) Append(ctx context.Context, e *entity.TimelineEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeInternal, "не удалось сериализовать метаданные события")
	}
	query := `
		INSERT INTO timeline_events (` + timelineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.q.ext.ExecContext(ctx, query,
		e.ID, e.BookingID, e.Sequence, string(e.Type), e.Timestamp, e.Description, meta, e.ActorID,
	)
	return mapError(err, e.ID.String(), "не удалось записать событие")
}

func (r timelineRepo) Last(ctx context.Context, bookingID uuid.UUID) (*entity.TimelineEvent, error) {
	query := `
		SELECT ` + timelineColumns + `
		FROM timeline_events
		WHERE booking_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`
	var row timelineRow
	if err := sqlx.GetContext(ctx, r.q.ext, &row, query, bookingID); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить последнее событие")
	}
	return row.toEntity()
}

func (r timelineRepo) List(ctx context.Context, bookingID uuid.UUID, afterSequence int64, limit int) ([]*entity.TimelineEvent, error) {
	query := `
		SELECT ` + timelineColumns + `
		FROM timeline_events
		WHERE booking_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3
	`
	var rows []timelineRow
	if err := sqlx.SelectContext(ctx, r.q.ext, &rows, query, bookingID, afterSequence, limit); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить историю бронирования")
	}
	result := make([]*entity.TimelineEvent, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}
