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

const escrowColumns = `id, booking_id, deposit_account, expected_amount, funded_amount, funded,
	released_amount, closed, last_checked_at, created_at, updated_at`

type escrowRow struct {
	ID             uuid.UUID  `db:"id"`
	BookingID      uuid.UUID  `db:"booking_id"`
	DepositAccount string     `db:"deposit_account"`
	ExpectedAmount int64      `db:"expected_amount"`
	FundedAmount   int64      `db:"funded_amount"`
	Funded         bool       `db:"funded"`
	ReleasedAmount int64      `db:"released_amount"`
	Closed         bool       `db:"closed"`
	LastCheckedAt  *time.Time `db:"last_checked_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r *escrowRow) toEntity() *entity.EscrowAccount {
	return &entity.EscrowAccount{
		ID:             r.ID,
		BookingID:      r.BookingID,
		DepositAccount: r.DepositAccount,
		ExpectedAmount: valueobject.Amount(r.ExpectedAmount),
		FundedAmount:   valueobject.Amount(r.FundedAmount),
		Funded:         r.Funded,
		ReleasedAmount: valueobject.Amount(r.ReleasedAmount),
		Closed:         r.Closed,
		LastCheckedAt:  r.LastCheckedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type escrowRepo struct{ q queries }

func (r escrowRepo) Create(ctx context.Context, a *entity.EscrowAccount) error {
	query := `
		INSERT INTO escrow_accounts (` + escrowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.q.ext.ExecContext(ctx, query,
		a.ID, a.BookingID, a.DepositAccount, int64(a.ExpectedAmount), int64(a.FundedAmount),
		a.Funded, int64(a.ReleasedAmount), a.Closed, a.LastCheckedAt, a.CreatedAt, a.UpdatedAt,
	)
	return mapError(err, a.BookingID.String(), "не удалось создать escrow счёт")
}

func (r escrowRepo) Update(ctx context.Context, a *entity.EscrowAccount) error {
	// funded только поднимается: повторное наблюдение не может сбросить флаг.
	query := `
		UPDATE escrow_accounts
		SET funded_amount = $2, funded = funded OR $3, released_amount = $4, closed = $5,
		    last_checked_at = $6, updated_at = $7
		WHERE id = $1
	`
	res, err := r.q.ext.ExecContext(ctx, query,
		a.ID, int64(a.FundedAmount), a.Funded, int64(a.ReleasedAmount), a.Closed,
		a.LastCheckedAt, a.UpdatedAt,
	)
	if err != nil {
		return mapError(err, a.ID.String(), "не удалось обновить escrow счёт")
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return apperror.ErrEscrowNotFound
	}
	return nil
}

func (r escrowRepo) FindByID(ctx context.Context, id uuid.UUID) (*entity.EscrowAccount, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

func (r escrowRepo) FindByBookingID(ctx context.Context, bookingID uuid.UUID) (*entity.EscrowAccount, error) {
	return r.findOne(ctx, `WHERE booking_id = $1`, bookingID)
}

func (r escrowRepo) findOne(ctx context.Context, where string, arg any) (*entity.EscrowAccount, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_accounts ` + where + r.q.lockClause()
	var row escrowRow
	if err := sqlx.GetContext(ctx, r.q.ext, &row, query, arg); err != nil {
		if isNoRows(err) {
			return nil, apperror.ErrEscrowNotFound
		}
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить escrow счёт")
	}
	return row.toEntity(), nil
}

func (r escrowRepo) FindUnfunded(ctx context.Context, limit int) ([]*entity.EscrowAccount, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_accounts
		WHERE NOT funded AND NOT closed
		ORDER BY created_at
		LIMIT $1
	`
	var rows []escrowRow
	if err := sqlx.SelectContext(ctx, r.q.ext, &rows, query, limit); err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeDatabaseError, "не удалось получить неоплаченные счета")
	}
	result := make([]*entity.EscrowAccount, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toEntity())
	}
	return result, nil
}
