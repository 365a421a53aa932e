package stage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/ledger"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/lock"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/memory"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/escrow"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/stage"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/timeline"
)

func setup(t *testing.T, cfg stage.Config) (*memory.Store, *stage.Ledger, *entity.Booking) {
	t.Helper()
	logger.Silence()
	store := memory.NewStore()
	locker := lock.NewLocal()
	recorder := timeline.NewRecorder(store, locker)
	escrowMgr := escrow.NewManager(store, locker, ledger.NewSimulator(), escrow.Config{}, nil)
	l := stage.NewLedger(store, locker, escrowMgr, recorder, cfg)

	b, err := entity.NewBooking(entity.NewBookingParams{
		ClientID:          uuid.New(),
		FreelancerID:      uuid.New(),
		Amount:            1_000_000,
		Deadline:          time.Now().Add(time.Hour),
		ClientAddress:     "client-addr-1",
		FreelancerAddress: "freelancer-addr-1",
		Template:          valueobject.TemplateFromPercentages([]int64{30, 50, 20}),
	}, time.Now())
	require.NoError(t, err)
	b.Status = valueobject.BookingStatusActive
	require.NoError(t, store.Bookings().Create(context.Background(), b))
	return store, l, b
}

func TestMaterializeStages_Idempotent(t *testing.T) {
	store, l, b := setup(t, stage.Config{})
	ctx := context.Background()

	first, err := l.MaterializeStages(ctx, b.ID, b.TotalAmount, b.Template)
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := l.MaterializeStages(ctx, b.ID, b.TotalAmount, b.Template)
	require.NoError(t, err)
	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}

	var sum valueobject.Amount
	for _, st := range second {
		sum += st.Amount
		assert.Equal(t, valueobject.StageStatusPending, st.Status)
	}
	assert.Equal(t, b.TotalAmount, sum)

	events, err := store.Timeline().List(ctx, b.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.Equal(t, "300000", events[0].Metadata["amount"])
}

func TestMaterializeStages_InvalidTemplate(t *testing.T) {
	_, l, b := setup(t, stage.Config{})
	_, err := l.MaterializeStages(context.Background(), b.ID, b.TotalAmount, valueobject.TemplateFromPercentages([]int64{40, 40}))
	assert.True(t, apperror.IsInvalidInput(err))
}

func TestTransition_SingleActiveStageByDefault(t *testing.T) {
	_, l, b := setup(t, stage.Config{})
	ctx := context.Background()
	stages, err := l.MaterializeStages(ctx, b.ID, b.TotalAmount, b.Template)
	require.NoError(t, err)

	_, err = l.Transition(ctx, stages[0].ID, valueobject.StageStatusInProgress, b.FreelancerID, "")
	require.NoError(t, err)

	_, err = l.Transition(ctx, stages[1].ID, valueobject.StageStatusInProgress, b.FreelancerID, "")
	assert.True(t, apperror.IsInvalidStatus(err), "got %v", err)

	_, err = l.Transition(ctx, stages[0].ID, valueobject.StageStatusSubmitted, b.FreelancerID, "готово")
	require.NoError(t, err)
	_, err = l.Transition(ctx, stages[1].ID, valueobject.StageStatusInProgress, b.FreelancerID, "")
	assert.True(t, apperror.IsInvalidStatus(err), "submitted этап тоже считается активным")

	_, err = l.Transition(ctx, stages[0].ID, valueobject.StageStatusApproved, b.ClientID, "")
	require.NoError(t, err)
	got, err := l.Transition(ctx, stages[1].ID, valueobject.StageStatusInProgress, b.FreelancerID, "")
	require.NoError(t, err)
	assert.Equal(t, valueobject.StageStatusInProgress, got.Status)
}

func TestTransition_AllowParallelStages(t *testing.T) {
	_, l, b := setup(t, stage.Config{AllowParallelStages: true})
	ctx := context.Background()
	stages, err := l.MaterializeStages(ctx, b.ID, b.TotalAmount, b.Template)
	require.NoError(t, err)

	for _, st := range stages[:2] {
		got, err := l.Transition(ctx, st.ID, valueobject.StageStatusInProgress, b.FreelancerID, "")
		require.NoError(t, err)
		assert.Equal(t, valueobject.StageStatusInProgress, got.Status)
	}
}

func TestTransition_RepeatedReleaseReturnsStage(t *testing.T) {
	store, l, b := setup(t, stage.Config{})
	ctx := context.Background()
	stages, err := l.MaterializeStages(ctx, b.ID, b.TotalAmount, b.Template)
	require.NoError(t, err)

	// Этап выплачен, бронирование уже завершено.
	st := stages[0]
	st.Status = valueobject.StageStatusReleased
	require.NoError(t, store.Stages().Update(ctx, st))
	stored, err := store.Bookings().FindByID(ctx, b.ID)
	require.NoError(t, err)
	stored.Status = valueobject.BookingStatusCompleted
	require.NoError(t, store.Bookings().Update(ctx, stored))
	before, err := store.Timeline().List(ctx, b.ID, 0, 0)
	require.NoError(t, err)

	got, err := l.Transition(ctx, st.ID, valueobject.StageStatusReleased, b.ClientID, "")
	require.NoError(t, err)
	assert.Equal(t, st.ID, got.ID)
	assert.Equal(t, valueobject.StageStatusReleased, got.Status)

	after, err := store.Timeline().List(ctx, b.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	_, err = l.Transition(ctx, st.ID, valueobject.StageStatusReleased, b.FreelancerID, "")
	assert.True(t, apperror.IsUnauthorized(err), "повтор выплаты доступен только клиенту")

	_, err = l.Transition(ctx, stages[1].ID, valueobject.StageStatusReleased, b.ClientID, "")
	assert.True(t, apperror.IsInvalidStatus(err), "got %v", err)
}

func TestTransition_Validation(t *testing.T) {
	_, l, b := setup(t, stage.Config{})
	ctx := context.Background()
	stages, err := l.MaterializeStages(ctx, b.ID, b.TotalAmount, b.Template)
	require.NoError(t, err)

	_, err = l.Transition(ctx, stages[0].ID, valueobject.StageStatus("done"), b.FreelancerID, "")
	assert.True(t, apperror.IsInvalidInput(err))

	_, err = l.Transition(ctx, uuid.New(), valueobject.StageStatusInProgress, b.FreelancerID, "")
	assert.True(t, apperror.IsNotFound(err))

	_, err = l.Transition(ctx, stages[0].ID, valueobject.StageStatusPending, b.FreelancerID, "")
	assert.True(t, apperror.IsInvalidStatus(err))
}

func TestCurrentStageID(t *testing.T) {
	bookingID := uuid.New()
	mk := func(n int, status valueobject.StageStatus) *entity.Stage {
		st, err := entity.NewStage(bookingID, n, "Этап", 100, time.Now())
		require.NoError(t, err)
		st.Status = status
		return st
	}

	stages := []*entity.Stage{
		mk(1, valueobject.StageStatusReleased),
		mk(2, valueobject.StageStatusApproved),
		mk(3, valueobject.StageStatusPending),
	}
	assert.Equal(t, stages[1].ID, *stage.CurrentStageID(stages))

	stages[1].Status = valueobject.StageStatusReleased
	stages[2].Status = valueobject.StageStatusReleased
	assert.Nil(t, stage.CurrentStageID(stages))
}
