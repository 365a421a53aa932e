package escrow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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
)

const total = valueobject.Amount(1_000_000)

type fixture struct {
	store   *memory.Store
	sim     *ledger.Simulator
	manager *escrow.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger.Silence()
	sim := ledger.NewSimulator()
	store := memory.NewStore()
	m := escrow.NewManager(store, lock.NewLocal(), sim, escrow.Config{
		LedgerTimeout:  100 * time.Millisecond,
		BalanceRetries: 2,
		RetryBase:      time.Millisecond,
	}, nil)
	return &fixture{store: store, sim: sim, manager: m}
}

// seed создаёт бронирование в нужном статусе и его escrow счёт.
func (f *fixture) seed(t *testing.T, status valueobject.BookingStatus) (*entity.Booking, *entity.EscrowAccount) {
	t.Helper()
	ctx := context.Background()
	b, err := entity.NewBooking(entity.NewBookingParams{
		ClientID:          uuid.New(),
		FreelancerID:      uuid.New(),
		Amount:            total.Int64(),
		Deadline:          time.Now().Add(24 * time.Hour),
		ClientAddress:     "client-refund-addr",
		FreelancerAddress: "freelancer-payout-addr",
		Template:          valueobject.TemplateFromPercentages([]int64{30, 50, 20}),
	}, time.Now())
	require.NoError(t, err)
	b.Status = status
	require.NoError(t, f.store.Bookings().Create(ctx, b))

	acc, err := f.manager.CreateEscrow(ctx, b.ID, b.TotalAmount)
	require.NoError(t, err)
	return b, acc
}

func (f *fixture) fund(t *testing.T, acc *entity.EscrowAccount, amount valueobject.Amount) {
	t.Helper()
	f.sim.Deposit(acc.DepositAccount, amount)
	status, err := f.manager.RefreshFundingStatus(context.Background(), acc.ID)
	require.NoError(t, err)
	require.True(t, status.Funded)
}

func (f *fixture) stage(t *testing.T, b *entity.Booking, number int, amount valueobject.Amount, status valueobject.StageStatus) *entity.Stage {
	t.Helper()
	st, err := entity.NewStage(b.ID, number, "Этап", amount, time.Now())
	require.NoError(t, err)
	st.Status = status
	require.NoError(t, f.store.Stages().Create(context.Background(), st))
	return st
}

type countingConfirmer struct {
	calls atomic.Int32
}

func (c *countingConfirmer) ConfirmFunding(context.Context, uuid.UUID) error {
	c.calls.Add(1)
	return nil
}

func TestCreateEscrow_Idempotent(t *testing.T) {
	f := newFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusPending)

	again, err := f.manager.CreateEscrow(context.Background(), b.ID, b.TotalAmount)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, again.ID)
	assert.Equal(t, "sim-deposit-"+b.ID.String(), acc.DepositAccount)

	_, err = f.manager.CreateEscrowStrict(context.Background(), b.ID, b.TotalAmount)
	assert.True(t, apperror.IsAlreadyExists(err))

	_, err = f.manager.CreateEscrow(context.Background(), uuid.New(), 0)
	assert.True(t, apperror.IsInvalidInput(err))
}

func TestRefreshFundingStatus_PartialThenFull(t *testing.T) {
	f := newFixture(t)
	_, acc := f.seed(t, valueobject.BookingStatusPending)
	ctx := context.Background()

	f.sim.Deposit(acc.DepositAccount, total/2)
	status, err := f.manager.RefreshFundingStatus(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, status.Funded)
	assert.Equal(t, total/2, status.Balance)

	f.sim.Deposit(acc.DepositAccount, total/2)
	status, err = f.manager.RefreshFundingStatus(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, status.Funded)

	// деньги ушли с депозита, но оплата уже подтверждена
	stored, err := f.store.Escrows().FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Funded)
	assert.Equal(t, total, stored.FundedAmount)
}

func TestRefreshFundingStatus_ConcurrentConfirmsOnce(t *testing.T) {
	f := newFixture(t)
	confirmer := &countingConfirmer{}
	f.manager.SetFundingConfirmer(confirmer)
	_, acc := f.seed(t, valueobject.BookingStatusPending)
	f.sim.Deposit(acc.DepositAccount, total)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := f.manager.RefreshFundingStatus(context.Background(), acc.ID)
			assert.NoError(t, err)
			assert.True(t, status.Funded)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), confirmer.calls.Load())
}

func TestRefreshFundingStatus_NotPendingSkipsConfirm(t *testing.T) {
	f := newFixture(t)
	confirmer := &countingConfirmer{}
	f.manager.SetFundingConfirmer(confirmer)
	_, acc := f.seed(t, valueobject.BookingStatusCancelled)

	f.fund(t, acc, total)
	assert.Equal(t, int32(0), confirmer.calls.Load())
}

func TestReleaseStage_Success(t *testing.T) {
	f := newFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusActive)
	f.fund(t, acc, total)
	st := f.stage(t, b, 1, 300_000, valueobject.StageStatusApproved)

	res, err := f.manager.ReleaseStage(context.Background(), acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.NotEmpty(t, res.TxRef)

	assert.Equal(t, st.Amount, f.sim.Balance(b.FreelancerAddress))
	stored, err := f.store.Escrows().FindByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, st.Amount, stored.ReleasedAmount)

	again, err := f.manager.ReleaseStage(context.Background(), acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, res.TxRef, again.TxRef)
	assert.Equal(t, 1, f.sim.TransferCount())
}

func TestReleaseStage_ConcurrentSingleTransfer(t *testing.T) {
	f := newFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusActive)
	f.fund(t, acc, total)
	st := f.stage(t, b, 1, 300_000, valueobject.StageStatusApproved)

	refs := make([]string, 10)
	var wg sync.WaitGroup
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.manager.ReleaseStage(context.Background(), acc.ID, st.ID, st.Amount, b.FreelancerAddress)
			assert.NoError(t, err)
			refs[i] = res.TxRef
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.sim.TransferCalls())
	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
	stored, err := f.store.Escrows().FindByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, st.Amount, stored.ReleasedAmount)
}

func TestReleaseStage_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		status  valueobject.BookingStatus
		stage   valueobject.StageStatus
		fund    bool
		amount  valueobject.Amount
		wantErr error
		check   func(error) bool
	}{
		{name: "этап не одобрен", status: valueobject.BookingStatusActive, stage: valueobject.StageStatusSubmitted, fund: true, amount: 300_000, wantErr: apperror.ErrStageNotApproved},
		{name: "спор", status: valueobject.BookingStatusInDispute, stage: valueobject.StageStatusApproved, fund: true, amount: 300_000, check: apperror.IsInvalidStatus},
		{name: "не оплачено", status: valueobject.BookingStatusActive, stage: valueobject.StageStatusApproved, fund: false, amount: 300_000, wantErr: apperror.ErrBookingNotFunded},
		{name: "больше остатка", status: valueobject.BookingStatusActive, stage: valueobject.StageStatusApproved, fund: true, amount: total + 1, wantErr: apperror.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			b, acc := f.seed(t, tt.status)
			if tt.fund {
				f.fund(t, acc, total)
			}
			st := f.stage(t, b, 1, tt.amount, tt.stage)

			_, err := f.manager.ReleaseStage(context.Background(), acc.ID, st.ID, tt.amount, b.FreelancerAddress)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
			if tt.check != nil {
				assert.True(t, tt.check(err), "got %v", err)
			}
			assert.Equal(t, 0, f.sim.TransferCalls())

			intent, err := f.store.Intents().FindByKey(context.Background(), valueobject.IntentKey(acc.ID, st.ID, valueobject.IntentKindRelease))
			require.NoError(t, err)
			assert.Nil(t, intent)
		})
	}
}

func TestReleaseStage_AmountMustMatchStage(t *testing.T) {
	f := newFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusActive)
	f.fund(t, acc, total)
	st := f.stage(t, b, 1, 300_000, valueobject.StageStatusApproved)
	ctx := context.Background()

	for _, amount := range []valueobject.Amount{200_000, 400_000} {
		_, err := f.manager.ReleaseStage(ctx, acc.ID, st.ID, amount, b.FreelancerAddress)
		assert.True(t, apperror.IsInvalidInput(err), "amount %s: got %v", amount, err)
	}
	assert.Equal(t, 0, f.sim.TransferCalls())

	intent, err := f.store.Intents().FindByKey(ctx, valueobject.IntentKey(acc.ID, st.ID, valueobject.IntentKindRelease))
	require.NoError(t, err)
	assert.Nil(t, intent)

	_, err = f.manager.ReleaseStage(ctx, acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	require.NoError(t, err)
	assert.Equal(t, st.Amount, f.sim.Balance(b.FreelancerAddress))
}

func TestReleaseStage_FrozenWhileRefundPending(t *testing.T) {
	f := newFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusActive)
	f.fund(t, acc, total)
	st := f.stage(t, b, 1, 300_000, valueobject.StageStatusApproved)
	ctx := context.Background()

	f.sim.FailNextTransfers(1)
	_, err := f.manager.RefundOnCancel(ctx, acc.ID)
	require.Error(t, err)

	refundKey := valueobject.IntentKey(acc.ID, uuid.Nil, valueobject.IntentKindRefund)
	refund, err := f.store.Intents().FindByKey(ctx, refundKey)
	require.NoError(t, err)
	require.NotNil(t, refund)
	require.False(t, refund.IsCompleted())
	assert.Equal(t, total, refund.Amount)

	_, err = f.manager.ReleaseStage(ctx, acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	assert.True(t, apperror.IsInvalidStatus(err), "got %v", err)
	assert.Equal(t, 0, f.sim.TransferCount())

	// Повтор возврата проходит на зафиксированную сумму.
	res, err := f.manager.RefundOnCancel(ctx, acc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxRef)
	assert.Equal(t, total, f.sim.Balance(b.ClientAddress))
	assert.Equal(t, valueobject.Amount(0), f.sim.Balance(b.FreelancerAddress))

	stored, err := f.store.Escrows().FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Closed)
	assert.Equal(t, valueobject.Amount(0), stored.ReleasedAmount)
}

func TestReleaseStage_TimeoutLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusActive)
	f.fund(t, acc, total)
	st := f.stage(t, b, 1, 300_000, valueobject.StageStatusApproved)
	ctx := context.Background()

	f.sim.SetTransferDelay(time.Second)
	_, err := f.manager.ReleaseStage(ctx, acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	assert.True(t, apperror.IsLedgerError(err), "got %v", err)

	stored, err := f.store.Escrows().FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, valueobject.Amount(0), stored.ReleasedAmount)
	assert.Equal(t, valueobject.Amount(0), f.sim.Balance(b.FreelancerAddress))

	intent, err := f.store.Intents().FindByKey(ctx, valueobject.IntentKey(acc.ID, st.ID, valueobject.IntentKindRelease))
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.False(t, intent.IsCompleted())

	f.sim.SetTransferDelay(0)
	res, err := f.manager.ReleaseStage(ctx, acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxRef)
	assert.Equal(t, 1, f.sim.TransferCount())
}

// lossyLedger выполняет перевод, но теряет ответ леджера.
type lossyLedger struct {
	*ledger.Simulator
	lose atomic.Bool
}

func (l *lossyLedger) Transfer(ctx context.Context, req entity.TransferRequest) (string, error) {
	ref, err := l.Simulator.Transfer(ctx, req)
	if err == nil && l.lose.Load() {
		return "", apperror.LedgerError(errors.New("connection reset"), "ответ леджера потерян")
	}
	return ref, err
}

func newLossyFixture(t *testing.T) (*fixture, *lossyLedger) {
	t.Helper()
	f := newFixture(t)
	lossy := &lossyLedger{Simulator: f.sim}
	lossy.lose.Store(true)
	f.manager = escrow.NewManager(f.store, lock.NewLocal(), lossy, escrow.Config{
		LedgerTimeout: 100 * time.Millisecond,
		RetryBase:     time.Millisecond,
	}, nil)
	return f, lossy
}

func TestReleaseStage_RecoversLostResponse(t *testing.T) {
	f, lossy := newLossyFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusActive)
	f.fund(t, acc, total)
	st := f.stage(t, b, 1, 300_000, valueobject.StageStatusApproved)
	ctx := context.Background()

	_, err := f.manager.ReleaseStage(ctx, acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	assert.True(t, apperror.IsLedgerError(err))
	assert.Equal(t, 1, f.sim.TransferCount())

	lossy.lose.Store(false)
	res, err := f.manager.ReleaseStage(ctx, acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	require.NoError(t, err)
	assert.Equal(t, "sim-tx-1", res.TxRef)
	assert.Equal(t, 1, f.sim.TransferCalls())
	assert.Equal(t, 1, f.sim.TransferCount())

	stored, err := f.store.Escrows().FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, st.Amount, stored.ReleasedAmount)
}

func TestReconcilePending(t *testing.T) {
	f, _ := newLossyFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusActive)
	f.fund(t, acc, total)
	st := f.stage(t, b, 1, 300_000, valueobject.StageStatusApproved)
	ctx := context.Background()

	_, err := f.manager.ReleaseStage(ctx, acc.ID, st.ID, st.Amount, b.FreelancerAddress)
	require.Error(t, err)

	settled, err := f.manager.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	intent, err := f.store.Intents().FindByKey(ctx, valueobject.IntentKey(acc.ID, st.ID, valueobject.IntentKindRelease))
	require.NoError(t, err)
	assert.True(t, intent.IsCompleted())
	assert.Equal(t, "sim-tx-1", intent.TxRef)

	settled, err = f.manager.ReconcilePending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, settled)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	b, acc := f.seed(t, valueobject.BookingStatusActive)
	f.fund(t, acc, total)
	ctx := context.Background()

	_, err := f.manager.Refund(ctx, acc.ID)
	assert.True(t, apperror.IsInvalidStatus(err))

	stored, err := f.store.Bookings().FindByID(ctx, b.ID)
	require.NoError(t, err)
	stored.Status = valueobject.BookingStatusCancelled
	require.NoError(t, f.store.Bookings().Update(ctx, stored))

	res, err := f.manager.Refund(ctx, acc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxRef)
	assert.Equal(t, total, f.sim.Balance(b.ClientAddress))
	assert.Equal(t, valueobject.Amount(0), f.sim.Balance(acc.DepositAccount))

	closed, err := f.store.Escrows().FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, closed.Closed)
	assert.Equal(t, valueobject.Amount(0), closed.Remaining())

	again, err := f.manager.Refund(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, again.Cached)
}

func TestRefund_EmptyDepositClosesWithoutTransfer(t *testing.T) {
	f := newFixture(t)
	_, acc := f.seed(t, valueobject.BookingStatusCancelled)
	ctx := context.Background()

	res, err := f.manager.Refund(ctx, acc.ID)
	require.NoError(t, err)
	assert.Empty(t, res.TxRef)
	assert.Equal(t, 0, f.sim.TransferCalls())

	stored, err := f.store.Escrows().FindByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Closed)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	_, acc := f.seed(t, valueobject.BookingStatusPending)
	ctx := context.Background()

	require.NoError(t, f.manager.Close(ctx, acc.ID))
	require.NoError(t, f.manager.Close(ctx, acc.ID))

	unfunded, err := f.manager.UnfundedEscrows(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unfunded)
}
