package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/repository"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
	"github.com/ignatzorin/escrow-settlement/internal/metrics"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
)

// LedgerGateway внешний леджер. Все вызовы могут завершиться LEDGER_ERROR.
type LedgerGateway interface {
	IssueDepositAddress(ctx context.Context, bookingID uuid.UUID, expected valueobject.Amount) (string, error)
	GetBalance(ctx context.Context, address string) (valueobject.Amount, error)
	Transfer(ctx context.Context, req entity.TransferRequest) (string, error)
	LookupTransfer(ctx context.Context, idempotencyKey string) (txRef string, found bool, err error)
}

// FundingConfirmer активирует бронирование, когда escrow стал оплаченным.
type FundingConfirmer interface {
	ConfirmFunding(ctx context.Context, bookingID uuid.UUID) error
}

// ReleaseListener фиксирует выплату этапа в той же транзакции, что и escrow.
type ReleaseListener interface {
	OnStageReleased(ctx context.Context, stageID uuid.UUID, txRef string) error
}

// RefundListener фиксирует возврат средств клиенту.
type RefundListener interface {
	OnRefundSettled(ctx context.Context, bookingID uuid.UUID, txRef string) error
}

type Metrics interface {
	IncTransfer(kind, result string)
	IncFundingConfirmed()
}

type Config struct {
	LedgerTimeout  time.Duration
	BalanceRetries uint64
	RetryBase      time.Duration
}

type FundingStatus struct {
	Funded  bool
	Balance valueobject.Amount
}

type ReleaseResult struct {
	TxRef  string
	Cached bool
}

type Manager struct {
	tx      repository.TxManager
	locker  repository.Locker
	ledger  LedgerGateway
	cfg     Config
	metrics Metrics
	now     func() time.Time

	balances singleflight.Group

	confirmer       FundingConfirmer
	releaseListener ReleaseListener
	refundListener  RefundListener
}

func NewManager(tx repository.TxManager, locker repository.Locker, ledger LedgerGateway, cfg Config, m Metrics) *Manager {
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 10 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewSettlement(nil)
	}
	return &Manager{
		tx:      tx,
		locker:  locker,
		ledger:  ledger,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

func (m *Manager) SetFundingConfirmer(c FundingConfirmer) { m.confirmer = c }

func (m *Manager) SetReleaseListener(l ReleaseListener) { m.releaseListener = l }

func (m *Manager) SetRefundListener(l RefundListener) { m.refundListener = l }

// CreateEscrow выдаёт адрес депозита и создаёт счёт. Повторный вызов
// возвращает существующий счёт бронирования.
func (m *Manager) CreateEscrow(ctx context.Context, bookingID uuid.UUID, expected valueobject.Amount) (*entity.EscrowAccount, error) {
	acc, _, err := m.createEscrow(ctx, bookingID, expected)
	return acc, err
}

// CreateEscrowStrict то же, что CreateEscrow, но для существующего счёта возвращает ALREADY_EXISTS.
func (m *Manager) CreateEscrowStrict(ctx context.Context, bookingID uuid.UUID, expected valueobject.Amount) (*entity.EscrowAccount, error) {
	acc, created, err := m.createEscrow(ctx, bookingID, expected)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, apperror.AlreadyExists(acc.ID.String())
	}
	return acc, nil
}

func (m *Manager) createEscrow(ctx context.Context, bookingID uuid.UUID, expected valueobject.Amount) (*entity.EscrowAccount, bool, error) {
	if !expected.IsPositive() {
		return nil, false, apperror.InvalidInput("ожидаемая сумма должна быть больше нуля")
	}

	var (
		acc     *entity.EscrowAccount
		created bool
	)
	err := repository.WithBookingLock(ctx, m.locker, bookingID, func(ctx context.Context) error {
		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			existing, err := tx.Escrows().FindByBookingID(ctx, bookingID)
			if err == nil {
				acc = existing
				return nil
			}
			if !apperror.IsNotFound(err) {
				return err
			}

			callCtx, cancel := context.WithTimeout(ctx, m.cfg.LedgerTimeout)
			defer cancel()
			address, err := m.ledger.IssueDepositAddress(callCtx, bookingID, expected)
			if err != nil {
				return asLedgerError(err, "не удалось получить адрес депозита")
			}

			acc, err = entity.NewEscrowAccount(bookingID, address, expected, m.now())
			if err != nil {
				return err
			}
			if err := tx.Escrows().Create(ctx, acc); err != nil {
				return err
			}
			created = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.Log.WithFields(logrus.Fields{
			"booking_id": bookingID,
			"escrow_id":  acc.ID,
			"deposit":    acc.DepositAccount,
		}).Info("escrow счёт создан")
	}
	return acc, created, nil
}

func (m *Manager) GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*entity.EscrowAccount, error) {
	return repository.StoreFor(ctx, m.tx).Escrows().FindByBookingID(ctx, bookingID)
}

// RefreshFundingStatus сверяет баланс депозита. Переход funded false -> true
// и активация бронирования выполняются под блокировкой бронирования в одной
// транзакции, поэтому ровно один вызов наблюдает этот переход.
func (m *Manager) RefreshFundingStatus(ctx context.Context, escrowID uuid.UUID) (FundingStatus, error) {
	acc, err := m.tx.Escrows().FindByID(ctx, escrowID)
	if err != nil {
		return FundingStatus{}, err
	}
	if acc.Funded || acc.Closed {
		return FundingStatus{Funded: acc.Funded, Balance: acc.FundedAmount}, nil
	}

	balance, err := m.readBalance(ctx, acc)
	if err != nil {
		return FundingStatus{}, err
	}

	var (
		status    FundingStatus
		confirmed bool
	)
	err = repository.WithBookingLock(ctx, m.locker, acc.BookingID, func(ctx context.Context) error {
		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			acc, err := tx.Escrows().FindByID(ctx, escrowID)
			if err != nil {
				return err
			}
			if acc.Funded {
				status = FundingStatus{Funded: true, Balance: acc.FundedAmount}
				return nil
			}

			flipped := acc.ObserveBalance(balance, m.now())
			if err := tx.Escrows().Update(ctx, acc); err != nil {
				return err
			}
			status = FundingStatus{Funded: acc.Funded, Balance: balance}
			if !flipped {
				return nil
			}

			booking, err := tx.Bookings().FindByID(ctx, acc.BookingID)
			if err != nil {
				return err
			}
			if booking.Status != valueobject.BookingStatusPending {
				logger.Log.WithFields(logrus.Fields{
					"booking_id": booking.ID,
					"escrow_id":  acc.ID,
					"status":     booking.Status,
				}).Warn("оплата поступила для бронирования не в статусе pending")
				return nil
			}
			if m.confirmer != nil {
				if err := m.confirmer.ConfirmFunding(ctx, acc.BookingID); err != nil {
					return err
				}
			}
			confirmed = true
			return nil
		})
	})
	if err != nil {
		return FundingStatus{}, err
	}
	if confirmed {
		m.metrics.IncFundingConfirmed()
		logger.Log.WithFields(logrus.Fields{
			"booking_id": acc.BookingID,
			"escrow_id":  escrowID,
			"balance":    balance,
		}).Info("оплата escrow подтверждена")
	}
	return status, nil
}

// readBalance читает баланс с повторами и объединяет параллельные запросы одного счёта.
func (m *Manager) readBalance(ctx context.Context, acc *entity.EscrowAccount) (valueobject.Amount, error) {
	v, err, _ := m.balances.Do(acc.ID.String(), func() (interface{}, error) {
		var balance valueobject.Amount
		backoff := retry.WithMaxRetries(m.cfg.BalanceRetries, retry.NewExponential(m.cfg.RetryBase))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.LedgerTimeout)
			defer cancel()
			b, err := m.ledger.GetBalance(callCtx, acc.DepositAccount)
			if err != nil {
				if isRetryable(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			balance = b
			return nil
		})
		return balance, err
	})
	if err != nil {
		return 0, asLedgerError(err, "не удалось получить баланс депозита")
	}
	return v.(valueobject.Amount), nil
}

// ReleaseStage переводит сумму этапа исполнителю. Не более одного перевода
// на пару (escrow, этап): повтор возвращает сохранённый результат.
// Вызывается вне транзакции, запись намерения должна быть зафиксирована до перевода.
func (m *Manager) ReleaseStage(ctx context.Context, escrowID, stageID uuid.UUID, amount valueobject.Amount, destination string) (ReleaseResult, error) {
	if !amount.IsPositive() {
		return ReleaseResult{}, apperror.InvalidInput("сумма выплаты должна быть больше нуля")
	}
	if destination == "" {
		return ReleaseResult{}, apperror.InvalidInput("адрес выплаты пуст")
	}
	acc, err := m.tx.Escrows().FindByID(ctx, escrowID)
	if err != nil {
		return ReleaseResult{}, err
	}

	var result ReleaseResult
	err = repository.WithBookingLock(ctx, m.locker, acc.BookingID, func(ctx context.Context) error {
		spec := transferSpec{
			stageID:     stageID,
			kind:        valueobject.IntentKindRelease,
			amount:      amount,
			destination: destination,
		}
		var err error
		result, err = m.executeTransfer(ctx, escrowID, spec, func(ctx context.Context, tx repository.Store, acc *entity.EscrowAccount) error {
			booking, err := tx.Bookings().FindByID(ctx, acc.BookingID)
			if err != nil {
				return err
			}
			if booking.Status == valueobject.BookingStatusInDispute {
				return apperror.InvalidStatus("выплаты заморожены на время спора")
			}
			if booking.Status != valueobject.BookingStatusActive {
				return apperror.Newf(apperror.ErrCodeInvalidStatus, "выплата невозможна в статусе %s", booking.Status)
			}
			if !acc.Funded {
				return apperror.ErrBookingNotFunded
			}
			stage, err := tx.Stages().FindByID(ctx, stageID)
			if err != nil {
				return err
			}
			if stage.BookingID != acc.BookingID {
				return apperror.InvalidInput("этап не относится к этому escrow")
			}
			if stage.Status != valueobject.StageStatusApproved {
				return apperror.ErrStageNotApproved
			}
			if amount != stage.Amount {
				return apperror.Newf(apperror.ErrCodeInvalidInput, "сумма выплаты %s не совпадает с суммой этапа %s", amount, stage.Amount)
			}
			// Незавершённый возврат уже зафиксировал сумму остатка.
			refund, err := tx.Intents().FindByKey(ctx, valueobject.IntentKey(acc.ID, uuid.Nil, valueobject.IntentKindRefund))
			if err != nil {
				return err
			}
			if refund != nil && !refund.IsCompleted() {
				return apperror.InvalidStatus("выплаты заморожены до завершения возврата клиенту")
			}
			if amount > acc.Remaining() {
				return apperror.ErrInsufficientFunds
			}
			return nil
		})
		return err
	})
	return result, err
}

// Refund возвращает остаток клиенту по отменённому бронированию.
func (m *Manager) Refund(ctx context.Context, escrowID uuid.UUID) (ReleaseResult, error) {
	return m.refund(ctx, escrowID, func(b *entity.Booking) error {
		if b.Status != valueobject.BookingStatusCancelled {
			return apperror.Newf(apperror.ErrCodeInvalidStatus, "возврат возможен только для отменённого бронирования, текущий статус %s", b.Status)
		}
		return nil
	})
}

// RefundOnCancel возвращает средства в рамках отмены. Отмена фиксируется
// RefundListener в транзакции завершения возврата, поэтому сбой леджера
// оставляет бронирование неотменённым.
func (m *Manager) RefundOnCancel(ctx context.Context, escrowID uuid.UUID) (ReleaseResult, error) {
	return m.refund(ctx, escrowID, func(b *entity.Booking) error {
		if !b.Status.CanTransitionTo(valueobject.BookingStatusCancelled) {
			return apperror.Newf(apperror.ErrCodeInvalidStatus, "отмена невозможна в статусе %s", b.Status)
		}
		return nil
	})
}

func (m *Manager) refund(ctx context.Context, escrowID uuid.UUID, check func(*entity.Booking) error) (ReleaseResult, error) {
	acc, err := m.tx.Escrows().FindByID(ctx, escrowID)
	if err != nil {
		return ReleaseResult{}, err
	}

	var result ReleaseResult
	err = repository.WithBookingLock(ctx, m.locker, acc.BookingID, func(ctx context.Context) error {
		booking, err := m.tx.Bookings().FindByID(ctx, acc.BookingID)
		if err != nil {
			return err
		}

		key := valueobject.IntentKey(escrowID, uuid.Nil, valueobject.IntentKindRefund)
		intent, err := m.tx.Intents().FindByKey(ctx, key)
		if err != nil {
			return err
		}
		if intent == nil {
			if err := check(booking); err != nil {
				return err
			}
		}

		var amount valueobject.Amount
		if intent != nil {
			amount = intent.Amount
		} else {
			amount, err = m.readBalance(ctx, acc)
			if err != nil {
				return err
			}
		}

		if amount == 0 {
			// Возвращать нечего, закрываем счёт без перевода.
			return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
				acc, err := tx.Escrows().FindByID(ctx, escrowID)
				if err != nil {
					return err
				}
				acc.Close(m.now())
				if err := tx.Escrows().Update(ctx, acc); err != nil {
					return err
				}
				if m.refundListener != nil {
					return m.refundListener.OnRefundSettled(ctx, acc.BookingID, "")
				}
				return nil
			})
		}

		spec := transferSpec{
			stageID:     uuid.Nil,
			kind:        valueobject.IntentKindRefund,
			amount:      amount,
			destination: booking.ClientAddress,
		}
		result, err = m.executeTransfer(ctx, escrowID, spec, nil)
		return err
	})
	return result, err
}

// Close закрывает счёт. Участвует в транзакции вызывающего.
func (m *Manager) Close(ctx context.Context, escrowID uuid.UUID) error {
	return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		acc, err := tx.Escrows().FindByID(ctx, escrowID)
		if err != nil {
			return err
		}
		if acc.Closed {
			return nil
		}
		acc.Close(m.now())
		return tx.Escrows().Update(ctx, acc)
	})
}

type transferSpec struct {
	stageID     uuid.UUID
	kind        valueobject.IntentKind
	amount      valueobject.Amount
	destination string
}

type validateFunc func(ctx context.Context, tx repository.Store, acc *entity.EscrowAccount) error

// executeTransfer выполняет перевод по схеме намерения: запись pending
// фиксируется до обращения к леджеру, незавершённая запись сначала сверяется
// с леджером по ключу идемпотентности. Вызывающий держит блокировку бронирования.
func (m *Manager) executeTransfer(ctx context.Context, escrowID uuid.UUID, spec transferSpec, validate validateFunc) (ReleaseResult, error) {
	if _, inTx := repository.TxFromContext(ctx); inTx {
		return ReleaseResult{}, apperror.New(apperror.ErrCodeInternal, "перевод нельзя выполнять внутри транзакции")
	}

	key := valueobject.IntentKey(escrowID, spec.stageID, spec.kind)
	kind := string(spec.kind)

	intent, err := m.tx.Intents().FindByKey(ctx, key)
	if err != nil {
		return ReleaseResult{}, err
	}
	if intent != nil && intent.IsCompleted() {
		m.metrics.IncTransfer(kind, metrics.TransferCached)
		return ReleaseResult{TxRef: intent.TxRef, Cached: true}, nil
	}

	if intent != nil {
		ref, found, err := m.lookupTransfer(ctx, key)
		if err != nil {
			m.metrics.IncTransfer(kind, metrics.TransferFailed)
			return ReleaseResult{}, err
		}
		if found {
			return m.settle(ctx, key, ref, metrics.TransferRecovered)
		}
	}

	var from string
	err = m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		acc, err := tx.Escrows().FindByID(ctx, escrowID)
		if err != nil {
			return err
		}
		from = acc.DepositAccount
		if validate != nil {
			if err := validate(ctx, tx, acc); err != nil {
				return err
			}
		}
		if intent != nil {
			return nil
		}
		intent = entity.NewReleaseIntent(escrowID, spec.stageID, spec.kind, spec.amount, spec.destination, m.now())
		return tx.Intents().Create(ctx, intent)
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.LedgerTimeout)
	ref, err := m.ledger.Transfer(callCtx, entity.TransferRequest{
		From:           from,
		To:             intent.Destination,
		Amount:         intent.Amount,
		IdempotencyKey: key,
	})
	cancel()
	if err != nil {
		m.metrics.IncTransfer(kind, metrics.TransferFailed)
		logger.Log.WithFields(logrus.Fields{
			"escrow_id": escrowID,
			"stage_id":  spec.stageID,
			"kind":      kind,
			"error":     err,
		}).Warn("перевод в леджере не выполнен, намерение остаётся pending")
		return ReleaseResult{}, asLedgerError(err, "перевод не выполнен")
	}
	return m.settle(ctx, key, ref, metrics.TransferSubmitted)
}

// settle завершает намерение и учитывает перевод в escrow одной транзакцией.
func (m *Manager) settle(ctx context.Context, key, txRef, result string) (ReleaseResult, error) {
	cached := false
	var intent *entity.ReleaseIntent
	err := m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		var err error
		intent, err = tx.Intents().FindByKey(ctx, key)
		if err != nil {
			return err
		}
		if intent == nil {
			return apperror.NotFound(key)
		}
		if intent.IsCompleted() {
			cached = true
			txRef = intent.TxRef
			return nil
		}

		acc, err := tx.Escrows().FindByID(ctx, intent.EscrowID)
		if err != nil {
			return err
		}
		now := m.now()
		switch intent.Kind {
		case valueobject.IntentKindRelease:
			if err := acc.RecordRelease(intent.Amount, now); err != nil {
				return err
			}
		case valueobject.IntentKindRefund:
			acc.RecordRefund(intent.Amount, now)
		}
		intent.Complete(txRef, now)
		if err := tx.Intents().Update(ctx, intent); err != nil {
			return err
		}
		if err := tx.Escrows().Update(ctx, acc); err != nil {
			return err
		}

		switch intent.Kind {
		case valueobject.IntentKindRelease:
			if m.releaseListener != nil {
				return m.releaseListener.OnStageReleased(ctx, intent.StageID, txRef)
			}
		case valueobject.IntentKindRefund:
			if m.refundListener != nil {
				return m.refundListener.OnRefundSettled(ctx, acc.BookingID, txRef)
			}
		}
		return nil
	})
	if err != nil {
		logger.Log.WithFields(logrus.Fields{
			"intent_key": key,
			"tx_ref":     txRef,
			"error":      err,
		}).Error("перевод выполнен, но не зафиксирован")
		return ReleaseResult{}, err
	}

	if cached {
		result = metrics.TransferCached
	}
	m.metrics.IncTransfer(string(intent.Kind), result)
	logger.Log.WithFields(logrus.Fields{
		"escrow_id": intent.EscrowID,
		"stage_id":  intent.StageID,
		"kind":      intent.Kind,
		"amount":    intent.Amount,
		"tx_ref":    txRef,
		"result":    result,
	}).Info("перевод escrow зафиксирован")
	return ReleaseResult{TxRef: txRef, Cached: cached}, nil
}

func (m *Manager) lookupTransfer(ctx context.Context, key string) (string, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.LedgerTimeout)
	defer cancel()
	ref, found, err := m.ledger.LookupTransfer(callCtx, key)
	if err != nil {
		return "", false, asLedgerError(err, "не удалось проверить перевод в леджере")
	}
	return ref, found, nil
}

// ReconcilePending сверяет незавершённые намерения с леджером и фиксирует
// переводы, которые леджер уже выполнил. Возвращает число завершённых записей.
func (m *Manager) ReconcilePending(ctx context.Context, limit int) (int, error) {
	pending, err := m.tx.Intents().FindPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, intent := range pending {
		acc, err := m.tx.Escrows().FindByID(ctx, intent.EscrowID)
		if err != nil {
			return settled, err
		}
		err = repository.WithBookingLock(ctx, m.locker, acc.BookingID, func(ctx context.Context) error {
			current, err := m.tx.Intents().FindByKey(ctx, intent.Key)
			if err != nil || current == nil || current.IsCompleted() {
				return err
			}
			ref, found, err := m.lookupTransfer(ctx, intent.Key)
			if err != nil || !found {
				return err
			}
			if _, err := m.settle(ctx, intent.Key, ref, metrics.TransferRecovered); err != nil {
				return err
			}
			settled++
			return nil
		})
		if err != nil {
			logger.Log.WithFields(logrus.Fields{
				"intent_key": intent.Key,
				"error":      err,
			}).Warn("не удалось сверить намерение перевода")
		}
	}
	return settled, nil
}

// UnfundedEscrows открытые счета без подтверждённой оплаты.
func (m *Manager) UnfundedEscrows(ctx context.Context, limit int) ([]*entity.EscrowAccount, error) {
	return m.tx.Escrows().FindUnfunded(ctx, limit)
}

func isRetryable(err error) bool {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == apperror.ErrCodeLedgerError
	}
	return true
}

func asLedgerError(err error, message string) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.LedgerError(err, message)
}
