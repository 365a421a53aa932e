package booking

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/repository"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
	"github.com/ignatzorin/escrow-settlement/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/escrow"
)

type EscrowService interface {
	CreateEscrow(ctx context.Context, bookingID uuid.UUID, expected valueobject.Amount) (*entity.EscrowAccount, error)
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*entity.EscrowAccount, error)
	RefundOnCancel(ctx context.Context, escrowID uuid.UUID) (escrow.ReleaseResult, error)
	Close(ctx context.Context, escrowID uuid.UUID) error
}

type StageService interface {
	MaterializeStages(ctx context.Context, bookingID uuid.UUID, total valueobject.Amount, template valueobject.StageTemplate) ([]*entity.Stage, error)
	ListStages(ctx context.Context, bookingID uuid.UUID) ([]*entity.Stage, error)
}

type TimelineAppender interface {
	Append(ctx context.Context, bookingID uuid.UUID, eventType valueobject.EventType, description string, actorID uuid.UUID, metadata map[string]string) (uuid.UUID, error)
}

// PermissionGate синхронизирует разрешение на переписку со статусом бронирования.
type PermissionGate interface {
	OnBookingStatusChanged(ctx context.Context, booking *entity.Booking) error
}

type Config struct {
	DefaultTemplate valueobject.StageTemplate
}

type Manager struct {
	tx       repository.TxManager
	locker   repository.Locker
	escrow   EscrowService
	stages   StageService
	timeline TimelineAppender
	gate     PermissionGate
	cfg      Config
	now      func() time.Time
}

func NewManager(
	tx repository.TxManager,
	locker repository.Locker,
	escrow EscrowService,
	stages StageService,
	timeline TimelineAppender,
	gate PermissionGate,
	cfg Config,
) *Manager {
	return &Manager{
		tx:       tx,
		locker:   locker,
		escrow:   escrow,
		stages:   stages,
		timeline: timeline,
		gate:     gate,
		cfg:      cfg,
		now:      time.Now,
	}
}

type CreateBookingInput struct {
	ClientID          uuid.UUID
	FreelancerID      uuid.UUID
	ServiceID         uuid.UUID
	PackageID         uuid.UUID
	Amount            int64
	Currency          string
	Requirements      string
	Deadline          time.Time
	ClientAddress     string
	FreelancerAddress string
	Template          valueobject.StageTemplate
}

// CreateBooking создаёт бронирование и его escrow счёт в одной транзакции.
func (m *Manager) CreateBooking(ctx context.Context, in CreateBookingInput) (*entity.Booking, error) {
	template := in.Template
	if len(template) == 0 {
		template = m.cfg.DefaultTemplate
	}

	b, err := entity.NewBooking(entity.NewBookingParams{
		ClientID:          in.ClientID,
		FreelancerID:      in.FreelancerID,
		ServiceID:         in.ServiceID,
		PackageID:         in.PackageID,
		Amount:            in.Amount,
		Currency:          in.Currency,
		Requirements:      in.Requirements,
		Deadline:          in.Deadline,
		ClientAddress:     in.ClientAddress,
		FreelancerAddress: in.FreelancerAddress,
		Template:          template,
	}, m.now())
	if err != nil {
		return nil, err
	}

	ctx = entity.ContextWithActor(ctx, in.ClientID)
	err = repository.WithBookingLock(ctx, m.locker, b.ID, func(ctx context.Context) error {
		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			if err := tx.Bookings().Create(ctx, b); err != nil {
				return err
			}
			acc, err := m.escrow.CreateEscrow(ctx, b.ID, b.TotalAmount)
			if err != nil {
				return err
			}
			meta := map[string]string{
				"amount":          b.TotalAmount.String(),
				"currency":        b.Currency,
				"template":        b.Template.String(),
				"escrow_id":       acc.ID.String(),
				"deposit_account": acc.DepositAccount,
			}
			_, err = m.timeline.Append(ctx, b.ID, valueobject.EventBookingCreated, "Бронирование создано", in.ClientID, meta)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Log.WithFields(logrus.Fields{
		"booking_id":    b.ID,
		"client_id":     b.ClientID,
		"freelancer_id": b.FreelancerID,
		"amount":        b.TotalAmount,
	}).Info("бронирование создано")
	return b, nil
}

// ConfirmFunding активирует бронирование после подтверждения оплаты escrow:
// создаёт этапы и открывает переписку в той же транзакции.
func (m *Manager) ConfirmFunding(ctx context.Context, bookingID uuid.UUID) error {
	return repository.WithBookingLock(ctx, m.locker, bookingID, func(ctx context.Context) error {
		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return err
			}
			if b.Status != valueobject.BookingStatusPending {
				return apperror.Newf(apperror.ErrCodeInvalidStatus, "подтвердить оплату можно только для pending, текущий статус %s", b.Status)
			}
			acc, err := tx.Escrows().FindByBookingID(ctx, bookingID)
			if err != nil {
				return err
			}
			if !acc.Funded {
				return apperror.ErrBookingNotFunded
			}

			if err := b.Activate(m.now()); err != nil {
				return err
			}
			actorID := entity.ActorFromContext(ctx)
			meta := map[string]string{
				"escrow_id":     acc.ID.String(),
				"funded_amount": acc.FundedAmount.String(),
			}
			if _, err := m.timeline.Append(ctx, b.ID, valueobject.EventBookingConfirmed, "Оплата подтверждена, бронирование активно", actorID, meta); err != nil {
				return err
			}

			stages, err := m.stages.MaterializeStages(ctx, b.ID, b.TotalAmount, b.Template)
			if err != nil {
				return err
			}
			b.StageIDs = make([]uuid.UUID, len(stages))
			for i, s := range stages {
				b.StageIDs[i] = s.ID
			}
			b.CurrentStageID = firstUnreleased(stages)
			if err := tx.Bookings().Update(ctx, b); err != nil {
				return err
			}

			if err := m.gate.OnBookingStatusChanged(ctx, b); err != nil {
				return err
			}
			logger.Log.WithFields(logrus.Fields{
				"booking_id": b.ID,
				"stages":     len(stages),
			}).Info("бронирование активировано")
			return nil
		})
	})
}

// UpdateStatus проверяет переход по таблице статусов и выполняет
// соответствующую операцию.
func (m *Manager) UpdateStatus(ctx context.Context, bookingID uuid.UUID, to valueobject.BookingStatus, actorID uuid.UUID) (*entity.Booking, error) {
	if !to.IsValid() {
		return nil, apperror.InvalidInput("некорректный статус бронирования")
	}
	b, err := m.tx.Bookings().FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.IsParticipant(actorID) {
		return nil, apperror.ErrNotParticipant
	}
	if !b.Status.CanTransitionTo(to) {
		return nil, apperror.Newf(apperror.ErrCodeInvalidStatus, "переход бронирования %s -> %s запрещён", b.Status, to)
	}

	ctx = entity.ContextWithActor(ctx, actorID)
	switch {
	case to == valueobject.BookingStatusActive && b.Status == valueobject.BookingStatusPending:
		err = m.ConfirmFunding(ctx, bookingID)
	case to == valueobject.BookingStatusActive && b.Status == valueobject.BookingStatusInDispute:
		err = m.ResolveDispute(ctx, bookingID, actorID, valueobject.ResolutionResume)
	case to == valueobject.BookingStatusInDispute:
		err = m.RaiseDispute(ctx, bookingID, actorID)
	case to == valueobject.BookingStatusCancelled:
		err = m.Cancel(ctx, bookingID, actorID)
	case to == valueobject.BookingStatusCompleted:
		err = m.Complete(ctx, bookingID)
	}
	if err != nil {
		return nil, err
	}
	return m.tx.Bookings().FindByID(ctx, bookingID)
}

// RaiseDispute замораживает этапы и выплаты до разрешения спора.
func (m *Manager) RaiseDispute(ctx context.Context, bookingID, actorID uuid.UUID) error {
	ctx = entity.ContextWithActor(ctx, actorID)
	return repository.WithBookingLock(ctx, m.locker, bookingID, func(ctx context.Context) error {
		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return err
			}
			if !b.IsParticipant(actorID) {
				return apperror.ErrNotParticipant
			}
			if err := b.RaiseDispute(m.now()); err != nil {
				return err
			}
			if err := tx.Bookings().Update(ctx, b); err != nil {
				return err
			}
			if _, err := m.timeline.Append(ctx, b.ID, valueobject.EventDisputeRaised, "Открыт спор", actorID, nil); err != nil {
				return err
			}
			return m.gate.OnBookingStatusChanged(ctx, b)
		})
	})
}

// ResolveDispute закрывает спор: resume возвращает бронирование в работу,
// refund отменяет его с возвратом средств клиенту.
func (m *Manager) ResolveDispute(ctx context.Context, bookingID, actorID uuid.UUID, outcome valueobject.ResolutionOutcome) error {
	b, err := m.tx.Bookings().FindByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if !b.IsParticipant(actorID) {
		return apperror.ErrNotParticipant
	}
	if b.Status != valueobject.BookingStatusInDispute {
		return apperror.Newf(apperror.ErrCodeInvalidStatus, "бронирование не в споре, текущий статус %s", b.Status)
	}

	switch outcome {
	case valueobject.ResolutionRefund:
		return m.Cancel(ctx, bookingID, actorID)
	case valueobject.ResolutionResume:
	default:
		return apperror.InvalidInput("исход спора должен быть resume или refund")
	}

	ctx = entity.ContextWithActor(ctx, actorID)
	return repository.WithBookingLock(ctx, m.locker, bookingID, func(ctx context.Context) error {
		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return err
			}
			if err := b.ResumeFromDispute(m.now()); err != nil {
				return err
			}
			if err := tx.Bookings().Update(ctx, b); err != nil {
				return err
			}
			meta := map[string]string{"outcome": string(valueobject.ResolutionResume)}
			if _, err := m.timeline.Append(ctx, b.ID, valueobject.EventDisputeResolved, "Спор разрешён, работа продолжается", actorID, meta); err != nil {
				return err
			}
			return m.gate.OnBookingStatusChanged(ctx, b)
		})
	})
}

// Cancel отменяет бронирование. Если средства удерживаются, отмена фиксируется
// только после успешного возврата клиенту.
func (m *Manager) Cancel(ctx context.Context, bookingID, actorID uuid.UUID) error {
	ctx = entity.ContextWithActor(ctx, actorID)
	return repository.WithBookingLock(ctx, m.locker, bookingID, func(ctx context.Context) error {
		b, err := m.tx.Bookings().FindByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if !b.IsParticipant(actorID) {
			return apperror.ErrNotParticipant
		}
		if !b.Status.CanTransitionTo(valueobject.BookingStatusCancelled) {
			return apperror.Newf(apperror.ErrCodeInvalidStatus, "отмена невозможна в статусе %s", b.Status)
		}
		acc, err := m.escrow.GetByBookingID(ctx, bookingID)
		if err != nil {
			return err
		}

		if acc.Funded && !acc.Closed && b.HasFundsInEscrow() {
			_, err := m.escrow.RefundOnCancel(ctx, acc.ID)
			return err
		}

		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return err
			}
			if err := m.applyCancel(ctx, tx, b, false, ""); err != nil {
				return err
			}
			return m.escrow.Close(ctx, acc.ID)
		})
	})
}

// OnRefundSettled вызывается escrow в транзакции завершения возврата.
func (m *Manager) OnRefundSettled(ctx context.Context, bookingID uuid.UUID, txRef string) error {
	return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		b, err := tx.Bookings().FindByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if !b.Status.CanTransitionTo(valueobject.BookingStatusCancelled) {
			// Возврат по уже отменённому бронированию, статус не меняется.
			logger.Log.WithFields(logrus.Fields{
				"booking_id": bookingID,
				"status":     b.Status,
				"tx_ref":     txRef,
			}).Info("возврат зафиксирован без смены статуса")
			return nil
		}
		return m.applyCancel(ctx, tx, b, true, txRef)
	})
}

func (m *Manager) applyCancel(ctx context.Context, tx repository.Store, b *entity.Booking, refunded bool, txRef string) error {
	from := b.Status
	if err := b.Cancel(refunded, m.now()); err != nil {
		return err
	}
	if err := tx.Bookings().Update(ctx, b); err != nil {
		return err
	}

	actorID := entity.ActorFromContext(ctx)
	if from == valueobject.BookingStatusInDispute {
		meta := map[string]string{"outcome": string(valueobject.ResolutionRefund)}
		if _, err := m.timeline.Append(ctx, b.ID, valueobject.EventDisputeResolved, "Спор разрешён возвратом средств", actorID, meta); err != nil {
			return err
		}
	}
	meta := map[string]string{
		"from":     string(from),
		"refunded": strconv.FormatBool(refunded),
	}
	if txRef != "" {
		meta["tx_ref"] = txRef
	}
	if _, err := m.timeline.Append(ctx, b.ID, valueobject.EventBookingCancelled, "Бронирование отменено", actorID, meta); err != nil {
		return err
	}
	if err := m.gate.OnBookingStatusChanged(ctx, b); err != nil {
		return err
	}

	logger.Log.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"actor_id":   actorID,
		"refunded":   refunded,
	}).Info("бронирование отменено")
	return nil
}

// Complete завершает бронирование, когда выплачены все этапы.
func (m *Manager) Complete(ctx context.Context, bookingID uuid.UUID) error {
	return repository.WithBookingLock(ctx, m.locker, bookingID, func(ctx context.Context) error {
		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return err
			}
			stages, err := tx.Stages().FindByBookingID(ctx, bookingID)
			if err != nil {
				return err
			}
			if len(stages) == 0 || firstUnreleased(stages) != nil {
				return apperror.InvalidStatus("завершить можно только после выплаты всех этапов")
			}
			if err := b.Complete(m.now()); err != nil {
				return err
			}
			if err := tx.Bookings().Update(ctx, b); err != nil {
				return err
			}

			acc, err := tx.Escrows().FindByBookingID(ctx, bookingID)
			if err != nil {
				return err
			}
			if err := m.escrow.Close(ctx, acc.ID); err != nil {
				return err
			}

			actorID := entity.ActorFromContext(ctx)
			meta := map[string]string{"released_amount": b.TotalAmount.String()}
			if _, err := m.timeline.Append(ctx, b.ID, valueobject.EventBookingCompleted, "Бронирование завершено", actorID, meta); err != nil {
				return err
			}
			if err := m.gate.OnBookingStatusChanged(ctx, b); err != nil {
				return err
			}
			logger.Log.WithField("booking_id", b.ID).Info("бронирование завершено")
			return nil
		})
	})
}

// Review сохраняет отзыв стороны по завершённому бронированию.
func (m *Manager) Review(ctx context.Context, bookingID, actorID uuid.UUID, rating int, comment string) (*entity.Booking, error) {
	var result *entity.Booking
	err := repository.WithBookingLock(ctx, m.locker, bookingID, func(ctx context.Context) error {
		return m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			b, err := tx.Bookings().FindByID(ctx, bookingID)
			if err != nil {
				return err
			}
			if !b.IsParticipant(actorID) {
				return apperror.ErrNotParticipant
			}
			eventType, err := b.Review(actorID, rating, comment, m.now())
			if err != nil {
				return err
			}
			if err := tx.Bookings().Update(ctx, b); err != nil {
				return err
			}
			meta := map[string]string{"rating": strconv.Itoa(rating)}
			if _, err := m.timeline.Append(ctx, b.ID, eventType, "Оставлен отзыв", actorID, meta); err != nil {
				return err
			}
			result = b
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type BookingDetails struct {
	Booking *entity.Booking
	Stages  []*entity.Stage
	Escrow  *entity.EscrowAccount
}

// GetBooking возвращает бронирование с этапами и escrow. Доступно только участникам.
func (m *Manager) GetBooking(ctx context.Context, bookingID, viewerID uuid.UUID) (*BookingDetails, error) {
	b, err := m.tx.Bookings().FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.IsParticipant(viewerID) {
		return nil, apperror.ErrNotParticipant
	}
	stages, err := m.stages.ListStages(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	acc, err := m.escrow.GetByBookingID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &BookingDetails{Booking: b, Stages: stages, Escrow: acc}, nil
}

func (m *Manager) ListByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*entity.Booking, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return m.tx.Bookings().FindByParticipant(ctx, userID, limit, offset)
}

func firstUnreleased(stages []*entity.Stage) *uuid.UUID {
	for _, s := range stages {
		if s.Status != valueobject.StageStatusReleased {
			id := s.ID
			return &id
		}
	}
	return nil
}
