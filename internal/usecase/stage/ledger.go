package stage

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

type EscrowReleaser interface {
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*entity.EscrowAccount, error)
	ReleaseStage(ctx context.Context, escrowID, stageID uuid.UUID, amount valueobject.Amount, destination string) (escrow.ReleaseResult, error)
}

type TimelineAppender interface {
	Append(ctx context.Context, bookingID uuid.UUID, eventType valueobject.EventType, description string, actorID uuid.UUID, metadata map[string]string) (uuid.UUID, error)
}

// BookingCompleter завершает бронирование после выплаты последнего этапа.
type BookingCompleter interface {
	Complete(ctx context.Context, bookingID uuid.UUID) error
}

type Config struct {
	// AllowParallelStages снимает ограничение на один этап в работе.
	AllowParallelStages bool
}

// Ledger управляет этапами бронирования и их выплатами.
type Ledger struct {
	tx        repository.TxManager
	locker    repository.Locker
	escrow    EscrowReleaser
	timeline  TimelineAppender
	completer BookingCompleter
	cfg       Config
	now       func() time.Time
}

func NewLedger(tx repository.TxManager, locker repository.Locker, escrow EscrowReleaser, timeline TimelineAppender, cfg Config) *Ledger {
	return &Ledger{
		tx:       tx,
		locker:   locker,
		escrow:   escrow,
		timeline: timeline,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetCompleter разрывает цикл зависимостей с менеджером бронирований.
func (l *Ledger) SetCompleter(c BookingCompleter) {
	l.completer = c
}

// MaterializeStages создаёт этапы по шаблону. Повторный вызов возвращает уже созданные этапы.
func (l *Ledger) MaterializeStages(ctx context.Context, bookingID uuid.UUID, total valueobject.Amount, template valueobject.StageTemplate) ([]*entity.Stage, error) {
	amounts, err := template.Split(total)
	if err != nil {
		return nil, err
	}

	var stages []*entity.Stage
	err = repository.WithBookingLock(ctx, l.locker, bookingID, func(ctx context.Context) error {
		return l.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			existing, err := tx.Stages().FindByBookingID(ctx, bookingID)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				stages = existing
				return nil
			}

			actorID := entity.ActorFromContext(ctx)
			now := l.now()
			for i, spec := range template {
				st, err := entity.NewStage(bookingID, i+1, spec.Title, amounts[i], now)
				if err != nil {
					return err
				}
				if err := tx.Stages().Create(ctx, st); err != nil {
					return err
				}
				meta := map[string]string{
					"stage_id":     st.ID.String(),
					"stage_number": strconv.Itoa(st.StageNumber),
					"amount":       st.Amount.String(),
				}
				if _, err := l.timeline.Append(ctx, bookingID, valueobject.EventStageCreated, "Создан этап "+spec.Title, actorID, meta); err != nil {
					return err
				}
				stages = append(stages, st)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stages, nil
}

func (l *Ledger) ListStages(ctx context.Context, bookingID uuid.UUID) ([]*entity.Stage, error) {
	return repository.StoreFor(ctx, l.tx).Stages().FindByBookingID(ctx, bookingID)
}

// Transition переводит этап в новый статус от имени участника бронирования.
// Переход в released выполняет выплату через escrow.
func (l *Ledger) Transition(ctx context.Context, stageID uuid.UUID, to valueobject.StageStatus, actorID uuid.UUID, notes string) (*entity.Stage, error) {
	if !to.IsValid() {
		return nil, apperror.InvalidInput("некорректный статус этапа")
	}
	st, err := l.tx.Stages().FindByID(ctx, stageID)
	if err != nil {
		return nil, err
	}

	ctx = entity.ContextWithActor(ctx, actorID)
	var repeated bool
	err = repository.WithBookingLock(ctx, l.locker, st.BookingID, func(ctx context.Context) error {
		booking, err := l.tx.Bookings().FindByID(ctx, st.BookingID)
		if err != nil {
			return err
		}
		st, err = l.tx.Stages().FindByID(ctx, stageID)
		if err != nil {
			return err
		}
		if err := authorize(booking, actorID, to); err != nil {
			return err
		}
		// Повторная выплата отвечает текущим этапом, даже если бронирование уже завершено.
		if to == valueobject.StageStatusReleased && st.Status == valueobject.StageStatusReleased {
			repeated = true
			return nil
		}
		if booking.Status == valueobject.BookingStatusInDispute {
			return apperror.InvalidStatus("работа по этапам заморожена на время спора")
		}
		if booking.Status != valueobject.BookingStatusActive {
			return apperror.Newf(apperror.ErrCodeInvalidStatus, "бронирование в статусе %s, этапы недоступны", booking.Status)
		}

		if to == valueobject.StageStatusReleased {
			return l.release(ctx, booking, st)
		}

		if !st.Status.CanTransitionTo(to) {
			return apperror.Newf(apperror.ErrCodeInvalidStatus, "переход этапа %s -> %s запрещён", st.Status, to)
		}
		if to == valueobject.StageStatusInProgress && !l.cfg.AllowParallelStages {
			if err := l.ensureNoActiveStage(ctx, st); err != nil {
				return err
			}
		}

		return l.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
			from := st.Status
			if err := st.Transition(to, notes, l.now()); err != nil {
				return err
			}
			if err := tx.Stages().Update(ctx, st); err != nil {
				return err
			}
			eventType, description := eventFor(from, to, st)
			meta := map[string]string{
				"stage_id":     st.ID.String(),
				"stage_number": strconv.Itoa(st.StageNumber),
				"from":         string(from),
				"to":           string(to),
			}
			if notes != "" {
				meta["notes"] = notes
			}
			_, err := l.timeline.Append(ctx, st.BookingID, eventType, description, actorID, meta)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if repeated {
		return st, nil
	}

	logger.Log.WithFields(logrus.Fields{
		"booking_id": st.BookingID,
		"stage_id":   stageID,
		"actor_id":   actorID,
		"status":     to,
	}).Info("статус этапа изменён")
	return l.tx.Stages().FindByID(ctx, stageID)
}

func (l *Ledger) release(ctx context.Context, booking *entity.Booking, st *entity.Stage) error {
	if st.Status != valueobject.StageStatusApproved {
		return apperror.ErrStageNotApproved
	}
	acc, err := l.escrow.GetByBookingID(ctx, booking.ID)
	if err != nil {
		return err
	}
	_, err = l.escrow.ReleaseStage(ctx, acc.ID, st.ID, st.Amount, booking.FreelancerAddress)
	return err
}

func (l *Ledger) ensureNoActiveStage(ctx context.Context, current *entity.Stage) error {
	stages, err := l.tx.Stages().FindByBookingID(ctx, current.BookingID)
	if err != nil {
		return err
	}
	for _, s := range stages {
		if s.ID != current.ID && s.Status.IsActive() {
			return apperror.Newf(apperror.ErrCodeInvalidStatus, "этап %d уже в работе", s.StageNumber)
		}
	}
	return nil
}

// OnStageReleased фиксирует выплату этапа. Вызывается escrow в транзакции
// учёта перевода. После последнего этапа бронирование завершается.
func (l *Ledger) OnStageReleased(ctx context.Context, stageID uuid.UUID, txRef string) error {
	return l.tx.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		st, err := tx.Stages().FindByID(ctx, stageID)
		if err != nil {
			return err
		}
		if err := st.Transition(valueobject.StageStatusReleased, "", l.now()); err != nil {
			return err
		}
		if err := tx.Stages().Update(ctx, st); err != nil {
			return err
		}

		actorID := entity.ActorFromContext(ctx)
		meta := map[string]string{
			"stage_id":     st.ID.String(),
			"stage_number": strconv.Itoa(st.StageNumber),
			"amount":       st.Amount.String(),
			"tx_ref":       txRef,
		}
		if _, err := l.timeline.Append(ctx, st.BookingID, valueobject.EventPaymentCompleted, "Выплата по этапу "+st.Title, actorID, meta); err != nil {
			return err
		}

		stages, err := tx.Stages().FindByBookingID(ctx, st.BookingID)
		if err != nil {
			return err
		}
		booking, err := tx.Bookings().FindByID(ctx, st.BookingID)
		if err != nil {
			return err
		}

		next := CurrentStageID(stages)
		if next == nil && booking.Status == valueobject.BookingStatusActive && l.completer != nil {
			return l.completer.Complete(ctx, booking.ID)
		}
		booking.CurrentStageID = next
		booking.UpdatedAt = l.now()
		return tx.Bookings().Update(ctx, booking)
	})
}

// CurrentStageID первый невыплаченный этап или nil, если выплачены все.
func CurrentStageID(stages []*entity.Stage) *uuid.UUID {
	for _, s := range stages {
		if s.Status != valueobject.StageStatusReleased {
			id := s.ID
			return &id
		}
	}
	return nil
}

func authorize(b *entity.Booking, actorID uuid.UUID, to valueobject.StageStatus) error {
	if !b.IsParticipant(actorID) {
		return apperror.ErrNotParticipant
	}
	switch to {
	case valueobject.StageStatusInProgress, valueobject.StageStatusSubmitted:
		if actorID != b.FreelancerID {
			return apperror.Unauthorized("этот переход выполняет исполнитель")
		}
	case valueobject.StageStatusApproved, valueobject.StageStatusRejected, valueobject.StageStatusReleased:
		if actorID != b.ClientID {
			return apperror.Unauthorized("этот переход выполняет клиент")
		}
	default:
		return apperror.Newf(apperror.ErrCodeInvalidStatus, "переход в статус %s запрещён", to)
	}
	return nil
}

func eventFor(from, to valueobject.StageStatus, st *entity.Stage) (valueobject.EventType, string) {
	switch to {
	case valueobject.StageStatusInProgress:
		if from == valueobject.StageStatusRejected {
			return valueobject.EventStageUpdated, "Работа над этапом " + st.Title + " возобновлена"
		}
		return valueobject.EventWorkStarted, "Начата работа над этапом " + st.Title
	case valueobject.StageStatusSubmitted:
		return valueobject.EventWorkCompleted, "Этап " + st.Title + " сдан на проверку"
	case valueobject.StageStatusApproved:
		return valueobject.EventStageApproved, "Этап " + st.Title + " одобрен"
	case valueobject.StageStatusRejected:
		return valueobject.EventStageRejected, "Этап " + st.Title + " отклонён"
	}
	return valueobject.EventStageUpdated, "Этап " + st.Title + " обновлён"
}
