// Package memory хранилище в памяти для разработки и тестов.
// Транзакции сериализуются и работают на копии данных, которая
// подменяет основную только при успешном завершении.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-settlement/internal/domain/entity"
	"github.com/ignatzorin/escrow-settlement/internal/domain/repository"
)

type dataset struct {
	bookings      map[uuid.UUID]*entity.Booking
	stages        map[uuid.UUID]*entity.Stage
	escrows       map[uuid.UUID]*entity.EscrowAccount
	intents       map[string]*entity.ReleaseIntent
	timeline      map[uuid.UUID][]*entity.TimelineEvent
	relationships map[uuid.UUID]*entity.ChatRelationship
}

func newDataset() *dataset {
	return &dataset{
		bookings:      make(map[uuid.UUID]*entity.Booking),
		stages:        make(map[uuid.UUID]*entity.Stage),
		escrows:       make(map[uuid.UUID]*entity.EscrowAccount),
		intents:       make(map[string]*entity.ReleaseIntent),
		timeline:      make(map[uuid.UUID][]*entity.TimelineEvent),
		relationships: make(map[uuid.UUID]*entity.ChatRelationship),
	}
}

// clone копирует только карты: записи в них не изменяются на месте,
// репозитории всегда кладут и отдают копии сущностей.
func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.bookings {
		c.bookings[k] = v
	}
	for k, v := range d.stages {
		c.stages[k] = v
	}
	for k, v := range d.escrows {
		c.escrows[k] = v
	}
	for k, v := range d.intents {
		c.intents[k] = v
	}
	for k, v := range d.timeline {
		c.timeline[k] = v[:len(v):len(v)]
	}
	for k, v := range d.relationships {
		c.relationships[k] = v
	}
	return c
}

type Store struct {
	mu   sync.RWMutex
	data *dataset
	txMu sync.Mutex

	committed view
}

var _ repository.TxManager = (*Store)(nil)

func NewStore() *Store {
	s := &Store{data: newDataset()}
	s.committed = view{
		mu: &s.mu,
		ds: func() *dataset { return s.data },
	}
	return s
}

func (s *Store) Bookings() repository.BookingRepository           { return bookingRepo{&s.committed} }
func (s *Store) Stages() repository.StageRepository               { return stageRepo{&s.committed} }
func (s *Store) Escrows() repository.EscrowRepository             { return escrowRepo{&s.committed} }
func (s *Store) Intents() repository.ReleaseIntentRepository      { return intentRepo{&s.committed} }
func (s *Store) Timeline() repository.TimelineRepository          { return timelineRepo{&s.committed} }
func (s *Store) Relationships() repository.RelationshipRepository { return relationshipRepo{&s.committed} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	if scope, ok := repository.TxFromContext(ctx); ok {
		return fn(ctx, scope.Store)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	tx := &view{ds: func() *dataset { return snapshot }}
	txCtx, scope := repository.ContextWithTx(ctx, tx)
	if err := fn(txCtx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = snapshot
	s.mu.Unlock()

	scope.RunHooks()
	return nil
}

// view доступ к набору данных. Для транзакции mu равен nil:
// копия принадлежит одной операции.
type view struct {
	mu *sync.RWMutex
	ds func() *dataset
}

func (v *view) read() (*dataset, func()) {
	if v.mu == nil {
		return v.ds(), func() {}
	}
	v.mu.RLock()
	return v.ds(), v.mu.RUnlock
}

func (v *view) write() (*dataset, func()) {
	if v.mu == nil {
		return v.ds(), func() {}
	}
	v.mu.Lock()
	return v.ds(), v.mu.Unlock
}

func (v *view) Bookings() repository.BookingRepository           { return bookingRepo{v} }
func (v *view) Stages() repository.StageRepository               { return stageRepo{v} }
func (v *view) Escrows() repository.EscrowRepository             { return escrowRepo{v} }
func (v *view) Intents() repository.ReleaseIntentRepository      { return intentRepo{v} }
func (v *view) Timeline() repository.TimelineRepository          { return timelineRepo{v} }
func (v *view) Relationships() repository.RelationshipRepository { return relationshipRepo{v} }
