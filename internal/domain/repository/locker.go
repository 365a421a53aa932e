package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker сериализует операции по ключу. unlock освобождает блокировку.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type heldLocksKey struct{}

type heldLocks struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (h *heldLocks) has(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.keys[key]
	return ok
}

func BookingLockKey(bookingID uuid.UUID) string {
	return "booking:" + bookingID.String()
}

// WithBookingLock выполняет fn под блокировкой бронирования. Владение блокировкой
// хранится в ctx, поэтому вложенные вызовы той же операции не захватывают её повторно.
func WithBookingLock(ctx context.Context, locker Locker, bookingID uuid.UUID, fn func(ctx context.Context) error) error {
	key := BookingLockKey(bookingID)

	held, _ := ctx.Value(heldLocksKey{}).(*heldLocks)
	if held != nil && held.has(key) {
		return fn(ctx)
	}

	unlock, err := locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	next := &heldLocks{keys: map[string]struct{}{key: {}}}
	if held != nil {
		held.mu.Lock()
		for k := range held.keys {
			next.keys[k] = struct{}{}
		}
		held.mu.Unlock()
	}
	return fn(context.WithValue(ctx, heldLocksKey{}, next))
}
