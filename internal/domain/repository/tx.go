package repository

import (
	"context"
	"sync"
)

type txScopeKey struct{}

// TxScope состояние открытой транзакции, которое переносится через context.
type TxScope struct {
	Store Store

	mu    sync.Mutex
	hooks []func()
}

func ContextWithTx(ctx context.Context, store Store) (context.Context, *TxScope) {
	scope := &TxScope{Store: store}
	return context.WithValue(ctx, txScopeKey{}, scope), scope
}

func TxFromContext(ctx context.Context) (*TxScope, bool) {
	scope, ok := ctx.Value(txScopeKey{}).(*TxScope)
	return scope, ok
}

// AfterCommit откладывает fn до коммита внешней транзакции.
// Вне транзакции fn выполняется сразу.
func AfterCommit(ctx context.Context, fn func()) {
	scope, ok := TxFromContext(ctx)
	if !ok {
		fn()
		return
	}
	scope.mu.Lock()
	scope.hooks = append(scope.hooks, fn)
	scope.mu.Unlock()
}

// RunHooks вызывается менеджером транзакций после успешного коммита.
func (s *TxScope) RunHooks() {
	s.mu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	for _, h := range hooks {
		h()
	}
}

// StoreFor возвращает хранилище текущей транзакции или fallback.
func StoreFor(ctx context.Context, fallback Store) Store {
	if scope, ok := TxFromContext(ctx); ok {
		return scope.Store
	}
	return fallback
}
