package entity

import (
	"context"

	"github.com/google/uuid"
)

type actorKey struct{}

// ContextWithActor запоминает инициатора операции для записей истории.
func ContextWithActor(ctx context.Context, actorID uuid.UUID) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext возвращает инициатора или uuid.Nil для системных действий.
func ActorFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(actorKey{}).(uuid.UUID)
	return id
}
