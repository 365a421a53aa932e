package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/escrow-settlement/internal/logger"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultRetryWait = 50 * time.Millisecond
	keyPrefix        = "escrow:lock:"
)

// Удаляет ключ, только если им всё ещё владеет этот токен.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// redisStore операции Redis, которые нужны блокировке.
type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, owner string) error
}

type clientStore struct {
	client *redis.Client
}

func (s clientStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s clientStore) CompareAndDelete(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{key}, owner).Err()
}

// Redis распределённая блокировка SET NX PX с токеном владельца.
// TTL ограничивает время удержания, если процесс упал с захваченным ключом.
type Redis struct {
	store     redisStore
	ttl       time.Duration
	retryWait time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	return newRedis(clientStore{client: client}, ttl), nil
}

func newRedis(store redisStore, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Redis{store: store, ttl: ttl, retryWait: defaultRetryWait}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	owner := uuid.NewString()

	for {
		ok, err := r.store.SetNX(ctx, redisKey, owner, r.ttl)
		if err != nil {
			return nil, fmt.Errorf("setnx %s: %w", redisKey, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// Освобождаем даже при отменённом контексте запроса.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.CompareAndDelete(releaseCtx, redisKey, owner); err != nil {
			logger.Log.WithFields(logrus.Fields{
				"key":   redisKey,
				"error": err,
			}).Warn("не удалось освободить блокировку в Redis")
		}
	}, nil
}
