package lock

import (
	"context"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a distributed keyed lock built on SET NX PX.
// The TTL protects against holders that die without releasing.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedis creates a distributed lock over client.
func NewRedis(client *redis.Client, ttl, wait time.Duration, logger *zap.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: "payments:lock:",
		ttl:    ttl,
		wait:   wait,
		poll:   25 * time.Millisecond,
		logger: logger,
	}
}

// Acquire polls SET NX until it wins, the wait elapses or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	if r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	redisKey := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, &domain.ErrLockTimeout{Key: key}
			}
			return nil, &domain.ErrExternalService{Service: "redis", Err: err}
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, &domain.ErrLockTimeout{Key: key}
		case <-time.After(r.poll):
		}
	}

	return func() {
		// the caller's context may be gone by now
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		n, err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Int()
		switch {
		case err != nil:
			r.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		case n == 0:
			r.logger.Warn("lock expired before release", zap.String("key", key), zap.Duration("ttl", r.ttl))
		}
	}, nil
}
