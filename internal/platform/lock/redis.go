package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Redis is a Locker shared by every instance talking to the same Redis.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

// RedisConfig tunes the distributed locker.
type RedisConfig struct {
	// TTL bounds how long a crashed holder can keep a key.
	TTL time.Duration
	// Wait is the budget for obtaining the lock.
	Wait    time.Duration
	Backoff time.Duration
	Logger  *slog.Logger
}

// NewRedis builds a distributed locker on top of bsm/redislock.
func NewRedis(rdb redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 25 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:  redislock.New(rdb),
		ttl:     cfg.TTL,
		wait:    cfg.Wait,
		backoff: cfg.Backoff,
		logger:  logger,
	}
}

// Acquire obtains the key or fails with ErrTimeout once the wait budget is spent.
func (r *Redis) Acquire(ctx context.Context, key string) (Unlock, error) {
	obtainCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()
	l, err := r.client.Obtain(obtainCtx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.backoff),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.Warn("release lock", slog.String("key", key), slog.Any("error", err))
			}
		})
	}, nil
}
