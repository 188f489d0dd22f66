package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds limiter tuning parameters.
type Config struct {
	Prefix            string
	MaxCodeRequests   int
	CodeRequestWindow time.Duration
}

// Limiter records flood-wait windows and counts code requests using Redis.
// A nil *Limiter allows everything.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "gi"
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// BlockedFor returns how long the scope/key pair is still under a
// flood-wait window. Zero means not blocked.
func (l *Limiter) BlockedFor(ctx context.Context, scope, key string) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}
	ttl, err := l.redis.PTTL(ctx, l.floodKey(scope, key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// Block records a flood-wait window. A shorter wait never shortens an
// existing longer window.
func (l *Limiter) Block(ctx context.Context, scope, key string, wait time.Duration) error {
	if l == nil || wait <= 0 {
		return nil
	}
	current, err := l.BlockedFor(ctx, scope, key)
	if err != nil {
		return err
	}
	if current >= wait {
		return nil
	}
	if err := l.redis.Set(ctx, l.floodKey(scope, key), 1, wait).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// AllowCodeRequest counts one code request for phone. When the budget for
// the current window is exhausted it returns ErrRateLimited and the time
// left in the window.
func (l *Limiter) AllowCodeRequest(ctx context.Context, phone string) (time.Duration, error) {
	if l == nil || l.config.MaxCodeRequests <= 0 {
		return 0, nil
	}
	key := l.codeRequestKey(phone)
	count, err := l.incrementWithTTL(ctx, key, l.config.CodeRequestWindow)
	if err != nil {
		return 0, err
	}
	if count <= int64(l.config.MaxCodeRequests) {
		return 0, nil
	}

	ttl, err := l.redis.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl < 0 {
		ttl = l.config.CodeRequestWindow
	}
	return ttl, ErrRateLimited
}

// ResetCodeRequests clears the code-request counter for phone. Called after
// a completed sign-in.
func (l *Limiter) ResetCodeRequests(ctx context.Context, phone string) error {
	if l == nil {
		return nil
	}
	if err := l.redis.Del(ctx, l.codeRequestKey(phone)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// CodeRequests returns the current counter for phone.
func (l *Limiter) CodeRequests(ctx context.Context, phone string) (int, error) {
	if l == nil {
		return 0, nil
	}
	count, err := l.redis.Get(ctx, l.codeRequestKey(phone)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func (l *Limiter) floodKey(scope, key string) string {
	return l.config.Prefix + ":fw:" + scope + ":" + key
}

func (l *Limiter) codeRequestKey(phone string) string {
	return l.config.Prefix + ":cr:" + phone
}
