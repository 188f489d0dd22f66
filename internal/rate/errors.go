package rate

import "errors"

var (
	// ErrRateLimited is returned when a budget or flood-wait window is active.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps Redis command failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
