package goIntercept

import (
	"errors"
	"strconv"
)

var (
	// ErrRateLimited reports a flood-wait or budget pause. The concrete error
	// is a *RateLimitError carrying the wait.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidInput reports a malformed phone, code, password or id.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCode reports a wrong login code. The session may retry.
	ErrInvalidCode = errors.New("invalid code")
	// ErrWrongPassword reports a wrong second-factor password. The session may retry.
	ErrWrongPassword = errors.New("wrong password")
	// ErrExpired reports a code that can no longer be used. StartAuth again.
	ErrExpired = errors.New("code expired")
	// ErrUnauthorized reports a credential the service no longer accepts.
	// Discard the credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRevoked is the same condition as ErrUnauthorized.
	ErrRevoked = ErrUnauthorized
	// ErrServiceUnavailable reports a transient connect or network failure.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrNotFound reports an account that is not being intercepted.
	ErrNotFound = errors.New("not found")
	// ErrNoSession reports a submit without a live sign-in attempt.
	ErrNoSession = errors.New("no auth session")
	// ErrPhoneBanned reports a phone number the service has banned.
	ErrPhoneBanned = errors.New("phone banned")
	// ErrCancelled reports a sign-in or interception that was cancelled or
	// stopped while it was still connecting.
	ErrCancelled = errors.New("cancelled")
	// ErrEngineClosed reports a call after Close.
	ErrEngineClosed = errors.New("engine closed")
	// ErrEngineNotReady reports a nil or unbuilt engine.
	ErrEngineNotReady = errors.New("engine not ready")
)

// RateLimitError carries the pause demanded by the service or by the local
// code-request budget.
type RateLimitError struct {
	Seconds int
	// Scope is "remote" for a service flood-wait, "phone" or "account" for a
	// remembered flood-wait, and "code_requests" for the local budget.
	Scope string
}

func (e *RateLimitError) Error() string {
	return "rate limited (" + e.Scope + "): retry in " + strconv.Itoa(e.Seconds) + "s"
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the wait from a rate-limit error.
func RetryAfter(err error) (int, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl != nil {
		return rl.Seconds, true
	}
	return 0, false
}
