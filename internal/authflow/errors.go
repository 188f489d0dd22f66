package authflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/goIntercept/conn"
)

var (
	ErrInvalidPhone  = errors.New("authflow: invalid phone")
	ErrPhoneBanned   = errors.New("authflow: phone banned")
	ErrUnavailable   = errors.New("authflow: service unavailable")
	ErrInvalidCode   = errors.New("authflow: invalid code")
	ErrExpired       = errors.New("authflow: code expired")
	ErrWrongPassword = errors.New("authflow: wrong password")
	ErrWrongState    = errors.New("authflow: operation not valid in current state")
	ErrClosed        = errors.New("authflow: session closed")
)

// classify maps a connection failure onto this package's errors. Flood-wait
// errors pass through untouched so callers can read the pause.
func (s *Session) classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := conn.AsFloodWait(err); ok {
		return err
	}
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	switch {
	case errors.Is(err, conn.ErrPhoneInvalid):
		return ErrInvalidPhone
	case errors.Is(err, conn.ErrPhoneBanned):
		return ErrPhoneBanned
	case errors.Is(err, conn.ErrCodeInvalid):
		return ErrInvalidCode
	case errors.Is(err, conn.ErrCodeExpired):
		return ErrExpired
	case errors.Is(err, conn.ErrPasswordInvalid):
		return ErrWrongPassword
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timeout", ErrUnavailable)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
