package conn

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrCodeInvalid reports a wrong login code.
	ErrCodeInvalid = errors.New("conn: phone code invalid")
	// ErrCodeExpired reports a code hash that can no longer be used.
	ErrCodeExpired = errors.New("conn: phone code expired")
	// ErrPasswordNeeded reports that the account has a second factor.
	ErrPasswordNeeded = errors.New("conn: session password needed")
	// ErrPasswordInvalid reports a wrong second-factor password.
	ErrPasswordInvalid = errors.New("conn: password invalid")
	// ErrPhoneInvalid reports a phone number the service rejects.
	ErrPhoneInvalid = errors.New("conn: phone number invalid")
	// ErrPhoneBanned reports a phone number banned by the service.
	ErrPhoneBanned = errors.New("conn: phone number banned")
	// ErrUnauthorized reports a revoked, logged-out or unregistered credential.
	ErrUnauthorized = errors.New("conn: unauthorized")
	// ErrNotConnected reports a call on a closed connection.
	ErrNotConnected = errors.New("conn: not connected")
)

// FloodWaitError is returned when the service demands a pause.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return "conn: flood wait " + strconv.Itoa(e.Seconds) + "s"
}

// Duration returns the mandated pause.
func (e *FloodWaitError) Duration() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// AsFloodWait unwraps err into a [*FloodWaitError].
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) && fw != nil {
		return fw, true
	}
	return nil, false
}
