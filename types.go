package goIntercept

import (
	"strings"
	"time"

	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/internal/authflow"
)

// AuthState is the position of a sign-in attempt.
type AuthState uint8

const (
	AuthAwaitingCode AuthState = iota + 1
	AuthAwaitingPassword
	// AuthStarting is an attempt still connecting or requesting its code.
	AuthStarting
	AuthComplete
	AuthFailed
	AuthCancelled
)

func (s AuthState) String() string {
	switch s {
	case AuthAwaitingCode:
		return "awaiting_code"
	case AuthAwaitingPassword:
		return "awaiting_password"
	case AuthStarting:
		return "starting"
	case AuthComplete:
		return "complete"
	case AuthFailed:
		return "failed"
	case AuthCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func authStateFrom(s authflow.State) AuthState {
	switch s {
	case authflow.StateAwaitingCode:
		return AuthAwaitingCode
	case authflow.StateAwaitingPassword:
		return AuthAwaitingPassword
	case authflow.StateStarting:
		return AuthStarting
	case authflow.StateComplete:
		return AuthComplete
	case authflow.StateFailed:
		return AuthFailed
	default:
		return AuthCancelled
	}
}

// DeviceInfo is the client fingerprint presented for a sign-in attempt.
type DeviceInfo struct {
	Model         string
	SystemVersion string
	AppVersion    string
	LangCode      string
}

// AuthChallenge is returned by [Engine.StartAuth] once a code was sent.
type AuthChallenge struct {
	AttemptID string
	Phone     string
	Device    DeviceInfo
	// CodeType is the delivery channel reported by the service ("app", "sms", ...).
	CodeType  string
	StartedAt time.Time
}

// AuthResult is returned by the submit operations. Credential and Profile
// are only set when State is AuthComplete.
type AuthResult struct {
	AttemptID        string
	State            AuthState
	RequiresPassword bool
	Credential       []byte
	Profile          Profile
}

// Profile is the basic account information returned on sign-in.
type Profile struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Phone     string
	Premium   bool
	Verified  bool
}

// DisplayName joins first and last name, falling back to the username.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name != "" {
		return name
	}
	if p.Username != "" {
		return "@" + p.Username
	}
	return ""
}

func profileFrom(s conn.Self) Profile {
	return Profile{
		ID:        s.ID,
		Username:  s.Username,
		FirstName: s.FirstName,
		LastName:  s.LastName,
		Phone:     s.Phone,
		Premium:   s.Premium,
		Verified:  s.Verified,
	}
}

// DeliveryEvent describes one intercepted code and every recipient it was
// handed to. It is produced once per code and never persisted.
type DeliveryEvent struct {
	ID          string
	AccountID   string
	Code        string
	DeliveredTo []string
	Timestamp   time.Time
	// Keyword reports whether the message carried a login keyword. A false
	// value means the code came from the bare five-digit pattern alone.
	Keyword bool
}

// DeliveryHandler receives delivery events. Every call runs on its own
// goroutine; a slow handler delays nobody else.
type DeliveryHandler func(DeliveryEvent)

// SweepReport summarizes one reaper pass.
type SweepReport struct {
	AuthEvicted          int
	InterceptionsEvicted int
	Took                 time.Duration
}

// CredentialSealer protects credentials handed to and accepted from
// callers. *credential.Sealer implements it.
type CredentialSealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Stats is a point-in-time view of live engine state.
type Stats struct {
	PendingAuth         int
	ActiveInterceptions int
	PendingRecipients   int
}
