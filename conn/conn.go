package conn

import (
	"context"
	"time"
)

// Device is the client fingerprint presented when a connection is opened.
type Device struct {
	Model         string
	SystemVersion string
	AppVersion    string
	LangCode      string
}

// DialOptions configures a new connection. An empty Credential opens an
// unauthorized connection suitable for a fresh sign-in.
type DialOptions struct {
	Device     Device
	Credential []byte
}

// SentCode is the remote acknowledgement of a code request.
type SentCode struct {
	Hash string
	// Type is the delivery channel reported by the service ("app", "sms", ...).
	Type    string
	Timeout time.Duration
}

// Self describes the account a connection is signed in as.
type Self struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Phone     string
	Premium   bool
	Verified  bool
}

// Message is one inbound (or echoed outgoing) message seen by a connection.
type Message struct {
	ID       int64
	SenderID int64
	Text     string
	Date     time.Time
	Outgoing bool
}

// MessageHandler receives new messages. It is called from the SDK's update
// loop and must not block for long.
type MessageHandler func(Message)

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Connection, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, opts DialOptions) (Connection, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context, opts DialOptions) (Connection, error) {
	return f(ctx, opts)
}

// Connection is a long-lived link to one account.
//
// Implementations must be safe for concurrent use: the engine may call
// Connected or Authorized from the reaper while another goroutine is inside
// a remote call.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Authorized(ctx context.Context) (bool, error)

	RequestCode(ctx context.Context, phone string) (SentCode, error)
	SignIn(ctx context.Context, phone, code, codeHash string) (Self, error)
	CheckPassword(ctx context.Context, password string) (Self, error)
	Self(ctx context.Context) (Self, error)

	// Export serializes the connection's authorization so it can be
	// reopened later through DialOptions.Credential.
	Export() ([]byte, error)

	// Subscribe registers h for new messages. The returned func removes it.
	Subscribe(h MessageHandler) (func(), error)
}
