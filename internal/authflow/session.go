package authflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/MrEthical07/goIntercept/conn"
)

// State is the position of a session in the sign-in handshake.
type State uint32

const (
	StateStarting State = iota + 1
	StateAwaitingCode
	StateAwaitingPassword
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAwaitingCode:
		return "awaiting_code"
	case StateAwaitingPassword:
		return "awaiting_password"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Options carries the collaborators of a session.
type Options struct {
	Dialer conn.Dialer
	Device conn.Device

	// ConnectTimeout bounds dial + connect + code request in Start.
	ConnectTimeout time.Duration
	// CallTimeout bounds each SignIn / CheckPassword. Zero means no bound
	// beyond the caller context.
	CallTimeout time.Duration

	Now    func() time.Time
	Tracer trace.Tracer
	// OnRemoteCall, when set, observes every remote call.
	OnRemoteCall func(op string, took time.Duration, err error)
}

// Result is what a successful submit step produced.
type Result struct {
	State      State
	Credential []byte
	Self       conn.Self
}

// Session is one in-flight sign-in.
type Session struct {
	AttemptID   string
	RequesterID string
	Phone       string
	Device      conn.Device
	CreatedAt   time.Time
	CodeType    string

	opts Options

	// mu serializes Submit calls.
	mu       sync.Mutex
	codeHash string
	code     string

	state        atomic.Uint32
	lastActivity atomic.Int64

	// connMu guards the handoff of conn between Open and release.
	connMu      sync.Mutex
	conn        conn.Connection
	released    bool
	ctx         context.Context
	cancel      context.CancelFunc
	releaseOnce sync.Once
}

// Start is New followed by Open.
func Start(ctx context.Context, requesterID, phone string, opts Options) (*Session, error) {
	s, err := New(requesterID, phone, opts)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// New returns a session in StateStarting without touching the network. It
// can be registered, and closed, before Open runs.
func New(requesterID, phone string, opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, errors.New("authflow: nil dialer")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		AttemptID:   uuid.NewString(),
		RequesterID: requesterID,
		Phone:       phone,
		Device:      opts.Device,
		CreatedAt:   opts.Now(),
		opts:        opts,
		ctx:         sctx,
		cancel:      cancel,
	}
	s.state.Store(uint32(StateStarting))
	s.touch()
	return s, nil
}

// Open dials a fresh connection with the session device and requests a
// login code. On any failure the session ends in StateFailed, or stays
// StateCancelled when Close ran first, and the connection is released.
// Closing the session while Open runs aborts it with ErrClosed.
func (s *Session) Open(ctx context.Context) error {
	if s.State() != StateStarting {
		return ErrWrongState
	}
	cctx, done := s.callContext(ctx, s.opts.ConnectTimeout)
	defer done()

	sent, err := s.open(cctx)
	if err != nil {
		err = s.classify(err)
		s.Close(StateFailed)
		return err
	}
	s.codeHash = sent.Hash
	s.CodeType = sent.Type
	s.touch()
	if !s.transition(StateStarting, StateAwaitingCode) {
		return ErrClosed
	}
	return nil
}

func (s *Session) open(ctx context.Context) (conn.SentCode, error) {
	var sent conn.SentCode
	err := s.remote(ctx, "dial", func(ctx context.Context) error {
		c, err := s.opts.Dialer.Dial(ctx, conn.DialOptions{Device: s.Device})
		if err != nil {
			return err
		}
		s.connMu.Lock()
		defer s.connMu.Unlock()
		if s.released {
			_ = c.Disconnect()
			return ErrClosed
		}
		s.conn = c
		return nil
	})
	if err != nil {
		return sent, err
	}
	if err := s.remote(ctx, "connect", s.conn.Connect); err != nil {
		return sent, err
	}
	err = s.remote(ctx, "request_code", func(ctx context.Context) error {
		var err error
		sent, err = s.conn.RequestCode(ctx, s.Phone)
		return err
	})
	return sent, err
}

// SubmitCode signs in with code. Invalid codes leave the state unchanged;
// an expired code fails the session. While the session waits for a
// password it answers StateAwaitingPassword again without a remote call.
func (s *Session) SubmitCode(ctx context.Context, code string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case StateAwaitingCode:
	case StateAwaitingPassword:
		s.touch()
		return Result{State: StateAwaitingPassword}, nil
	case StateFailed:
		return Result{State: st}, ErrExpired
	case StateStarting:
		return Result{State: st}, ErrWrongState
	default:
		return Result{State: st}, ErrClosed
	}
	s.touch()

	cctx, done := s.callContext(ctx, s.opts.CallTimeout)
	defer done()

	var self conn.Self
	err := s.remote(cctx, "sign_in", func(ctx context.Context) error {
		var err error
		self, err = s.conn.SignIn(ctx, s.Phone, code, s.codeHash)
		return err
	})
	s.touch()

	switch {
	case err == nil:
		return s.complete(StateAwaitingCode, self)
	case errors.Is(err, conn.ErrPasswordNeeded):
		if !s.transition(StateAwaitingCode, StateAwaitingPassword) {
			return Result{State: s.State()}, ErrClosed
		}
		s.code = code
		return Result{State: StateAwaitingPassword}, nil
	}

	err = s.classify(err)
	if errors.Is(err, ErrExpired) {
		s.Close(StateFailed)
	}
	return Result{State: s.State()}, err
}

// SubmitPassword finishes a sign-in that needs the second factor. A wrong
// password leaves the state unchanged.
func (s *Session) SubmitPassword(ctx context.Context, password string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != StateAwaitingPassword {
		if st.Terminal() {
			return Result{State: st}, ErrClosed
		}
		return Result{State: st}, ErrWrongState
	}
	s.touch()

	cctx, done := s.callContext(ctx, s.opts.CallTimeout)
	defer done()

	self, err := s.checkPassword(cctx, password)
	s.touch()
	if err == nil {
		return s.complete(StateAwaitingPassword, self)
	}

	err = s.classify(err)
	if errors.Is(err, ErrExpired) {
		s.Close(StateFailed)
	}
	return Result{State: s.State()}, err
}

// checkPassword verifies the password. If the connection lost its pending
// sign-in, the retained code is replayed once first.
func (s *Session) checkPassword(ctx context.Context, password string) (conn.Self, error) {
	var self conn.Self
	check := func(ctx context.Context) error {
		var err error
		self, err = s.conn.CheckPassword(ctx, password)
		return err
	}
	err := s.remote(ctx, "check_password", check)
	if !errors.Is(err, conn.ErrUnauthorized) || s.code == "" {
		return self, err
	}

	err = s.remote(ctx, "sign_in", func(ctx context.Context) error {
		_, err := s.conn.SignIn(ctx, s.Phone, s.code, s.codeHash)
		return err
	})
	if err != nil && !errors.Is(err, conn.ErrPasswordNeeded) {
		return self, err
	}
	err = s.remote(ctx, "check_password", check)
	return self, err
}

func (s *Session) complete(from State, self conn.Self) (Result, error) {
	credential, err := s.conn.Export()
	if err != nil {
		err = s.classify(err)
		s.Close(StateFailed)
		return Result{State: StateFailed}, err
	}
	if !s.transition(from, StateComplete) {
		return Result{State: s.State()}, ErrClosed
	}
	s.release()
	return Result{State: StateComplete, Credential: credential, Self: self}, nil
}

// Close moves a live session to final, aborts in-flight remote calls and
// releases the connection. Closing a terminal session only makes sure the
// connection is released.
func (s *Session) Close(final State) {
	if !final.Terminal() {
		final = StateCancelled
	}
	for {
		cur := s.State()
		if cur.Terminal() || s.transition(cur, final) {
			break
		}
	}
	s.cancel()
	s.release()
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		c := s.conn
		s.released = true
		s.connMu.Unlock()
		if c != nil {
			_ = c.Disconnect()
		}
	})
}

// State returns the current state without blocking.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(uint32(from), uint32(to))
}

// LastActivity returns the time of the last call on the session.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor reports how long the session has been idle at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

func (s *Session) touch() {
	s.lastActivity.Store(s.opts.Now().UnixNano())
}

// callContext derives a context that ends when ctx ends, when timeout
// elapses, or when the session is closed.
func (s *Session) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		cctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	stop := context.AfterFunc(s.ctx, cancel)
	return cctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) remote(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, span := s.opts.Tracer.Start(ctx, "authflow."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("attempt_id", s.AttemptID),
			attribute.String("device.model", s.Device.Model),
		),
	)
	started := time.Now()
	err := fn(ctx)
	if err != nil && !errors.Is(err, conn.ErrPasswordNeeded) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if s.opts.OnRemoteCall != nil {
		s.opts.OnRemoteCall(op, time.Since(started), err)
	}
	return err
}
