// Package intercept keeps one authorized connection per watched account and
// hands every login code it sees to the recipients waiting on that account.
//
// # Architecture boundaries
//
// Each entry owns its connection, its subscription and a goroutine that
// handles that account's messages one at a time. The pending-recipient
// ledger is drained atomically when a code arrives, so a recipient added
// after a delivery waits for the next code.
//
// # What this package must NOT do
//
//   - Block the connection's update loop: the message handler only enqueues.
//   - Deliver a code to a recipient twice or to a recipient of another account.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/extract"
	"github.com/MrEthical07/goIntercept/internal/ledger"
	"github.com/MrEthical07/goIntercept/internal/registry"
)

var (
	ErrNotFound     = errors.New("intercept: no entry for account")
	ErrUnauthorized = errors.New("intercept: credential unauthorized")
	ErrUnavailable  = errors.New("intercept: service unavailable")
	ErrLedgerFull   = errors.New("intercept: too many pending recipients")
	ErrClosed       = errors.New("intercept: pool closed")
	ErrStopped      = errors.New("intercept: stopped while starting")
)

// Delivery is one matched code and everyone it went to.
type Delivery struct {
	AccountID  string
	Code       string
	Keyword    bool
	Recipients []string
	MessageID  int64
	At         time.Time
}

// Options configures a [Pool].
type Options struct {
	Dialer         conn.Dialer
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	// ProbeConcurrency bounds parallel liveness probes in Sweep.
	ProbeConcurrency int
	InboxBuffer      int
	MaxRecipients    int
	Shards           int

	Now    func() time.Time
	Logger *zap.Logger
	Tracer trace.Tracer

	// Deliver is called from the entry goroutine, once per matched code with
	// at least one pending recipient.
	Deliver func(Delivery)
	// OnDiscard is called when a code matched but nobody was waiting.
	OnDiscard func(accountID string)
	// OnInboxOverflow is called when a message is dropped because the entry
	// inbox is full.
	OnInboxOverflow func(accountID string)
	// OnEvict is called after Sweep stopped a dead entry.
	OnEvict      func(accountID string)
	OnRemoteCall func(op string, took time.Duration, err error)
}

// Pool is safe for concurrent use.
type Pool struct {
	opts    Options
	logger  *zap.Logger
	entries *registry.Map[*entry]
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type entry struct {
	accountID string
	selfID    int64
	ledger    *ledger.Ledger
	inbox     chan conn.Message
	startedAt time.Time

	// mu guards conn and unsub, which Start attaches while stop may run.
	mu      sync.Mutex
	conn    conn.Connection
	unsub   func()
	stopped bool

	// ready is set once the entry is connected and its goroutine runs;
	// settled is closed when Start finished either way.
	ready   atomic.Bool
	settled chan struct{}

	lastCodeAt atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

// New returns an empty pool.
func New(opts Options) *Pool {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if opts.InboxBuffer <= 0 {
		opts.InboxBuffer = 64
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = 8
	}
	return &Pool{
		opts:    opts,
		logger:  opts.Logger.Named("intercept"),
		entries: registry.New[*entry](opts.Shards),
	}
}

// Start opens an authorized connection from credential and begins watching
// accountID. It is a no-op when a live entry already exists; a dead entry is
// replaced. The entry is registered, as pending, before the first remote
// call, so Stop or Close during the connect aborts it with ErrStopped.
func (p *Pool) Start(ctx context.Context, accountID string, credential []byte) error {
	var e *entry
	for e == nil {
		if p.closed.Load() {
			return ErrClosed
		}
		cur, ok := p.entries.Get(accountID)
		if ok {
			if !cur.isReady() {
				// another Start is connecting this account
				select {
				case <-cur.settled:
				case <-ctx.Done():
					return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
				}
				continue
			}
			if cur.alive() {
				return nil
			}
			if p.entries.CompareAndDelete(accountID, cur) {
				cur.stop()
			}
			continue
		}
		fresh := p.newEntry(accountID)
		if _, stored := p.entries.PutIfAbsent(accountID, fresh); stored {
			e = fresh
		}
	}

	err := p.open(ctx, e, credential)
	if err == nil && p.closed.Load() {
		err = ErrClosed
	}
	if err != nil {
		p.entries.CompareAndDelete(accountID, e)
		stopped := e.ctx.Err() != nil
		e.stop()
		close(e.settled)
		switch {
		case p.closed.Load():
			return ErrClosed
		case stopped:
			return ErrStopped
		}
		return err
	}

	p.wg.Add(1)
	go p.run(e)
	e.ready.Store(true)
	close(e.settled)

	p.logger.Info("interception started",
		zap.String("account_id", accountID),
		zap.Int64("self_id", e.selfID),
	)
	return nil
}

func (p *Pool) newEntry(accountID string) *entry {
	e := &entry{
		accountID: accountID,
		ledger:    ledger.New(p.opts.MaxRecipients),
		inbox:     make(chan conn.Message, p.opts.InboxBuffer),
		startedAt: p.opts.Now(),
		settled:   make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// open connects e. Every remote call also ends when e is stopped.
func (p *Pool) open(ctx context.Context, e *entry, credential []byte) error {
	var cancel context.CancelFunc
	if p.opts.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.opts.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	defer context.AfterFunc(e.ctx, cancel)()

	var c conn.Connection
	err := p.remote(ctx, e.accountID, "dial", func(ctx context.Context) error {
		var err error
		c, err = p.opts.Dialer.Dial(ctx, conn.DialOptions{Credential: credential})
		return err
	})
	if err != nil {
		return classify(err)
	}
	if !e.attach(c) {
		return ErrStopped
	}

	if err := p.remote(ctx, e.accountID, "connect", c.Connect); err != nil {
		return classify(err)
	}

	var authorized bool
	err = p.remote(ctx, e.accountID, "authorized", func(ctx context.Context) error {
		var err error
		authorized, err = c.Authorized(ctx)
		return err
	})
	if err != nil {
		return classify(err)
	}
	if !authorized {
		return ErrUnauthorized
	}

	var self conn.Self
	err = p.remote(ctx, e.accountID, "self", func(ctx context.Context) error {
		var err error
		self, err = c.Self(ctx)
		return err
	})
	if err != nil {
		return classify(err)
	}
	e.selfID = self.ID

	unsub, err := c.Subscribe(p.handler(e))
	if err != nil {
		return classify(err)
	}
	if !e.setUnsub(unsub) {
		return ErrStopped
	}
	return nil
}

// handler is bound to one entry. It never blocks the caller.
func (p *Pool) handler(e *entry) conn.MessageHandler {
	return func(m conn.Message) {
		select {
		case e.inbox <- m:
		case <-e.ctx.Done():
		default:
			p.logger.Warn("interception inbox full, dropping message",
				zap.String("account_id", e.accountID),
				zap.Int64("message_id", m.ID),
			)
			if p.opts.OnInboxOverflow != nil {
				p.opts.OnInboxOverflow(e.accountID)
			}
		}
	}
}

func (p *Pool) run(e *entry) {
	defer p.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case m := <-e.inbox:
			p.handle(e, m)
		}
	}
}

func (p *Pool) handle(e *entry, m conn.Message) {
	if m.Outgoing || m.SenderID == e.selfID {
		return
	}
	match := extract.Analyze(m.Text)
	if !match.OK {
		return
	}

	recipients := e.ledger.Drain()
	if len(recipients) == 0 {
		p.logger.Debug("code matched with no pending recipients", zap.String("account_id", e.accountID))
		if p.opts.OnDiscard != nil {
			p.opts.OnDiscard(e.accountID)
		}
		return
	}

	now := p.opts.Now()
	e.lastCodeAt.Store(now.UnixNano())
	p.deliver(Delivery{
		AccountID:  e.accountID,
		Code:       match.Code,
		Keyword:    match.Keyword,
		Recipients: recipients,
		MessageID:  m.ID,
		At:         now,
	})
}

func (p *Pool) deliver(d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("delivery handler panicked",
				zap.String("account_id", d.AccountID),
				zap.Any("panic", rec),
			)
		}
	}()
	if p.opts.Deliver != nil {
		p.opts.Deliver(d)
	}
}

// Add queues recipientID for the next code from accountID. Adding a pending
// recipient again is a no-op.
func (p *Pool) Add(accountID, recipientID string) error {
	e, ok := p.ready(accountID)
	if !ok {
		return ErrNotFound
	}
	if _, full := e.ledger.Add(recipientID); full {
		return ErrLedgerFull
	}
	return nil
}

// Remove drops recipientID from the pending set. It reports whether the
// recipient was pending.
func (p *Pool) Remove(accountID, recipientID string) (bool, error) {
	e, ok := p.ready(accountID)
	if !ok {
		return false, ErrNotFound
	}
	return e.ledger.Remove(recipientID), nil
}

// Pending returns the recipients waiting on accountID in arrival order.
func (p *Pool) Pending(accountID string) ([]string, error) {
	e, ok := p.ready(accountID)
	if !ok {
		return nil, ErrNotFound
	}
	return e.ledger.Snapshot(), nil
}

// Stop tears down the entry for accountID. It reports whether an entry was
// removed; stopping an absent account is not an error.
func (p *Pool) Stop(accountID string) bool {
	e, ok := p.entries.Delete(accountID)
	if !ok {
		return false
	}
	e.stop()
	p.logger.Info("interception stopped", zap.String("account_id", accountID))
	return true
}

// Active returns a sorted snapshot of watched account ids. Entries still
// connecting are left out.
func (p *Pool) Active() []string {
	keys := p.entries.Keys()
	out := keys[:0]
	for _, id := range keys {
		if _, ok := p.ready(id); ok {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of connected entries.
func (p *Pool) Len() int {
	return len(p.Active())
}

func (p *Pool) ready(accountID string) (*entry, bool) {
	e, ok := p.entries.Get(accountID)
	if !ok || !e.isReady() {
		return nil, false
	}
	return e, true
}

// Probe reports whether accountID's connection is up and still authorized.
// A non-nil error means the probe itself could not decide.
func (p *Pool) Probe(ctx context.Context, accountID string) (bool, error) {
	e, ok := p.ready(accountID)
	if !ok {
		return false, ErrNotFound
	}
	return p.probe(ctx, e)
}

func (p *Pool) probe(ctx context.Context, e *entry) (bool, error) {
	if !e.conn.Connected() {
		return false, nil
	}
	if p.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ProbeTimeout)
		defer cancel()
	}
	var authorized bool
	err := p.remote(ctx, e.accountID, "authorized", func(ctx context.Context) error {
		var err error
		authorized, err = e.conn.Authorized(ctx)
		return err
	})
	switch {
	case err == nil:
		return authorized, nil
	case errors.Is(err, conn.ErrUnauthorized), errors.Is(err, conn.ErrNotConnected):
		return false, nil
	default:
		return true, err
	}
}

// Sweep probes every entry and stops the dead ones. Entries whose probe
// could not decide are kept.
func (p *Pool) Sweep(ctx context.Context) int {
	var (
		evicted atomic.Int64
		g       errgroup.Group
	)
	g.SetLimit(p.opts.ProbeConcurrency)

	for _, id := range p.entries.Keys() {
		e, ok := p.ready(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			alive, err := p.probe(ctx, e)
			if err != nil {
				p.logger.Warn("interception probe inconclusive", zap.String("account_id", id), zap.Error(err))
				return nil
			}
			if alive {
				return nil
			}
			if p.entries.CompareAndDelete(id, e) {
				e.stop()
				evicted.Add(1)
				p.logger.Info("interception evicted", zap.String("account_id", id))
				if p.opts.OnEvict != nil {
					p.opts.OnEvict(id)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(evicted.Load())
}

// Close stops every entry and waits for their goroutines, or for ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.closed.Store(true)

	var g errgroup.Group
	for _, e := range p.entries.Drain() {
		g.Go(func() error {
			e.stop()
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) remote(ctx context.Context, accountID, op string, fn func(context.Context) error) error {
	ctx, span := p.opts.Tracer.Start(ctx, "intercept."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("account_id", accountID)),
	)
	started := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if p.opts.OnRemoteCall != nil {
		p.opts.OnRemoteCall(op, time.Since(started), err)
	}
	return err
}

func (e *entry) isReady() bool {
	return e.ready.Load()
}

func (e *entry) alive() bool {
	return e.isReady() && e.ctx.Err() == nil && e.conn.Connected()
}

// attach hands c to e. It reports false, and disconnects c, when e was
// stopped first.
func (e *entry) attach(c conn.Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		_ = c.Disconnect()
		return false
	}
	e.conn = c
	return true
}

func (e *entry) setUnsub(unsub func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		unsub()
		return false
	}
	e.unsub = unsub
	return true
}

func (e *entry) stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.mu.Lock()
		e.stopped = true
		c, unsub := e.conn, e.unsub
		e.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		if c != nil {
			_ = c.Disconnect()
		}
		e.ledger.Drain()
	})
}

// LastCodeAt returns when accountID last delivered a code, or the zero time.
func (p *Pool) LastCodeAt(accountID string) (time.Time, bool) {
	e, ok := p.ready(accountID)
	if !ok {
		return time.Time{}, false
	}
	ns := e.lastCodeAt.Load()
	if ns == 0 {
		return time.Time{}, true
	}
	return time.Unix(0, ns), true
}

func classify(err error) error {
	if _, ok := conn.AsFloodWait(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, conn.ErrUnauthorized):
		return ErrUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timeout", ErrUnavailable)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
