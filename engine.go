package goIntercept

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/device"
	"github.com/MrEthical07/goIntercept/internal/audit"
	"github.com/MrEthical07/goIntercept/internal/authflow"
	"github.com/MrEthical07/goIntercept/internal/intercept"
	"github.com/MrEthical07/goIntercept/internal/rate"
	"github.com/MrEthical07/goIntercept/internal/reaper"
	"github.com/MrEthical07/goIntercept/internal/registry"
)

const (
	sweepAuth          = "auth"
	sweepInterceptions = "interceptions"

	floodScopePhone   = "phone"
	floodScopeAccount = "account"

	maxIDLength       = 256
	maxPasswordLength = 256
)

// Engine drives sign-ins and watches signed-in accounts for login codes.
//
// Engine is safe for concurrent use. Build it with [New].
type Engine struct {
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	dialer  conn.Dialer
	devices *device.Selector
	sealer  CredentialSealer
	now     func() time.Time

	sessions *registry.Map[*authflow.Session]
	pool     *intercept.Pool
	limiter  *rate.Limiter
	reaper   *reaper.Reaper
	audit    *audit.Dispatcher
	metrics  *Metrics
	bus      *deliveryBus

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (e *Engine) ready() error {
	if e == nil || e.pool == nil {
		return ErrEngineNotReady
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// Close tears everything down and waits for it. See [Engine.Shutdown].
func (e *Engine) Close() {
	_ = e.Shutdown(context.Background())
}

// Shutdown stops the reaper, cancels every sign-in, stops every
// interception in parallel, waits for running delivery handlers and
// flushes the audit dispatcher. Calls after
// the first return the first result. ctx bounds the wait for entry
// goroutines.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e == nil || e.pool == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.reaper.Stop()

		var g errgroup.Group
		for _, s := range e.sessions.Drain() {
			g.Go(func() error {
				s.Close(authflow.StateCancelled)
				return nil
			})
		}
		g.Go(func() error {
			return e.pool.Close(ctx)
		})
		e.closeErr = g.Wait()
		if err := e.bus.wait(ctx); err != nil && e.closeErr == nil {
			e.closeErr = err
		}

		e.audit.Close()
		e.logger.Info("engine closed", zap.Error(e.closeErr))
	})
	return e.closeErr
}

// Sweep runs both reaper passes once, independent of the background
// schedule.
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	if e == nil || e.reaper == nil {
		return SweepReport{}
	}
	started := time.Now()
	counts := e.reaper.RunOnce(ctx)
	return SweepReport{
		AuthEvicted:          counts[sweepAuth],
		InterceptionsEvicted: counts[sweepInterceptions],
		Took:                 time.Since(started),
	}
}

// sweepAuth evicts attempts idle longer than the inactivity window and any
// attempt that already reached a terminal state. It never takes a session
// mutex, so an attempt blocked in a remote call is still evictable.
func (e *Engine) sweepAuth(ctx context.Context) int {
	now := e.now()
	window := e.config.Auth.InactivityWindow
	evicted := 0

	for _, id := range e.sessions.Keys() {
		if ctx.Err() != nil {
			break
		}
		s, ok := e.sessions.Get(id)
		if !ok {
			continue
		}
		if !s.State().Terminal() && s.IdleFor(now) <= window {
			continue
		}
		if !e.sessions.CompareAndDelete(id, s) {
			continue
		}
		s.Close(authflow.StateCancelled)
		evicted++

		e.metricInc(MetricAuthEvicted)
		e.emitAudit(ctx, auditEventAuthEvicted, true,
			auditSubject{requesterID: id, attemptID: s.AttemptID}, nil, nil)
	}
	return evicted
}

func (e *Engine) sweepInterceptions(ctx context.Context) int {
	return e.pool.Sweep(ctx)
}

// Stats counts live sign-ins, watched accounts and pending recipients.
func (e *Engine) Stats() Stats {
	if e == nil || e.pool == nil {
		return Stats{}
	}
	st := Stats{
		PendingAuth: e.sessions.Len(),
	}
	for _, id := range e.pool.Active() {
		st.ActiveInterceptions++
		if pending, err := e.pool.Pending(id); err == nil {
			st.PendingRecipients += len(pending)
		}
	}
	return st
}

// Config returns a copy of the configuration the engine was built with.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return cloneConfig(e.config)
}

// AuditDropped returns how many audit events were dropped because the audit
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns the current counters and histograms. It is empty
// when metrics are disabled.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

/*
====================================
POOL CALLBACKS
====================================
*/

func (e *Engine) handleDelivery(d intercept.Delivery) {
	ev := deliveryEventFrom(uuid.NewString(), d)

	e.metricInc(MetricCodeDelivered)
	e.metrics.Add(MetricCodeRecipients, uint64(len(ev.DeliveredTo)))

	e.logger.Info("code delivered",
		zap.String("account_id", ev.AccountID),
		zap.String("event_id", ev.ID),
		zap.String("code", maskCode(ev.Code)),
		zap.Int("recipients", len(ev.DeliveredTo)),
		zap.Bool("keyword", ev.Keyword),
	)
	e.emitAudit(context.Background(), auditEventCodeDelivered, true,
		auditSubject{accountID: ev.AccountID}, nil, func() map[string]string {
			return map[string]string{
				"event_id":   ev.ID,
				"recipients": strings.Join(ev.DeliveredTo, ","),
				"keyword":    fmt.Sprint(ev.Keyword),
			}
		})

	e.bus.publish(ev)
}

func (e *Engine) handleDiscard(accountID string) {
	e.metricInc(MetricCodeDiscarded)
	e.logger.Debug("code discarded, nobody waiting", zap.String("account_id", accountID))
}

func (e *Engine) handleInboxOverflow(string) {
	e.metricInc(MetricInboxOverflow)
}

func (e *Engine) handleInterceptEvicted(accountID string) {
	e.metricInc(MetricInterceptEvicted)
	e.emitAudit(context.Background(), auditEventInterceptEvicted, true,
		auditSubject{accountID: accountID}, nil, nil)
}

func (e *Engine) observeRemoteCall(op string, took time.Duration, err error) {
	e.metrics.Observe(MetricRemoteCallLatency, took)
	if err != nil {
		e.metricInc(MetricRemoteCallError)
		e.logger.Debug("remote call failed", zap.String("op", op), zap.Duration("took", took), zap.Error(err))
	}
}

/*
====================================
FLOOD GATE
====================================
*/

// checkFloodGate refuses a call while a remembered flood-wait for
// scope/key is running. Redis failures fail open unless FailClosed is set.
func (e *Engine) checkFloodGate(ctx context.Context, scope, key string) error {
	wait, err := e.limiter.BlockedFor(ctx, scope, key)
	if err != nil {
		return e.floodGateFailed(err)
	}
	if wait > 0 {
		return &RateLimitError{Seconds: waitSeconds(wait), Scope: scope}
	}
	return nil
}

func (e *Engine) spendCodeRequest(ctx context.Context, phone string) error {
	wait, err := e.limiter.AllowCodeRequest(ctx, phone)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return &RateLimitError{Seconds: waitSeconds(wait), Scope: "code_requests"}
	default:
		return e.floodGateFailed(err)
	}
}

// rememberFloodWait stores a service flood-wait so the next call is refused
// locally, and returns the caller-facing error.
func (e *Engine) rememberFloodWait(ctx context.Context, scope, key string, fw *conn.FloodWaitError) error {
	if err := e.limiter.Block(context.WithoutCancel(ctx), scope, key, fw.Duration()); err != nil {
		_ = e.floodGateFailed(err)
	}
	return &RateLimitError{Seconds: fw.Seconds, Scope: "remote"}
}

func (e *Engine) floodGateFailed(err error) error {
	e.metricInc(MetricFloodGateUnavailable)
	e.logger.Warn("flood gate unavailable", zap.Error(err), zap.Bool("fail_closed", e.config.FloodGate.FailClosed))
	if e.config.FloodGate.FailClosed {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return nil
}

func waitSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

/*
====================================
INPUT
====================================
*/

// normalizePhone strips common separators and returns "+" followed by 7 to
// 15 digits.
func normalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	var b strings.Builder
	b.Grow(len(s) + 1)
	b.WriteByte('+')
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: phone contains %q", ErrInvalidInput, r)
		}
	}
	if digits < 7 || digits > 15 {
		return "", fmt.Errorf("%w: phone must have 7 to 15 digits", ErrInvalidInput)
	}
	return b.String(), nil
}

func normalizeCode(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return "", fmt.Errorf("%w: code must be numeric", ErrInvalidInput)
		}
	}
	if n := b.Len(); n < 4 || n > 8 {
		return "", fmt.Errorf("%w: code must have 4 to 8 digits", ErrInvalidInput)
	}
	return b.String(), nil
}

func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidInput, kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: %s too long", ErrInvalidInput, kind)
	}
	return nil
}

func validatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("%w: empty password", ErrInvalidInput)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: password too long", ErrInvalidInput)
	}
	return nil
}

// maskPhone keeps the country prefix and the last two digits.
func maskPhone(phone string) string {
	if len(phone) <= 5 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:3] + strings.Repeat("*", len(phone)-5) + phone[len(phone)-2:]
}

func maskCode(code string) string {
	return strings.Repeat("*", len(code))
}
