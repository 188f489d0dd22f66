package goIntercept

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/conn/conntest"
)

const (
	testPhone  = "+15550000001"
	testSelfID = int64(101)
	serviceBot = int64(777000)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Reaper.Enabled = false
	cfg.Metrics.Enabled = true
	cfg.Auth.ConnectTimeout = time.Second
	cfg.Auth.CallTimeout = time.Second
	cfg.Interception.ConnectTimeout = time.Second
	cfg.Interception.ProbeTimeout = time.Second
	return cfg
}

func newTestService() *conntest.Service {
	svc := conntest.NewService()
	svc.AddAccount(testPhone, conn.Self{ID: testSelfID, Username: "alice", FirstName: "Alice", LastName: "Liddell"}, "")
	return svc
}

func newTestEngine(t *testing.T, svc *conntest.Service, configure func(*Builder)) *Engine {
	t.Helper()
	b := New().WithConfig(testConfig()).WithDialer(svc)
	if configure != nil {
		configure(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

// signIn runs a full password-less sign-in and returns the credential.
func signIn(t *testing.T, engine *Engine, svc *conntest.Service, requesterID, phone string) []byte {
	t.Helper()
	if _, err := engine.StartAuth(context.Background(), requesterID, phone); err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}
	res, err := engine.SubmitCode(context.Background(), requesterID, svc.LastCode(phone))
	if err != nil {
		t.Fatalf("SubmitCode failed: %v", err)
	}
	if res.State != AuthComplete {
		t.Fatalf("expected complete, got %s", res.State)
	}
	return res.Credential
}

func codeMessage(text string) conn.Message {
	return conn.Message{ID: 1, SenderID: serviceBot, Text: text}
}

func waitEvent(t *testing.T, ch <-chan DeliveryEvent) DeliveryEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return DeliveryEvent{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan DeliveryEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected delivery %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuildRequiresDialer(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without dialer")
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.Shards = 0
	if _, err := New().WithConfig(cfg).WithDialer(newTestService()).Build(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	b := New().WithConfig(testConfig()).WithDialer(newTestService())
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestNilEngineIsNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.StartAuth(context.Background(), "r1", testPhone); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if err := e.AddRecipient("a", "b"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if e.CancelAuth("r1") {
		t.Fatal("nil engine cancelled something")
	}
	if got := e.ActiveInterceptions(); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	e.Close()
}

func TestShutdownReleasesEverything(t *testing.T) {
	svc := newTestService()
	svc.AddAccount("+15550000002", conn.Self{ID: 102}, "")
	engine := newTestEngine(t, svc, nil)

	cred := signIn(t, engine, svc, "r1", testPhone)
	if err := engine.StartIntercepting(context.Background(), "acct", cred); err != nil {
		t.Fatalf("StartIntercepting failed: %v", err)
	}
	if _, err := engine.StartAuth(context.Background(), "r2", "+15550000002"); err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}

	if err := engine.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	for i, c := range svc.Conns() {
		if c.DisconnectCalls() != 1 {
			t.Fatalf("conn %d: expected one disconnect, got %d", i, c.DisconnectCalls())
		}
	}
	if _, err := engine.StartAuth(context.Background(), "r3", testPhone); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if err := engine.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown returned %v", err)
	}
	if st := engine.Stats(); st.PendingAuth != 0 || st.ActiveInterceptions != 0 {
		t.Fatalf("expected empty stats after shutdown, got %+v", st)
	}
}

func TestSweepEvictsOnlyStaleAttempts(t *testing.T) {
	svc := newTestService()
	svc.AddAccount("+15550000002", conn.Self{ID: 102}, "")
	clock := newFakeClock()
	engine := newTestEngine(t, svc, func(b *Builder) { b.WithClock(clock.Now) })

	if _, err := engine.StartAuth(context.Background(), "stale", testPhone); err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}
	if _, err := engine.StartAuth(context.Background(), "busy", "+15550000002"); err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	for i := 0; i < 2; i++ {
		if r := engine.Sweep(context.Background()); r.AuthEvicted != 0 {
			t.Fatalf("sweep %d inside the window evicted %d", i, r.AuthEvicted)
		}
	}

	// keeps "busy" fresh
	if _, err := engine.SubmitCode(context.Background(), "busy", "99999"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}

	clock.Advance(4 * time.Minute)
	r := engine.Sweep(context.Background())
	if r.AuthEvicted != 1 {
		t.Fatalf("expected one eviction, got %d", r.AuthEvicted)
	}
	if _, ok := engine.AuthState("stale"); ok {
		t.Fatal("stale attempt still registered")
	}
	if st, ok := engine.AuthState("busy"); !ok || st != AuthAwaitingCode {
		t.Fatalf("busy attempt should survive, got %s %v", st, ok)
	}
	if c := svc.Conns()[0]; c.DisconnectCalls() != 1 {
		t.Fatalf("expected one disconnect for the stale attempt, got %d", c.DisconnectCalls())
	}
	if got := engine.MetricsSnapshot().Counters[MetricAuthEvicted]; got != 1 {
		t.Fatalf("expected auth evicted metric 1, got %d", got)
	}
}

func TestStatsCountsPendingRecipients(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, nil)
	cred := signIn(t, engine, svc, "r1", testPhone)
	if err := engine.StartIntercepting(context.Background(), "acct", cred); err != nil {
		t.Fatalf("StartIntercepting failed: %v", err)
	}
	_ = engine.AddRecipient("acct", "a")
	_ = engine.AddRecipient("acct", "b")
	if _, err := engine.StartAuth(context.Background(), "r2", testPhone); err != nil {
		t.Fatalf("StartAuth failed: %v", err)
	}

	st := engine.Stats()
	if st.PendingAuth != 1 || st.ActiveInterceptions != 1 || st.PendingRecipients != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestInputNormalization(t *testing.T) {
	phones := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+1 (555) 000-0001", "+15550000001", true},
		{"15550000001", "+15550000001", true},
		{"  +44.20.7946.0958 ", "+442079460958", true},
		{"123", "", false},
		{"+1555abc0001", "", false},
		{"+1234567890123456", "", false},
	}
	for _, tc := range phones {
		got, err := normalizePhone(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("normalizePhone(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("normalizePhone(%q) expected ErrInvalidInput, got %v", tc.in, err)
		}
	}

	codes := []struct {
		in   string
		want string
		ok   bool
	}{
		{"12345", "12345", true},
		{"12 345", "12345", true},
		{"123-45", "12345", true},
		{"123", "", false},
		{"12a45", "", false},
		{"123456789", "", false},
	}
	for _, tc := range codes {
		got, err := normalizeCode(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("normalizeCode(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("normalizeCode(%q) expected ErrInvalidInput, got %v", tc.in, err)
		}
	}
}

func TestMaskPhone(t *testing.T) {
	if got := maskPhone("+15550000001"); got != "+15*******01" {
		t.Fatalf("maskPhone = %q", got)
	}
	if got := maskCode("52391"); got != "*****" {
		t.Fatalf("maskCode = %q", got)
	}
}

func TestRetryAfter(t *testing.T) {
	err := error(&RateLimitError{Seconds: 12, Scope: "remote"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("RateLimitError should match ErrRateLimited")
	}
	if secs, ok := RetryAfter(err); !ok || secs != 12 {
		t.Fatalf("RetryAfter = %d, %v", secs, ok)
	}
	if _, ok := RetryAfter(ErrInvalidCode); ok {
		t.Fatal("RetryAfter matched a non rate-limit error")
	}
}
