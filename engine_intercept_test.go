package goIntercept

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/conn/conntest"
	"github.com/MrEthical07/goIntercept/credential"
)

func startWatching(t *testing.T, engine *Engine, accountID string, cred []byte) chan DeliveryEvent {
	t.Helper()
	events := make(chan DeliveryEvent, 8)
	if err := engine.OnCodeDelivered(func(ev DeliveryEvent) { events <- ev }); err != nil {
		t.Fatalf("OnCodeDelivered failed: %v", err)
	}
	if err := engine.StartIntercepting(context.Background(), accountID, cred); err != nil {
		t.Fatalf("StartIntercepting failed: %v", err)
	}
	return events
}

func TestDeliveryDrainsPendingRecipients(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, nil)
	events := startWatching(t, engine, "acct", conntest.CredentialFor(testSelfID))

	for _, r := range []string{"A", "B", "A"} {
		if err := engine.AddRecipient("acct", r); err != nil {
			t.Fatalf("AddRecipient(%s) failed: %v", r, err)
		}
	}

	svc.Send(testSelfID, codeMessage("Your login code: 52391"))
	ev := waitEvent(t, events)
	got := append([]string(nil), ev.DeliveredTo...)
	sort.Strings(got)
	if ev.Code != "52391" || !ev.Keyword || ev.AccountID != "acct" || strings.Join(got, ",") != "A,B" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatalf("event should carry an id and timestamp: %+v", ev)
	}
	if pending, _ := engine.PendingRecipients("acct"); len(pending) != 0 {
		t.Fatalf("expected drained recipients, got %v", pending)
	}

	// a recipient added after the code arrived waits for the next one
	if err := engine.AddRecipient("acct", "C"); err != nil {
		t.Fatalf("AddRecipient failed: %v", err)
	}
	expectNoEvent(t, events)
	if pending, _ := engine.PendingRecipients("acct"); strings.Join(pending, ",") != "C" {
		t.Fatalf("expected C pending, got %v", pending)
	}

	svc.Send(testSelfID, codeMessage("Login code 61234. Do not share it."))
	ev = waitEvent(t, events)
	if ev.Code != "61234" || strings.Join(ev.DeliveredTo, ",") != "C" {
		t.Fatalf("unexpected second event %+v", ev)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricCodeDelivered] != 2 || snap.Counters[MetricCodeRecipients] != 3 {
		t.Fatalf("unexpected counters %v", snap.Counters)
	}
}

func TestCodeWithoutRecipientsIsDiscarded(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, nil)
	events := startWatching(t, engine, "acct", conntest.CredentialFor(testSelfID))

	svc.Send(testSelfID, codeMessage("Your login code: 52391"))
	svc.Send(testSelfID, codeMessage("no digits here"))
	svc.Send(testSelfID, conn.Message{ID: 2, SenderID: testSelfID, Text: "login code 77777"})
	waitFor(t, "discarded code", func() bool {
		return engine.MetricsSnapshot().Counters[MetricCodeDiscarded] == 1
	})
	expectNoEvent(t, events)

	_ = engine.AddRecipient("acct", "late")
	svc.Send(testSelfID, codeMessage("Your login code: 40404"))
	if ev := waitEvent(t, events); ev.Code != "40404" {
		t.Fatalf("expected the fresh code, got %+v", ev)
	}
	if got := engine.MetricsSnapshot().Counters[MetricCodeDiscarded]; got != 1 {
		t.Fatalf("expected one discarded code, got %d", got)
	}
}

func TestRemoveRecipient(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, nil)
	events := startWatching(t, engine, "acct", conntest.CredentialFor(testSelfID))

	_ = engine.AddRecipient("acct", "A")
	_ = engine.AddRecipient("acct", "B")
	if err := engine.RemoveRecipient("acct", "A"); err != nil {
		t.Fatalf("RemoveRecipient failed: %v", err)
	}
	if err := engine.RemoveRecipient("acct", "A"); err != nil {
		t.Fatalf("removing twice should not fail: %v", err)
	}

	svc.Send(testSelfID, codeMessage("Your login code: 52391"))
	if ev := waitEvent(t, events); strings.Join(ev.DeliveredTo, ",") != "B" {
		t.Fatalf("expected only B, got %v", ev.DeliveredTo)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, nil)
	ctx := context.Background()
	cred := conntest.CredentialFor(testSelfID)

	if err := engine.StartIntercepting(ctx, "acct", cred); err != nil {
		t.Fatalf("StartIntercepting failed: %v", err)
	}
	if err := engine.StartIntercepting(ctx, "acct", cred); err != nil {
		t.Fatalf("second StartIntercepting failed: %v", err)
	}
	if svc.Dials() != 1 {
		t.Fatalf("a healthy entry must not redial, got %d dials", svc.Dials())
	}
	if got := engine.ActiveInterceptions(); strings.Join(got, ",") != "acct" {
		t.Fatalf("unexpected active set %v", got)
	}

	_ = engine.AddRecipient("acct", "A")
	if err := engine.StopIntercepting("acct"); err != nil {
		t.Fatalf("StopIntercepting failed: %v", err)
	}
	if err := engine.StopIntercepting("acct"); err != nil {
		t.Fatalf("second StopIntercepting failed: %v", err)
	}
	if c := svc.Conns()[0]; c.DisconnectCalls() != 1 {
		t.Fatalf("expected one disconnect, got %d", c.DisconnectCalls())
	}
	if len(engine.ActiveInterceptions()) != 0 {
		t.Fatal("expected no active interceptions")
	}
	if err := engine.AddRecipient("acct", "A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after stop, got %v", err)
	}
	if _, err := engine.PendingRecipients("acct"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after stop, got %v", err)
	}
}

func TestRecipientLimit(t *testing.T) {
	svc := newTestService()
	cfg := testConfig()
	cfg.Interception.MaxRecipientsPerAccount = 2
	engine := newTestEngine(t, svc, func(b *Builder) { b.WithConfig(cfg) })
	startWatching(t, engine, "acct", conntest.CredentialFor(testSelfID))

	_ = engine.AddRecipient("acct", "A")
	_ = engine.AddRecipient("acct", "B")
	if err := engine.AddRecipient("acct", "A"); err != nil {
		t.Fatalf("re-adding a pending recipient should be a no-op: %v", err)
	}
	if err := engine.AddRecipient("acct", "C"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput over the limit, got %v", err)
	}
}

func TestRevokedCredential(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, nil)
	ctx := context.Background()

	svc.Revoke(testSelfID)
	if err := engine.StartIntercepting(ctx, "acct", conntest.CredentialFor(testSelfID)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(engine.ActiveInterceptions()) != 0 {
		t.Fatal("a rejected credential must not register")
	}
	if got := engine.MetricsSnapshot().Counters[MetricInterceptUnauthorized]; got != 1 {
		t.Fatalf("expected one unauthorized, got %d", got)
	}
}

func TestSweepEvictsRevokedInterception(t *testing.T) {
	svc := newTestService()
	svc.AddAccount("+15550000002", conn.Self{ID: 102}, "")
	engine := newTestEngine(t, svc, nil)
	ctx := context.Background()

	if err := engine.StartIntercepting(ctx, "gone", conntest.CredentialFor(testSelfID)); err != nil {
		t.Fatalf("StartIntercepting failed: %v", err)
	}
	if err := engine.StartIntercepting(ctx, "kept", conntest.CredentialFor(102)); err != nil {
		t.Fatalf("StartIntercepting failed: %v", err)
	}
	svc.Revoke(testSelfID)

	r := engine.Sweep(ctx)
	if r.InterceptionsEvicted != 1 {
		t.Fatalf("expected one eviction, got %d", r.InterceptionsEvicted)
	}
	if got := engine.ActiveInterceptions(); strings.Join(got, ",") != "kept" {
		t.Fatalf("unexpected active set %v", got)
	}
	if got := engine.MetricsSnapshot().Counters[MetricInterceptEvicted]; got != 1 {
		t.Fatalf("expected intercept evicted metric 1, got %d", got)
	}
}

func TestSealedCredentialRoundTrip(t *testing.T) {
	svc := newTestService()
	sealer, err := credential.NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	engine := newTestEngine(t, svc, func(b *Builder) { b.WithSealer(sealer) })

	sealed := signIn(t, engine, svc, "r1", testPhone)
	if bytes.Equal(sealed, conntest.CredentialFor(testSelfID)) {
		t.Fatal("credential was returned unsealed")
	}
	if err := engine.StartIntercepting(context.Background(), "acct", sealed); err != nil {
		t.Fatalf("StartIntercepting with sealed credential failed: %v", err)
	}
	if err := engine.StartIntercepting(context.Background(), "raw", conntest.CredentialFor(testSelfID)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a raw credential, got %v", err)
	}
}

func TestInterceptInputValidation(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, nil)
	ctx := context.Background()

	if err := engine.StartIntercepting(ctx, "", conntest.CredentialFor(testSelfID)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty account, got %v", err)
	}
	if err := engine.StartIntercepting(ctx, "acct", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty credential, got %v", err)
	}
	if err := engine.AddRecipient("missing", "A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := engine.OnCodeDelivered(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil handler, got %v", err)
	}
	if svc.Dials() != 0 {
		t.Fatalf("invalid input must not dial, got %d", svc.Dials())
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, func(b *Builder) {
		b.OnCodeDelivered(func(DeliveryEvent) { panic("boom") })
	})
	events := startWatching(t, engine, "acct", conntest.CredentialFor(testSelfID))

	_ = engine.AddRecipient("acct", "A")
	svc.Send(testSelfID, codeMessage("Your login code: 52391"))
	if ev := waitEvent(t, events); ev.Code != "52391" {
		t.Fatalf("unexpected event %+v", ev)
	}

	_ = engine.AddRecipient("acct", "B")
	svc.Send(testSelfID, codeMessage("Your login code: 52392"))
	if ev := waitEvent(t, events); ev.Code != "52392" {
		t.Fatalf("entry should keep running after a panic, got %+v", ev)
	}
}

func TestSlowHandlerDoesNotBlockOtherAccounts(t *testing.T) {
	svc := newTestService()
	svc.AddAccount("+15550000002", conn.Self{ID: 102}, "")
	engine := newTestEngine(t, svc, nil)

	release := make(chan struct{})
	defer close(release)
	fast := make(chan DeliveryEvent, 1)
	if err := engine.OnCodeDelivered(func(ev DeliveryEvent) {
		if ev.AccountID == "slow" {
			<-release
			return
		}
		fast <- ev
	}); err != nil {
		t.Fatalf("OnCodeDelivered failed: %v", err)
	}
	for id, self := range map[string]int64{"slow": testSelfID, "fast": 102} {
		if err := engine.StartIntercepting(context.Background(), id, conntest.CredentialFor(self)); err != nil {
			t.Fatalf("StartIntercepting(%s) failed: %v", id, err)
		}
		_ = engine.AddRecipient(id, "buyer-"+id)
	}

	svc.Send(testSelfID, codeMessage("Your login code: 11111"))
	waitFor(t, "slow delivery", func() bool {
		return engine.MetricsSnapshot().Counters[MetricCodeDelivered] == 1
	})
	svc.Send(102, codeMessage("Your login code: 22222"))

	select {
	case ev := <-fast:
		if ev.Code != "22222" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("a handler busy with one account blocked another account")
	}
}

func TestHandlerMayRegisterAnotherHandler(t *testing.T) {
	svc := newTestService()
	engine := newTestEngine(t, svc, nil)

	registered := make(chan error, 1)
	var once sync.Once
	if err := engine.OnCodeDelivered(func(DeliveryEvent) {
		once.Do(func() { registered <- engine.OnCodeDelivered(func(DeliveryEvent) {}) })
	}); err != nil {
		t.Fatalf("OnCodeDelivered failed: %v", err)
	}
	if err := engine.StartIntercepting(context.Background(), "acct", conntest.CredentialFor(testSelfID)); err != nil {
		t.Fatalf("StartIntercepting failed: %v", err)
	}
	_ = engine.AddRecipient("acct", "A")
	svc.Send(testSelfID, codeMessage("Your login code: 52391"))

	select {
	case err := <-registered:
		if err != nil {
			t.Fatalf("nested OnCodeDelivered failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registering from inside a handler deadlocked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestStopDuringStartIntercepting(t *testing.T) {
	svc := newTestService()
	cfg := testConfig()
	cfg.Interception.ConnectTimeout = 5 * time.Second
	engine := newTestEngine(t, svc, func(b *Builder) { b.WithConfig(cfg) })
	svc.SetConnectDelay(300 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.StartIntercepting(context.Background(), "acct", conntest.CredentialFor(testSelfID))
	}()
	waitFor(t, "dial", func() bool { return svc.Dials() == 1 })
	time.Sleep(20 * time.Millisecond)

	if err := engine.StopIntercepting("acct"); err != nil {
		t.Fatalf("StopIntercepting failed: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StopIntercepting did not abort the start")
	}
	if got := engine.ActiveInterceptions(); len(got) != 0 {
		t.Fatalf("expected no active interceptions, got %v", got)
	}
	if c := svc.Conns()[0]; c.DisconnectCalls() != 1 {
		t.Fatalf("expected one disconnect, got %d", c.DisconnectCalls())
	}
}
