package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	goIntercept "github.com/MrEthical07/goIntercept"
	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/conn/conntest"
)

const (
	phaseSignIn    = "sign_in"
	phaseIntercept = "intercept"
	phaseDelivery  = "delivery"

	// sender id of the service account that posts login codes
	serviceSenderID = 777000
	simPassword     = "sim-password"
)

var phaseNames = []string{phaseSignIn, phaseIntercept, phaseDelivery}

type simAccount struct {
	index    int
	phone    string
	selfID   int64
	password string
}

func seedAccounts(svc *conntest.Service, cfg *simConfig) []simAccount {
	out := make([]simAccount, cfg.Accounts)
	for i := range out {
		a := simAccount{
			index:  i,
			phone:  fmt.Sprintf("+1555%07d", i),
			selfID: int64(100000 + i),
		}
		if cfg.PasswordEvery > 0 && i%cfg.PasswordEvery == 0 {
			a.password = simPassword
		}
		svc.AddAccount(a.phone, conn.Self{
			ID:        a.selfID,
			Username:  fmt.Sprintf("sim%d", i),
			FirstName: "Sim",
			LastName:  fmt.Sprint(i),
		}, a.password)
		out[i] = a
	}
	return out
}

// waiters hands each delivery to the worker waiting on that account.
type waiters struct {
	mu sync.Mutex
	ch map[string]chan goIntercept.DeliveryEvent
}

func newWaiters() *waiters {
	return &waiters{ch: make(map[string]chan goIntercept.DeliveryEvent)}
}

func (w *waiters) expect(accountID string) <-chan goIntercept.DeliveryEvent {
	ch := make(chan goIntercept.DeliveryEvent, 1)
	w.mu.Lock()
	w.ch[accountID] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiters) forget(accountID string) {
	w.mu.Lock()
	delete(w.ch, accountID)
	w.mu.Unlock()
}

func (w *waiters) handle(ev goIntercept.DeliveryEvent) {
	w.mu.Lock()
	ch, ok := w.ch[ev.AccountID]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

type sample struct {
	phase string
	took  time.Duration
	err   bool
}

func runAccounts(ctx context.Context, engine *goIntercept.Engine, svc *conntest.Service, accounts []simAccount, w *waiters, cfg *simConfig) map[string]phaseStats {
	var (
		wg      sync.WaitGroup
		cursor  int64
		mu      sync.Mutex
		samples = make([]sample, 0, len(accounts)*len(phaseNames))
	)
	record := func(s sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	}

	start := time.Now()
	for worker := 0; worker < cfg.Concurrency; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(accounts) || ctx.Err() != nil {
					return
				}
				simulate(ctx, engine, svc, accounts[i], w, cfg, record)
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)

	byPhase := make(map[string][]time.Duration, len(phaseNames))
	failures := make(map[string]int64, len(phaseNames))
	for _, s := range samples {
		if s.err {
			failures[s.phase]++
			continue
		}
		byPhase[s.phase] = append(byPhase[s.phase], s.took)
	}
	out := make(map[string]phaseStats, len(phaseNames))
	for _, name := range phaseNames {
		out[name] = computeStats(total, byPhase[name], failures[name])
	}
	return out
}

func simulate(ctx context.Context, engine *goIntercept.Engine, svc *conntest.Service, a simAccount, w *waiters, cfg *simConfig, record func(sample)) {
	requesterID := fmt.Sprintf("req-%d", a.index)
	accountID := fmt.Sprintf("acct-%d", a.index)

	t0 := time.Now()
	credential, err := signIn(ctx, engine, svc, requesterID, a)
	record(sample{phase: phaseSignIn, took: time.Since(t0), err: err != nil})
	if err != nil {
		return
	}

	t0 = time.Now()
	err = engine.StartIntercepting(ctx, accountID, credential)
	if err == nil {
		for r := 0; r < cfg.Recipients && err == nil; r++ {
			err = engine.AddRecipient(accountID, fmt.Sprintf("buyer-%d-%d", a.index, r))
		}
	}
	record(sample{phase: phaseIntercept, took: time.Since(t0), err: err != nil})
	if err != nil {
		return
	}

	got := w.expect(accountID)
	defer w.forget(accountID)

	t0 = time.Now()
	svc.Send(a.selfID, conn.Message{
		ID:       int64(a.index + 1),
		SenderID: serviceSenderID,
		Text:     fmt.Sprintf("Login code: %05d. Do not give this code to anyone.", 10000+a.index%90000),
	})
	select {
	case ev := <-got:
		record(sample{phase: phaseDelivery, took: time.Since(t0), err: len(ev.DeliveredTo) != cfg.Recipients})
	case <-time.After(cfg.DeliveryWait):
		record(sample{phase: phaseDelivery, took: time.Since(t0), err: true})
	case <-ctx.Done():
	}
}

func signIn(ctx context.Context, engine *goIntercept.Engine, svc *conntest.Service, requesterID string, a simAccount) ([]byte, error) {
	if _, err := engine.StartAuth(ctx, requesterID, a.phone); err != nil {
		return nil, err
	}
	res, err := engine.SubmitCode(ctx, requesterID, svc.LastCode(a.phone))
	if err != nil {
		return nil, err
	}
	if res.RequiresPassword {
		res, err = engine.SubmitPassword(ctx, requesterID, a.password)
		if err != nil {
			return nil, err
		}
	}
	return res.Credential, nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
