// Package reaper runs periodic cleanup sweeps on a supervised goroutine.
//
// # Architecture boundaries
//
// The reaper only schedules. What a sweep evicts, and how it re-checks a
// candidate before evicting it, belongs to the sweep function.
package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sweep is one named cleanup pass. Run returns how many items it evicted.
type Sweep struct {
	Name string
	Run  func(ctx context.Context) int
}

// Reaper runs its sweeps every interval until Stop.
type Reaper struct {
	interval time.Duration
	sweeps   []Sweep
	logger   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closeOnce sync.Once
	runs      atomic.Uint64
}

// New builds a stopped reaper. A nil logger discards output.
func New(interval time.Duration, logger *zap.Logger, sweeps ...Sweep) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		interval: interval,
		sweeps:   sweeps,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the loop. Calling it more than once, or after Stop, does
// nothing.
func (r *Reaper) Start() {
	if r == nil || r.interval <= 0 || r.ctx.Err() != nil {
		return
	}
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.run()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(r.ctx)
		}
	}
}

// RunOnce executes every sweep once, in order, and returns the evicted
// count per sweep name.
func (r *Reaper) RunOnce(ctx context.Context) map[string]int {
	if r == nil {
		return map[string]int{}
	}
	out := make(map[string]int, len(r.sweeps))
	r.runs.Add(1)
	for _, s := range r.sweeps {
		if ctx.Err() != nil {
			break
		}
		n := r.runSweep(ctx, s)
		out[s.Name] = n
		if n > 0 {
			r.logger.Info("reaper sweep evicted entries", zap.String("sweep", s.Name), zap.Int("evicted", n))
		} else {
			r.logger.Debug("reaper sweep clean", zap.String("sweep", s.Name))
		}
	}
	return out
}

func (r *Reaper) runSweep(ctx context.Context, s Sweep) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reaper sweep panicked", zap.String("sweep", s.Name), zap.Any("panic", rec))
			n = 0
		}
	}()
	return s.Run(ctx)
}

// Runs reports how many passes have executed.
func (r *Reaper) Runs() uint64 {
	if r == nil {
		return 0
	}
	return r.runs.Load()
}

// Stop cancels any in-flight sweep and waits for the loop to exit.
func (r *Reaper) Stop() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}
