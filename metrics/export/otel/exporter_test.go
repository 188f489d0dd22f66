package otel

import (
	"context"
	"sync"
	"testing"

	goIntercept "github.com/MrEthical07/goIntercept"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot goIntercept.MetricsSnapshot
	dropped  uint64
	stats    goIntercept.Stats
}

func (f *fakeSource) MetricsSnapshot() goIntercept.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := goIntercept.MetricsSnapshot{
		Counters:   make(map[goIntercept.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[goIntercept.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		next := make([]uint64, len(buckets))
		copy(next, buckets)
		out.Histograms[k] = next
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func (f *fakeSource) Stats() goIntercept.Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			}
		}
	}
	return out
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gointercept-test")

	src := &fakeSource{
		snapshot: goIntercept.MetricsSnapshot{
			Counters: map[goIntercept.MetricID]uint64{
				goIntercept.MetricCodeDelivered: 3,
			},
			Histograms: map[goIntercept.MetricID][]uint64{
				goIntercept.MetricRemoteCallLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 1,
		stats:   goIntercept.Stats{ActiveInterceptions: 4, PendingAuth: 2},
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	got := collect(t, reader)
	want := map[string]int64{
		"gointercept_code_delivered_total":                      3,
		"gointercept_audit_dropped_total":                       1,
		"gointercept_interceptions_active":                      4,
		"gointercept_auth_sessions_active":                      2,
		"gointercept_remote_call_latency_seconds_bucket_le_inf": 8,
		"gointercept_remote_call_latency_seconds_count":         8,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s = %d, want %d", name, got[name], v)
		}
	}
}

func TestExporterRejectsNilSource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gointercept-test")

	if _, err := NewOTelExporterFromSource(meter, nil); err == nil {
		t.Fatal("expected error for nil source")
	}
	if _, err := NewOTelExporter(meter, nil); err == nil {
		t.Fatal("expected error for nil engine")
	}
	if _, err := NewOTelExporterFromSource(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("gointercept-test")

	src := &fakeSource{
		snapshot: goIntercept.MetricsSnapshot{
			Counters: map[goIntercept.MetricID]uint64{
				goIntercept.MetricCodeDelivered: 1,
			},
			Histograms: map[goIntercept.MetricID][]uint64{
				goIntercept.MetricRemoteCallLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewOTelExporterFromSource(meter, src)
	if err != nil {
		t.Fatalf("NewOTelExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[goIntercept.MetricCodeDelivered] = v
			src.stats.ActiveInterceptions = int(v)
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
