package otel

import (
	"context"
	"errors"
	"fmt"

	goIntercept "github.com/MrEthical07/goIntercept"
	"github.com/MrEthical07/goIntercept/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() goIntercept.MetricsSnapshot
	AuditDropped() uint64
	Stats() goIntercept.Stats
}

type observedCounter struct {
	id         goIntercept.MetricID
	instrument metric.Int64ObservableCounter
}

type observedHistogram struct {
	id      goIntercept.MetricID
	buckets [8]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter keeps the callback registration alive until Close.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
	authActive   metric.Int64ObservableGauge
	watched      metric.Int64ObservableGauge
	pending      metric.Int64ObservableGauge
}

func NewOTelExporter(meter metric.Meter, engine *goIntercept.Engine) (*OTelExporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{
		source:     source,
		counters:   make([]observedCounter, 0, len(internaldefs.CounterDefs)),
		histograms: make([]observedHistogram, 0, len(internaldefs.HistogramDefs)),
	}

	observables := make([]metric.Observable, 0, len(internaldefs.CounterDefs)+len(internaldefs.HistogramDefs)*9+4)

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		for i := 0; i < len(internaldefs.HistogramBoundSuffix); i++ {
			name := def.Name + "_bucket_le_" + internaldefs.HistogramBoundSuffix[i]
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription("Cumulative histogram bucket count."))
			if err != nil {
				return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			h.buckets[i] = ins
			observables = append(observables, ins)
		}
		countName := def.Name + "_count"
		countIns, err := meter.Int64ObservableGauge(countName, metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		h.count = countIns
		observables = append(observables, countIns)
		exporter.histograms = append(exporter.histograms, h)
	}

	var err error
	exporter.auditDropped, err = meter.Int64ObservableCounter(
		"gointercept_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.authActive, err = meter.Int64ObservableGauge(
		"gointercept_auth_sessions_active",
		metric.WithDescription("Sign-in attempts currently in flight."),
	)
	if err != nil {
		return nil, fmt.Errorf("create auth sessions gauge: %w", err)
	}
	exporter.watched, err = meter.Int64ObservableGauge(
		"gointercept_interceptions_active",
		metric.WithDescription("Accounts currently watched for codes."),
	)
	if err != nil {
		return nil, fmt.Errorf("create interceptions gauge: %w", err)
	}
	exporter.pending, err = meter.Int64ObservableGauge(
		"gointercept_recipients_pending",
		metric.WithDescription("Recipients waiting for a code across all accounts."),
	)
	if err != nil {
		return nil, fmt.Errorf("create pending recipients gauge: %w", err)
	}
	observables = append(observables, exporter.auditDropped, exporter.authActive, exporter.watched, exporter.pending)

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.histograms {
		nonCumulative := internaldefs.NormalizeBuckets(snapshot.Histograms[h.id])
		cumulative := internaldefs.CumulativeBuckets(nonCumulative)
		for i := 0; i < len(cumulative); i++ {
			observer.ObserveInt64(h.buckets[i], int64(cumulative[i]))
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	observer.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))

	stats := e.source.Stats()
	observer.ObserveInt64(e.authActive, int64(stats.PendingAuth))
	observer.ObserveInt64(e.watched, int64(stats.ActiveInterceptions))
	observer.ObserveInt64(e.pending, int64(stats.PendingRecipients))
	return nil
}

// Close unregisters the callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
