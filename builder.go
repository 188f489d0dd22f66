package goIntercept

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/MrEthical07/goIntercept/conn"
	"github.com/MrEthical07/goIntercept/device"
	"github.com/MrEthical07/goIntercept/internal/audit"
	"github.com/MrEthical07/goIntercept/internal/authflow"
	"github.com/MrEthical07/goIntercept/internal/intercept"
	"github.com/MrEthical07/goIntercept/internal/rate"
	"github.com/MrEthical07/goIntercept/internal/reaper"
	"github.com/MrEthical07/goIntercept/internal/registry"
)

const tracerName = "github.com/MrEthical07/goIntercept"

// Builder collects the collaborators of an [Engine].
//
// Builder instances are configured during initialization and used for a
// single Build call.
type Builder struct {
	config Config
	dialer conn.Dialer
	redis  redis.UniversalClient

	logger         *zap.Logger
	tracerProvider trace.TracerProvider
	auditSink      AuditSink
	sealer         CredentialSealer
	catalog        []device.Profile
	now            func() time.Time
	handlers       []DeliveryHandler

	built bool
}

// New returns a Builder holding [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithDialer sets the connection factory. Required.
func (b *Builder) WithDialer(d conn.Dialer) *Builder {
	b.dialer = d
	return b
}

// WithRedis enables the flood gate and the per-phone code budget.
//
// Without Redis the engine still works; flood-waits are returned to the
// caller but not remembered across calls.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the zap logger. The engine logs under the name "goIntercept".
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithTracerProvider enables spans around every remote call.
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracerProvider = tp
	return b
}

// WithAuditSink sets the destination of audit events. It also enables the
// audit dispatcher.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	if sink != nil {
		b.config.Audit.Enabled = true
	}
	return b
}

// WithSealer seals credentials returned by sign-in and opens the ones
// passed to StartIntercepting.
func (b *Builder) WithSealer(s CredentialSealer) *Builder {
	b.sealer = s
	return b
}

// WithDeviceCatalog replaces the device profiles sign-ins are presented with.
func (b *Builder) WithDeviceCatalog(catalog []device.Profile) *Builder {
	b.catalog = catalog
	return b
}

// WithClock overrides time.Now. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled turns the in-process counters on or off.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms turns latency histograms on or off. They need
// metrics enabled.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// OnCodeDelivered registers h before the engine starts. See
// [Engine.OnCodeDelivered].
func (b *Builder) OnCodeDelivered(h DeliveryHandler) *Builder {
	b.handlers = append(b.handlers, h)
	return b
}

// Build validates the configuration, wires every component and starts the
// reaper when enabled.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.dialer == nil {
		return nil, errors.New("dialer required")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("goIntercept")

	tp := b.tracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	now := b.now
	if now == nil {
		now = time.Now
	}

	catalog := b.catalog
	if catalog == nil {
		catalog = device.DefaultCatalog
	}
	devices, err := device.NewSelector(catalog)
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:   cfg,
		logger:   logger,
		tracer:   tp.Tracer(tracerName),
		dialer:   b.dialer,
		devices:  devices,
		sealer:   b.sealer,
		now:      now,
		sessions: registry.New[*authflow.Session](cfg.Registry.Shards),
		metrics:  NewMetrics(cfg.Metrics),
		bus:      newDeliveryBus(logger),
	}

	// -------- FLOOD GATE --------
	if b.redis != nil {
		engine.limiter = rate.New(b.redis, rate.Config{
			Prefix:            cfg.FloodGate.RedisPrefix,
			MaxCodeRequests:   cfg.Auth.MaxCodeRequestsPerPhone,
			CodeRequestWindow: cfg.Auth.CodeRequestWindow,
		})
	}

	// -------- AUDIT --------
	sink := b.auditSink
	if sink == nil && cfg.Audit.Enabled {
		sink = audit.NewLoggerSink(logger.Named("audit"))
	}
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sink, logger.Named("audit"))

	// -------- INTERCEPTION POOL --------
	engine.pool = intercept.New(intercept.Options{
		Dialer:           b.dialer,
		ConnectTimeout:   cfg.Interception.ConnectTimeout,
		ProbeTimeout:     cfg.Interception.ProbeTimeout,
		ProbeConcurrency: cfg.Interception.ProbeConcurrency,
		InboxBuffer:      cfg.Interception.InboxBuffer,
		MaxRecipients:    cfg.Interception.MaxRecipientsPerAccount,
		Shards:           cfg.Registry.Shards,
		Now:              now,
		Logger:           logger,
		Tracer:           engine.tracer,
		Deliver:          engine.handleDelivery,
		OnDiscard:        engine.handleDiscard,
		OnInboxOverflow:  engine.handleInboxOverflow,
		OnEvict:          engine.handleInterceptEvicted,
		OnRemoteCall:     engine.observeRemoteCall,
	})

	for _, h := range b.handlers {
		if err := engine.bus.subscribe(h); err != nil {
			engine.audit.Close()
			return nil, err
		}
	}

	// -------- REAPER --------
	interval := time.Duration(0)
	if cfg.Reaper.Enabled {
		interval = cfg.Reaper.Interval
	}
	engine.reaper = reaper.New(interval, logger.Named("reaper"),
		reaper.Sweep{Name: sweepAuth, Run: engine.sweepAuth},
		reaper.Sweep{Name: sweepInterceptions, Run: engine.sweepInterceptions},
	)
	engine.reaper.Start()

	b.built = true

	logger.Info("engine built",
		zap.Bool("flood_gate", engine.limiter != nil),
		zap.Bool("audit", engine.audit != nil),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("reaper", cfg.Reaper.Enabled),
		zap.Bool("sealer", engine.sealer != nil),
	)

	return engine, nil
}
