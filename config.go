package goIntercept

import (
	"errors"
	"strings"
	"time"
)

// Config holds every tunable of an [Engine].
//
// Config values are copied at Build time; mutating a Config afterwards has
// no effect on a running engine.
type Config struct {
	Auth         AuthConfig
	Interception InterceptionConfig
	Reaper       ReaperConfig
	FloodGate    FloodGateConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
	Registry     RegistryConfig
}

/*
====================================
AUTH CONFIG
====================================
*/

// AuthConfig controls sign-in attempts.
type AuthConfig struct {
	// ConnectTimeout bounds dial + connect + code request. Exceeding it is a
	// hard ErrServiceUnavailable.
	ConnectTimeout time.Duration
	// CallTimeout bounds each code or password submission.
	CallTimeout time.Duration
	// InactivityWindow is how long an attempt may sit idle before the
	// reaper cancels it.
	InactivityWindow time.Duration
	// MaxCodeRequestsPerPhone caps StartAuth calls per phone inside
	// CodeRequestWindow. Zero disables the budget. Needs Redis.
	MaxCodeRequestsPerPhone int
	CodeRequestWindow       time.Duration
}

/*
====================================
INTERCEPTION CONFIG
====================================
*/

// InterceptionConfig controls watched accounts.
type InterceptionConfig struct {
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	// ProbeConcurrency bounds parallel liveness probes during a sweep.
	ProbeConcurrency int
	// InboxBuffer is the per-account message queue length.
	InboxBuffer int
	// MaxRecipientsPerAccount caps the pending set. Zero means unbounded.
	MaxRecipientsPerAccount int
}

/*
====================================
REAPER / FLOOD GATE
====================================
*/

// ReaperConfig controls the background sweep.
type ReaperConfig struct {
	Enabled  bool
	Interval time.Duration
}

// FloodGateConfig controls the Redis-backed flood-wait memory. It is only
// active when a Redis client is supplied.
type FloodGateConfig struct {
	RedisPrefix string
	// FailClosed rejects StartAuth with ErrServiceUnavailable when Redis
	// errors; the default lets the call through.
	FailClosed bool
}

/*
====================================
AUDIT / METRICS / REGISTRY
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// RegistryConfig controls the sharded registries.
type RegistryConfig struct {
	Shards int
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration used by [New].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Auth: AuthConfig{
			ConnectTimeout:          10 * time.Second,
			CallTimeout:             15 * time.Second,
			InactivityWindow:        5 * time.Minute,
			MaxCodeRequestsPerPhone: 5,
			CodeRequestWindow:       time.Hour,
		},
		Interception: InterceptionConfig{
			ConnectTimeout:          10 * time.Second,
			ProbeTimeout:            5 * time.Second,
			ProbeConcurrency:        8,
			InboxBuffer:             64,
			MaxRecipientsPerAccount: 64,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
		},
		FloodGate: FloodGateConfig{
			RedisPrefix: "gi",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Registry: RegistryConfig{
			Shards: 32,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	// Auth
	if c.Auth.ConnectTimeout <= 0 {
		return errors.New("Auth ConnectTimeout must be > 0")
	}
	if c.Auth.CallTimeout <= 0 {
		return errors.New("Auth CallTimeout must be > 0")
	}
	if c.Auth.InactivityWindow <= 0 {
		return errors.New("Auth InactivityWindow must be > 0")
	}
	if c.Auth.InactivityWindow <= c.Auth.ConnectTimeout {
		return errors.New("Auth InactivityWindow must exceed ConnectTimeout")
	}
	if c.Auth.MaxCodeRequestsPerPhone < 0 {
		return errors.New("Auth MaxCodeRequestsPerPhone must be >= 0")
	}
	if c.Auth.MaxCodeRequestsPerPhone > 0 && c.Auth.CodeRequestWindow <= 0 {
		return errors.New("Auth CodeRequestWindow must be > 0 when MaxCodeRequestsPerPhone is set")
	}

	// Interception
	if c.Interception.ConnectTimeout <= 0 {
		return errors.New("Interception ConnectTimeout must be > 0")
	}
	if c.Interception.ProbeTimeout <= 0 {
		return errors.New("Interception ProbeTimeout must be > 0")
	}
	if c.Interception.ProbeConcurrency < 1 || c.Interception.ProbeConcurrency > 1024 {
		return errors.New("Interception ProbeConcurrency must be in [1,1024]")
	}
	if c.Interception.InboxBuffer < 1 || c.Interception.InboxBuffer > 1<<16 {
		return errors.New("Interception InboxBuffer must be in [1,65536]")
	}
	if c.Interception.MaxRecipientsPerAccount < 0 {
		return errors.New("Interception MaxRecipientsPerAccount must be >= 0")
	}

	// Reaper
	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		return errors.New("Reaper Interval must be > 0 when enabled")
	}

	// Flood gate
	prefix := c.FloodGate.RedisPrefix
	if prefix == "" || strings.TrimSpace(prefix) != prefix || strings.ContainsAny(prefix, " \t\n") {
		return errors.New("FloodGate RedisPrefix must be non-empty without whitespace")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	// Metrics
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	// Registry
	if c.Registry.Shards < 1 || c.Registry.Shards > 4096 {
		return errors.New("Registry Shards must be in [1,4096]")
	}

	return nil
}

/*
====================================
LINT
====================================
*/

// LintWarning is a configuration that is valid but probably not intended.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is a list of warnings.
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// Lint reports questionable settings. It does not validate.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code, msg string) {
		ws = append(ws, LintWarning{Code: code, Message: msg})
	}

	if !c.Reaper.Enabled {
		add("reaper_disabled", "idle sign-in attempts and dead interceptions are never evicted automatically")
	}
	if c.Auth.InactivityWindow > 30*time.Minute {
		add("inactivity_window_long", "sign-in attempts hold a connection for longer than 30 minutes")
	}
	if c.Auth.MaxCodeRequestsPerPhone == 0 {
		add("code_budget_disabled", "no local cap on code requests per phone")
	}
	if c.Interception.MaxRecipientsPerAccount == 0 {
		add("recipients_unbounded", "pending recipient sets are unbounded")
	}
	if c.Interception.InboxBuffer < 8 {
		add("inbox_small", "bursts of messages may be dropped before handling")
	}
	if c.Reaper.Enabled && c.Reaper.Interval > c.Auth.InactivityWindow {
		add("reaper_slower_than_window", "the reaper runs less often than the inactivity window")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", "no audit trail of sign-ins and deliveries")
	}
	if c.Audit.Enabled && !c.Audit.DropIfFull {
		add("audit_blocking", "a slow audit sink blocks engine calls")
	}
	return ws
}
