// Command intercept-sim drives a goIntercept engine against an in-memory
// account service: every simulated account signs in, is put under
// interception and receives one login code that must reach all of its
// recipients.
//
// Settings come from .env and the environment (see config.go). Without
// REDIS_ADDR an embedded miniredis backs the flood gate.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	goIntercept "github.com/MrEthical07/goIntercept"
	"github.com/MrEthical07/goIntercept/conn/conntest"
	"github.com/MrEthical07/goIntercept/credential"
	"github.com/MrEthical07/goIntercept/delivery/telegrambot"
	promexport "github.com/MrEthical07/goIntercept/metrics/export/prometheus"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("simulation failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *simConfig, logger *zap.Logger) error {
	client, cleanup, err := openRedis(cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	svc := conntest.NewService()
	svc.SetCallDelay(cfg.CallDelay)
	accounts := seedAccounts(svc, cfg)

	engineCfg := goIntercept.DefaultConfig()
	engineCfg.Auth.MaxCodeRequestsPerPhone = 3
	engineCfg.Metrics.Enabled = true
	engineCfg.Metrics.EnableLatencyHistograms = true
	engineCfg.Reaper.Interval = 10 * time.Second

	builder := goIntercept.New().
		WithConfig(engineCfg).
		WithDialer(svc).
		WithRedis(client).
		WithLogger(logger).
		WithAuditSink(goIntercept.NewLoggerAuditSink(logger.Named("audit")))

	if cfg.SealPassphrase != "" {
		salt := sha256.Sum256([]byte("intercept-sim:" + cfg.SealPassphrase))
		sealer, err := credential.NewSealerFromPassphrase(cfg.SealPassphrase, salt[:], credential.DefaultKDFParams())
		if err != nil {
			return err
		}
		builder = builder.WithSealer(sealer)
	}

	waiters := newWaiters()
	builder = builder.OnCodeDelivered(waiters.handle)

	var notifier *telegrambot.Notifier
	if cfg.BotToken != "" {
		chatID := cfg.BotChatID
		notifier, err = telegrambot.NewFromToken(cfg.BotToken, telegrambot.Options{
			Logger: logger,
			// every simulated recipient is routed to the one operator chat
			ChatID: func(string) (int64, bool) { return chatID, true },
		})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		defer notifier.Close()
		builder = builder.OnCodeDelivered(notifier.Handle)
	}

	engine, err := builder.Build()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, engine, logger)
		defer func() { _ = srv.Close() }()
	}

	logger.Info("simulation starting",
		zap.Int("accounts", cfg.Accounts),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Int("recipients", cfg.Recipients),
	)

	stats := runAccounts(ctx, engine, svc, accounts, waiters, cfg)
	report := engine.Sweep(ctx)

	fmt.Println("---- results ----")
	for _, name := range phaseNames {
		printStats(name, stats[name])
	}
	st := engine.Stats()
	snap := engine.MetricsSnapshot()
	fmt.Printf("watched=%d pending=%d delivered=%d discarded=%d swept=%d/%d audit_dropped=%d\n",
		st.ActiveInterceptions,
		st.PendingRecipients,
		snap.Counters[goIntercept.MetricCodeDelivered],
		snap.Counters[goIntercept.MetricCodeDiscarded],
		report.AuthEvicted,
		report.InterceptionsEvicted,
		engine.AuditDropped(),
	)
	if notifier != nil {
		fmt.Printf("telegram: sent=%d failed=%d dropped=%d\n", notifier.Sent(), notifier.Failed(), notifier.Dropped())
	}

	if cfg.Hold > 0 {
		logger.Info("holding for metrics scrape", zap.Duration("hold", cfg.Hold))
		select {
		case <-time.After(cfg.Hold):
		case <-ctx.Done():
		}
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func openRedis(addr string, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		logger.Info("using miniredis", zap.String("addr", mr.Addr()))
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	logger.Info("using redis", zap.String("addr", addr))
	return client, func() { _ = client.Close() }, nil
}

func serveMetrics(addr string, engine *goIntercept.Engine, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promexport.NewPrometheusExporter(engine).Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
