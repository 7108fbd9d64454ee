package royaltyd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"royaltystake/config"
	"royaltystake/core/events"
	"royaltystake/gateway/middleware"
	"royaltystake/native/royalty"
	"royaltystake/observability"
	"royaltystake/observability/logging"
	telemetry "royaltystake/observability/otel"
	"royaltystake/storage"
)

const pruneInterval = time.Hour

// Main initialises and runs the royalty staking daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/royaltyd/config.yaml", "path to royaltyd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ROYALTY_ENV"))
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "royaltyd",
		Env:     env,
		File:    cfg.LogFile,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "royaltyd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Enabled,
		Traces:      cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	ledgerCfg, err := config.Load(cfg.LedgerConfig)
	if err != nil {
		return fmt.Errorf("load ledger config: %w", err)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(stopCtx, cfg, ledgerCfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(app.server, "royaltyd"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("royaltyd listening", slog.String("address", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// app owns the long-lived resources behind the HTTP server.
type app struct {
	server      *Server
	db          storage.Database
	history     *HistoryStore
	idempotency *IdempotencyStore
	cancel      context.CancelFunc
	done        chan struct{}
	logger      *slog.Logger
}

func newApp(parent context.Context, cfg Config, ledgerCfg *config.Config, logger *slog.Logger) (*app, error) {
	policy, err := royalty.ParseZeroStakePolicy(ledgerCfg.ZeroStakePolicy)
	if err != nil {
		return nil, err
	}
	rate, err := ledgerCfg.StreamRate()
	if err != nil {
		return nil, err
	}

	db, err := storage.NewLevelDB(filepath.Join(ledgerCfg.DataDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a := &app{db: db, logger: logger, done: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store := royalty.NewStore(db)
	eventMetrics := observability.Events()
	hub := events.NewHub(ledgerCfg.EventHistory)
	hub.SetDropHandler(func(rec events.Record) {
		if rec.Event != nil {
			eventMetrics.RecordDropped(rec.Event.Type)
		}
	})
	emitter := events.MultiEmitter{countingEmitter{metrics: eventMetrics}, hub}

	registry := royalty.NewRegistry(store)
	registry.SetEmitter(emitter)

	engine, err := royalty.NewEngine(policy)
	if err != nil {
		return nil, err
	}
	engine.SetState(store)
	engine.SetOwnership(registry)
	engine.SetEmitter(emitter)
	engine.SetMetrics(NewMetrics())
	engine.SetLogger(logger)
	engine.SetStreamConverter(royalty.NewStreamConverter(rate))

	if err := bootstrapAssets(parent, ledgerCfg, registry, engine, logger); err != nil {
		return nil, err
	}

	a.history, err = OpenHistory(cfg.HistoryDSN, logger)
	if err != nil {
		return nil, err
	}
	a.idempotency, err = OpenIdempotencyStore(cfg.IdempotencyPath, cfg.IdempotencyTTL.Duration)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	go func() {
		defer close(a.done)
		if err := a.history.Run(ctx, hub); err != nil {
			logger.Error("history recorder stopped", slog.String("error", err.Error()))
		}
	}()
	go a.pruneIdempotency(ctx)

	a.server = NewServer(Deps{
		Engine:      engine,
		Registry:    registry,
		Hub:         hub,
		History:     a.history,
		Idempotency: a.idempotency,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		Limiter: middleware.NewRateLimiter(rateLimits(cfg.RateLimits), logger),
		Obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "royaltyd",
			Enabled:     true,
		}, prometheus.DefaultRegisterer, logger),
		Metrics:    promhttp.Handler(),
		Logger:     logger,
		AdminScope: cfg.Auth.AdminScope,
		CORS:       middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
	})
	ok = true
	return a, nil
}

func (a *app) pruneIdempotency(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := a.idempotency.Prune(now)
			if err != nil {
				a.logger.Warn("prune idempotency records failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				a.logger.Debug("pruned idempotency records", slog.Int("removed", removed))
			}
		}
	}
}

// Close stops background workers and releases storage.
func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Warn("close history failed", slog.String("error", err.Error()))
		}
	}
	if a.idempotency != nil {
		if err := a.idempotency.Close(); err != nil {
			a.logger.Warn("close idempotency store failed", slog.String("error", err.Error()))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func rateLimits(cfg map[string]RateLimitConfig) map[string]middleware.RateLimit {
	out := make(map[string]middleware.RateLimit, len(cfg))
	for group, limit := range cfg {
		burst := limit.Burst
		if burst <= 0 {
			burst = int(limit.RequestsPerMinute)
		}
		out[group] = middleware.RateLimit{
			RatePerSecond: limit.RequestsPerMinute / 60,
			Burst:         burst,
		}
	}
	return out
}

// countingEmitter counts every event before it reaches subscribers.
type countingEmitter struct {
	metrics *observability.EventMetrics
}

func (c countingEmitter) Emit(evt events.Event) {
	if evt != nil {
		c.metrics.RecordEmitted(evt.EventType())
	}
}
