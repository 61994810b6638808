package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftmarket/config"
	"nftmarket/core/events"
	"nftmarket/core/state"
	"nftmarket/gateway/auth"
	"nftmarket/gateway/middleware"
	"nftmarket/gateway/routes"
	"nftmarket/integrations/history"
	"nftmarket/integrations/webhooks"
	"nftmarket/native/market"
	"nftmarket/native/market/custody"
	"nftmarket/observability"
	"nftmarket/observability/logging"
	telemetry "nftmarket/observability/otel"
	"nftmarket/storage"
)

const (
	serviceName        = "marketd"
	idempotencyTTL     = 24 * time.Hour
	maintenanceEvery   = 10 * time.Minute
	defaultHubCapacity = 128
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./marketd.toml", "path to marketd configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		slog.Error("marketd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	var logFile *logging.FileConfig
	if cfg.Logging.File != "" {
		logFile = &logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}
	}
	logger, logCloser := logging.SetupWithOptions(serviceName, cfg.Environment, logging.Options{
		Level: logging.ParseLevel(cfg.Logging.Level),
		File:  logFile,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts := telemetry.OptionsFrom(serviceName, cfg.Environment, cfg.Telemetry); opts.Enabled() {
		providers, err := telemetry.Start(ctx, opts)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", slog.Any("error", err))
			}
		}()
	}

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	store := state.NewMarketStore(db)
	engine, err := market.NewEngine(cfg.Market.Params(), store)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	engine.SetLogger(logger)
	if err := engine.Halted(); err != nil {
		logger.Error("engine restored in halted state", slog.Any("error", err))
	}

	hub := events.NewHub(defaultHubCapacity)
	emitters := events.Multi{
		observability.LogEmitter{Logger: logger, Level: slog.LevelDebug},
		observability.MetricsEmitter{},
		hub,
	}

	var archive *history.Archive
	if cfg.History.Enabled {
		if cfg.History.Driver == config.HistorySQLite {
			if err := ensureParentDir(cfg.History.DSN); err != nil {
				return err
			}
		}
		historyDB, err := history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		archive = history.NewArchive(historyDB, logger)
		defer archive.Close()
		emitters = append(emitters, archive)
	}

	if cfg.Webhooks.Endpoint != "" {
		opts := []webhooks.Option{
			webhooks.WithLogger(logger),
			webhooks.WithRetryPolicy(cfg.Webhooks.MaxAttempts, cfg.Webhooks.MinBackoff, cfg.Webhooks.MaxBackoff),
		}
		if len(cfg.Webhooks.Events) > 0 {
			opts = append(opts, webhooks.WithEvents(cfg.Webhooks.Events...))
		}
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhooks.Endpoint, []byte(cfg.Webhooks.Secret), opts...)
		if err != nil {
			return fmt.Errorf("configure webhooks: %w", err)
		}
		defer dispatcher.Close()
		emitters = append(emitters, dispatcher)
	}
	engine.SetEmitter(emitters)

	switch cfg.Custody.Mode {
	case config.CustodyHTTP:
		client, err := custody.NewHTTPClient(custody.Config{
			Endpoint:    cfg.Custody.Endpoint,
			Token:       cfg.Custody.Token,
			CallbackURL: cfg.CallbackBase(),
			Timeout:     cfg.Custody.Timeout,
			Workers:     cfg.Custody.Workers,
			QueueSize:   cfg.Custody.QueueSize,
			MaxAttempts: cfg.Custody.MaxAttempts,
			MinBackoff:  cfg.Custody.MinBackoff,
			MaxBackoff:  cfg.Custody.MaxBackoff,
		}, engine, logger)
		if err != nil {
			return fmt.Errorf("configure custody: %w", err)
		}
		client.Start(ctx)
		defer client.Close()
		engine.SetCustody(client)
	default:
		logger.Warn("dev custody adapter approves every transfer")
		engine.SetCustody(custody.NewAutoApprover(engine, []byte(cfg.Custody.DevPayout), logger))
	}
	if _, err := engine.ResumePending(ctx); err != nil {
		return fmt.Errorf("resume pending settlements: %w", err)
	}

	var verifier *auth.Verifier
	if secrets := cfg.CallbackSecrets(); len(secrets) > 0 {
		verifier = auth.NewVerifier(secrets, cfg.Custody.CallbackSkew, cfg.Custody.NonceTTL, nil, auth.NewDatabaseNonces(db))
	} else {
		logger.Warn("no custody signing secrets configured; callback routes disabled")
	}

	var idempotency *middleware.Idempotency
	if cfg.Storage.IdempotencyPath != "" {
		if err := ensureParentDir(cfg.Storage.IdempotencyPath); err != nil {
			return err
		}
		store, err := middleware.OpenIdempotencyStore(cfg.Storage.IdempotencyPath, idempotencyTTL)
		if err != nil {
			return fmt.Errorf("open idempotency store: %w", err)
		}
		defer store.Close()
		idempotency = middleware.NewIdempotency(store, logger)
		go pruneIdempotency(ctx, store, logger)
	}

	router, err := routes.New(routes.Config{
		Engine:   engine,
		Ledger:   store,
		Verifier: verifier,
		Bridges:  cfg.CallbackBridges(),
		Hub:      hub,
		Archive:  archive,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret:          cfg.Auth.HMACSecret,
			Issuer:              cfg.Auth.Issuer,
			Audience:            cfg.Auth.Audience,
			ClockSkew:           cfg.Auth.ClockSkew,
			AllowAnonymousReads: cfg.Auth.AllowAnonymousReads,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RatePerSecond: cfg.RateLimit.RatePerSecond,
			Burst:         cfg.RateLimit.Burst,
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   serviceName,
			MetricsPrefix: "marketd_http",
		}, logger),
		Idempotency: idempotency,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := router
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(router, serviceName)
	}
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("marketd listening",
			slog.String("addr", listener.Addr().String()),
			slog.String("custody", cfg.Custody.Mode),
			slog.String("storage", cfg.Storage.Backend))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	stats := engine.Stats()
	logger.Info("marketd stopped",
		slog.Int("listings", stats.Listings),
		slog.Int("pendingSettlements", stats.PendingSettlement))
	return nil
}

func openDatabase(cfg config.Storage) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendBolt:
		if err := ensureParentDir(cfg.Path); err != nil {
			return nil, err
		}
		db, err := storage.NewBoltDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendLevelDB:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", cfg.Path, err)
		}
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func pruneIdempotency(ctx context.Context, store *middleware.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Prune(ctx, now.Add(-idempotencyTTL))
			if err != nil {
				logger.Warn("idempotency prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency records pruned", slog.Int64("removed", removed))
			}
		}
	}
}
