package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raaihank/pii-guard/internal/api"
	"github.com/raaihank/pii-guard/internal/audit"
	"github.com/raaihank/pii-guard/internal/config"
	"github.com/raaihank/pii-guard/internal/extractor"
	"github.com/raaihank/pii-guard/internal/fpe"
	"github.com/raaihank/pii-guard/internal/guard"
	"github.com/raaihank/pii-guard/internal/logger"
	"github.com/raaihank/pii-guard/internal/masking"
	"github.com/raaihank/pii-guard/internal/policy"
	"github.com/raaihank/pii-guard/internal/privacy"
	"github.com/raaihank/pii-guard/internal/pseudonym"
	"github.com/raaihank/pii-guard/internal/session"
	"github.com/raaihank/pii-guard/internal/websocket"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
		healthURL   = flag.String("health-url", "http://localhost:8080/health", "URL used by -health-check")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pii-guard %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck {
		performHealthCheck(*healthURL)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting pii-guard",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The secret is read here and nowhere else.
	secret := []byte(os.Getenv(cfg.Guard.SecretEnv))

	app, err := build(ctx, cfg, secret, log)
	if err != nil {
		log.Fatal("Failed to initialize guard", zap.Error(err))
	}
	defer app.close()

	api.Version = version
	server := api.New(cfg, app.guard, log, api.Options{
		Hub:   app.hub,
		Rules: app.detector,
	})

	if err := config.Watch(func(next *config.Config) {
		app.reload(next, len(secret) > 0)
	}, func(err error) {
		log.Warn("Ignoring configuration change", zap.Error(err))
	}); err != nil {
		log.Info("Configuration hot reload disabled", zap.String("reason", err.Error()))
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- server.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		log.Info("Server shutdown complete")
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

// application holds the wired components and what must be closed on exit
type application struct {
	guard    *guard.Service
	detector *privacy.Detector
	hub      *websocket.Hub
	logger   *logger.Logger
	closers  []func() error
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error during shutdown", zap.Error(err))
		}
	}
}

// reload applies a changed configuration. Only the policy and the rule set
// change at runtime; stores and listeners keep their startup settings.
func (a *application) reload(cfg *config.Config, maskingAvailable bool) {
	pol, err := policy.Resolve(cfg.PolicyConfig(), maskingAvailable, a.logger.WithComponent("policy").Logger)
	if err != nil {
		a.logger.Warn("Reloaded policy rejected", zap.Error(err))
		return
	}
	if err := a.detector.Reconfigure(cfg.Privacy.Detectors); err != nil {
		a.logger.Warn("Reloaded detector list rejected", zap.Error(err))
		return
	}
	a.guard.SetPolicy(pol)
}

func build(ctx context.Context, cfg *config.Config, secret []byte, log *logger.Logger) (*application, error) {
	app := &application{logger: log}

	var ext extractor.Extractor = extractor.Noop{}
	if cfg.Extractor.Enabled {
		client, err := extractor.NewClient(extractor.Config{
			URL:           cfg.Extractor.URL,
			Model:         cfg.Extractor.Model,
			Timeout:       cfg.Extractor.Timeout,
			RatePerSecond: cfg.Extractor.RatePerSecond,
			Burst:         cfg.Extractor.Burst,
		}, log.WithComponent("extractor").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create extractor client: %w", err)
		}
		ext = client
	}

	detector, err := privacy.New(cfg.Privacy.Detectors, ext, log.WithComponent("privacy").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create privacy detector: %w", err)
	}
	app.detector = detector

	var orchestrator *masking.Orchestrator
	if len(secret) > 0 {
		p, err := pseudonym.New(secret)
		if err != nil {
			return nil, err
		}
		m, err := fpe.New(secret)
		if err != nil {
			return nil, err
		}
		orchestrator = masking.New(p, m, log.WithComponent("masking").Logger)
	}

	pol, err := policy.Resolve(cfg.PolicyConfig(), orchestrator != nil, log.WithComponent("policy").Logger)
	if err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	store, err := newSessionStore(ctx, cfg, log)
	if err != nil {
		app.close()
		return nil, err
	}
	app.closers = append(app.closers, store.Close)

	var sinks []audit.Sink
	if cfg.Audit.Postgres.DatabaseURL != "" {
		pg, err := audit.NewPostgresStore(cfg.Audit.Postgres, log.WithComponent("audit").Logger)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("failed to initialize audit store: %w", err)
		}
		app.closers = append(app.closers, pg.Close)
		sinks = append(sinks, pg)
	}

	if cfg.WebSocket.Enabled {
		app.hub = websocket.NewHub(&websocket.HubConfig{
			BroadcastAudit:       cfg.Audit.Broadcast,
			BroadcastConnections: cfg.WebSocket.BroadcastConnections,
			Username:             cfg.WebSocket.Username,
			Password:             cfg.WebSocket.Password,
			AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
			MaxConnections:       cfg.WebSocket.MaxConnections,
		}, log.WithComponent("websocket").Logger)
		go app.hub.Run(ctx)
		if cfg.Audit.Broadcast {
			sinks = append(sinks, audit.NewBroadcastSink(app.hub))
		}
	}

	recorder := audit.NewRecorder(log.WithComponent("audit").Logger, sinks...)

	svc, err := guard.New(guard.Options{
		Detector: detector,
		Masker:   orchestrator,
		Store:    store,
		Auditor:  recorder,
		Policy:   pol,
		Logger:   log.WithComponent("guard").Logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.guard = svc
	return app, nil
}

func newSessionStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (session.Store, error) {
	switch cfg.Session.Backend {
	case "redis":
		redisCfg := cfg.Session.Redis
		if redisCfg.IdleTTL == 0 {
			redisCfg.IdleTTL = cfg.Session.IdleTTL
		}
		store, err := session.NewRedisStore(redisCfg, log.WithComponent("session").Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis session store: %w", err)
		}
		return store, nil
	default:
		store := session.NewMemoryStore(log.WithComponent("session").Logger)
		store.StartJanitor(ctx, cfg.Session.SweepInterval, cfg.Session.IdleTTL)
		return store, nil
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(url string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
