package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/pii-guard/internal/audit"
	"github.com/raaihank/pii-guard/internal/config"
	"github.com/raaihank/pii-guard/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path")
		output     = flag.String("output", "", "Output file (.parquet, .csv or .json)")
		tenant     = flag.String("tenant", "", "Only export events of this tenant")
		since      = flag.String("since", "", "Start of the window (RFC3339), or a duration such as 24h")
		until      = flag.String("until", "", "End of the window (RFC3339), exclusive")
		limit      = flag.Int("limit", 0, "Maximum number of events (0 = no limit)")
	)
	flag.Parse()

	if *output == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --output audit.parquet --since 24h\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --output acme.csv --tenant acme --since 2026-01-01T00:00:00Z\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Audit.Postgres.DatabaseURL == "" {
		log.Fatal("audit.postgres.database_url is not configured")
	}

	filter, err := buildFilter(*tenant, *since, *until, *limit, time.Now())
	if err != nil {
		log.Fatal("Invalid time window", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling export...")
		cancel()
	}()

	store, err := audit.NewPostgresStore(cfg.Audit.Postgres, log.Logger)
	if err != nil {
		log.Fatal("Failed to open audit store", zap.Error(err))
	}
	defer store.Close()

	start := time.Now()
	n, err := run(ctx, store, filter, *output)
	if err != nil {
		log.Fatal("Audit export failed", zap.Error(err))
	}

	log.Info("Audit export completed",
		zap.String("output", *output),
		zap.String("format", string(audit.DetectFileFormat(*output))),
		zap.Int("events", n),
		zap.Duration("duration", time.Since(start)),
	)
}

type querier interface {
	Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error)
}

func run(ctx context.Context, store querier, filter audit.QueryFilter, output string) (int, error) {
	events, err := store.Query(ctx, filter)
	if err != nil {
		return 0, err
	}

	file, err := os.Create(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	n, err := audit.Export(file, audit.DetectFileFormat(output), events)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// buildFilter parses the window flags. since accepts an RFC3339 time or a
// duration counted back from now.
func buildFilter(tenant, since, until string, limit int, now time.Time) (audit.QueryFilter, error) {
	filter := audit.QueryFilter{TenantID: tenant, Limit: limit}

	if since != "" {
		if d, err := time.ParseDuration(since); err == nil {
			filter.Since = now.Add(-d)
		} else {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return filter, fmt.Errorf("invalid --since %q: %w", since, err)
			}
			filter.Since = t
		}
	}

	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filter, fmt.Errorf("invalid --until %q: %w", until, err)
		}
		filter.Until = t
	}

	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Since.Before(filter.Until) {
		return filter, fmt.Errorf("--since must be before --until")
	}
	return filter, nil
}
