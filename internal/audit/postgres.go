package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig contains database configuration for the audit store
type PostgresConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

const schema = `
CREATE TABLE IF NOT EXISTS redaction_audit (
	id          BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	tenant_id   TEXT NOT NULL,
	session_id  TEXT NOT NULL DEFAULT '',
	mode        TEXT NOT NULL,
	redactions  JSONB NOT NULL,
	total       INTEGER NOT NULL,
	latency_ms  DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS redaction_audit_tenant_time ON redaction_audit (tenant_id, occurred_at);`

// PostgresStore persists audit events (counts only) in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects to the database and ensures the audit table exists
func NewPostgresStore(config PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := NewPostgresStoreFromDB(db, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Audit store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

// NewPostgresStoreFromDB wraps an open database handle
func NewPostgresStoreFromDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the audit table if it is missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

// Write inserts one audit event
func (s *PostgresStore) Write(ctx context.Context, event Event) error {
	counts, err := json.Marshal(event.Counts)
	if err != nil {
		return fmt.Errorf("failed to encode redaction counts: %w", err)
	}

	query := `
		INSERT INTO redaction_audit (occurred_at, tenant_id, session_id, mode, redactions, total, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.db.ExecContext(ctx, query,
		event.Timestamp,
		event.TenantID,
		event.SessionID,
		event.Mode,
		counts,
		event.Total,
		event.LatencyMS,
	); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// QueryFilter narrows an audit query
type QueryFilter struct {
	TenantID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

type auditRow struct {
	OccurredAt time.Time `db:"occurred_at"`
	TenantID   string    `db:"tenant_id"`
	SessionID  string    `db:"session_id"`
	Mode       string    `db:"mode"`
	Redactions []byte    `db:"redactions"`
	Total      int       `db:"total"`
	LatencyMS  float64   `db:"latency_ms"`
}

// Query returns audit events in time order
func (s *PostgresStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		conditions = append(conditions, fmt.Sprintf("occurred_at < $%d", len(args)))
	}

	query := "SELECT occurred_at, tenant_id, session_id, mode, redactions, total, latency_ms FROM redaction_audit"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY occurred_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		counts := map[string]int{}
		if err := json.Unmarshal(row.Redactions, &counts); err != nil {
			s.logger.Warn("Skipping audit row with unreadable counts", zap.Error(err))
			continue
		}
		events = append(events, Event{
			Timestamp: row.OccurredAt,
			TenantID:  row.TenantID,
			SessionID: row.SessionID,
			Mode:      row.Mode,
			Counts:    counts,
			Total:     row.Total,
			LatencyMS: row.LatencyMS,
		})
	}
	return events, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// maskDatabaseURL hides the password in a database URL for logging
func maskDatabaseURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	return u.Redacted()
}
