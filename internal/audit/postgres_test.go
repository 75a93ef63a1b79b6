package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	store := NewPostgresStoreFromDB(sqlx.NewDb(db, "postgres"), zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func TestPostgresStoreMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS redaction_audit").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStoreWrite(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := Event{
		Timestamp: ts,
		TenantID:  "acme",
		SessionID: "s1",
		Mode:      "mask",
		Counts:    map[string]int{"EMAIL": 2},
		Total:     2,
		LatencyMS: 1.25,
	}

	mock.ExpectExec("INSERT INTO redaction_audit").
		WithArgs(ts, "acme", "s1", "mask", []byte(`{"EMAIL":2}`), 2, 1.25).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Write(context.Background(), event); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if store.Name() != "postgres" {
		t.Errorf("Name() = %q", store.Name())
	}
}

func TestPostgresStoreQuery(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	at := since.Add(time.Hour)

	columns := []string{"occurred_at", "tenant_id", "session_id", "mode", "redactions", "total", "latency_ms"}
	rows := sqlmock.NewRows(columns).
		AddRow(at, "acme", "s1", "mask", []byte(`{"EMAIL":2,"SSN":1}`), 3, 2.5).
		AddRow(at, "acme", "s2", "detect", []byte(`not json`), 1, 0.5)

	query := "SELECT occurred_at, tenant_id, session_id, mode, redactions, total, latency_ms FROM redaction_audit" +
		" WHERE tenant_id = $1 AND occurred_at >= $2 ORDER BY occurred_at LIMIT $3"
	mock.ExpectQuery(regexp.QuoteMeta(query)).
		WithArgs("acme", since, 10).
		WillReturnRows(rows)

	events, err := store.Query(context.Background(), QueryFilter{TenantID: "acme", Since: since, Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the unreadable row to be skipped, got %d events", len(events))
	}
	e := events[0]
	if e.SessionID != "s1" || e.Total != 3 || e.Counts["SSN"] != 1 || !e.Timestamp.Equal(at) {
		t.Errorf("unexpected event: %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresStoreQueryUnfiltered(t *testing.T) {
	store, mock := newMockStore(t)

	query := "SELECT occurred_at, tenant_id, session_id, mode, redactions, total, latency_ms FROM redaction_audit ORDER BY occurred_at"
	mock.ExpectQuery("^" + regexp.QuoteMeta(query) + "$").
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at", "tenant_id", "session_id", "mode", "redactions", "total", "latency_ms"}))

	events, err := store.Query(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	got := maskDatabaseURL("postgres://audit:s3cret@db:5432/audit?sslmode=disable")
	if got != "postgres://audit:xxxxx@db:5432/audit?sslmode=disable" {
		t.Errorf("maskDatabaseURL = %q", got)
	}
	if got := maskDatabaseURL("postgres://db/audit"); got != "postgres://db/audit" {
		t.Errorf("URL without credentials changed: %q", got)
	}
}
