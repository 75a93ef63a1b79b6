// Package audit records one PII-free event per guard operation.
//
// An Event holds identifiers, the mode name, per-type counts and latency.
// Nothing in this package accepts text, so raw PII, pseudonyms and masked
// output cannot reach the audit trail.
package audit

import (
	"context"
	"time"

	"github.com/raaihank/pii-guard/internal/entity"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp" db:"occurred_at"`
	TenantID  string         `json:"tenant_id" db:"tenant_id"`
	SessionID string         `json:"session_id,omitempty" db:"session_id"`
	Mode      string         `json:"mode" db:"mode"`
	Counts    map[string]int `json:"redactions" db:"-"`
	Total     int            `json:"total" db:"total"`
	LatencyMS float64        `json:"latency_ms" db:"latency_ms"`
}

// NewEvent builds an event. counts is copied.
func NewEvent(tenantID, sessionID, mode string, counts entity.Counts, duration time.Duration) Event {
	copied := make(map[string]int, len(counts))
	for k, v := range counts {
		copied[k] = v
	}
	return Event{
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Mode:      mode,
		Counts:    copied,
		Total:     counts.Total(),
		LatencyMS: float64(duration.Microseconds()) / 1000,
	}
}

// Sink receives audit events in addition to the log record.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

const defaultSinkTimeout = 2 * time.Second

// Recorder writes audit events to the structured log and any extra sinks.
type Recorder struct {
	logger      *zap.Logger
	sinks       []Sink
	sinkTimeout time.Duration
}

// NewRecorder creates a recorder logging through logger.
func NewRecorder(logger *zap.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		logger:      logger,
		sinks:       sinks,
		sinkTimeout: defaultSinkTimeout,
	}
}

// LogEvent records the outcome of one operation. It never fails the caller:
// sink errors are logged and dropped.
func (r *Recorder) LogEvent(ctx context.Context, tenantID, sessionID, mode string, counts entity.Counts, duration time.Duration) {
	r.Record(ctx, NewEvent(tenantID, sessionID, mode, counts, duration))
}

// Record writes a prepared event.
func (r *Recorder) Record(ctx context.Context, event Event) {
	fields := []zap.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("tenant_id", event.TenantID),
		zap.String("mode", event.Mode),
		zap.Any("redactions", event.Counts),
		zap.Int("total", event.Total),
		zap.Float64("latency_ms", event.LatencyMS),
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	r.logger.Info("redaction audit", fields...)

	if len(r.sinks) == 0 {
		return
	}

	// Sink writes outlive a cancelled request but not the sink timeout.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sinkTimeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.Write(sinkCtx, event); err != nil {
				r.logger.Warn("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Broadcaster publishes events to live subscribers.
type Broadcaster interface {
	PublishAudit(event Event)
}

// BroadcastSink forwards events to a Broadcaster.
type BroadcastSink struct {
	broadcaster Broadcaster
}

// NewBroadcastSink wraps b as a Sink.
func NewBroadcastSink(b Broadcaster) *BroadcastSink {
	return &BroadcastSink{broadcaster: b}
}

func (s *BroadcastSink) Name() string { return "broadcast" }

func (s *BroadcastSink) Write(_ context.Context, event Event) error {
	s.broadcaster.PublishAudit(event)
	return nil
}
