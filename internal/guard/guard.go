// Package guard wires detection, policy, masking, session state and audit
// into the four operations exposed to hosts: Scan, Apply, Reidentify and
// Flush.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/fpe"
	"github.com/raaihank/pii-guard/internal/masking"
	"github.com/raaihank/pii-guard/internal/policy"
	"github.com/raaihank/pii-guard/internal/pseudonym"
	"github.com/raaihank/pii-guard/internal/session"
	"go.uber.org/zap"
)

var (
	// ErrTenantRequired is returned when a request carries no tenant id.
	ErrTenantRequired = errors.New("tenant id is required")
	// ErrSessionRequired is returned when an operation needs a session id.
	ErrSessionRequired = errors.New("session id is required")
	// ErrInvalidPseudonym is returned for reidentify input that cannot be a
	// replacement this guard produced.
	ErrInvalidPseudonym = errors.New("malformed pseudonym")
	// ErrNotFound is returned when the session holds no mapping for the
	// pseudonym, including after a flush or expiry.
	ErrNotFound = errors.New("pseudonym not found in session")
)

// Detector finds PII spans with the requested method.
type Detector interface {
	DetectWith(ctx context.Context, text string, method entity.Method) []entity.Detection
}

// Auditor receives one PII-free record per audited operation.
type Auditor interface {
	LogEvent(ctx context.Context, tenantID, sessionID, mode string, counts entity.Counts, duration time.Duration)
}

// Options holds the collaborators of a Service.
type Options struct {
	Detector Detector
	// Masker is nil when no masking secret is configured.
	Masker  *masking.Orchestrator
	Store   session.Store
	Auditor Auditor
	Policy  *policy.Policy
	Logger  *zap.Logger
}

// Service is safe for concurrent use.
type Service struct {
	detector Detector
	masker   *masking.Orchestrator
	store    session.Store
	auditor  Auditor
	policy   atomic.Pointer[policy.Policy]
	logger   *zap.Logger
}

// New validates opts and builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Detector == nil {
		return nil, fmt.Errorf("guard: detector is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("guard: session store is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("guard: policy is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		detector: opts.Detector,
		masker:   opts.Masker,
		store:    opts.Store,
		auditor:  opts.Auditor,
		logger:   logger,
	}
	s.policy.Store(opts.Policy)
	return s, nil
}

// Policy returns the current default policy.
func (s *Service) Policy() *policy.Policy {
	return s.policy.Load()
}

// SetPolicy replaces the default policy for subsequent requests. Requests
// already in flight keep the policy they started with.
func (s *Service) SetPolicy(p *policy.Policy) {
	if p == nil {
		return
	}
	s.policy.Store(p)
	s.logger.Info("Guard policy updated",
		zap.String("mode", string(p.Mode())),
		zap.String("threshold", p.Threshold().String()),
	)
}

// MaskingAvailable reports whether a masking secret was configured.
func (s *Service) MaskingAvailable() bool {
	return s.masker != nil
}

// ScanRequest is a detect-only request.
type ScanRequest struct {
	Text     string
	TenantID string
	Method   entity.Method
}

// Scan returns the detections that pass the default policy's threshold.
// Nothing is masked or stored. In OFF mode nothing is detected.
func (s *Service) Scan(ctx context.Context, req ScanRequest) ([]entity.Detection, error) {
	if req.TenantID == "" {
		return nil, ErrTenantRequired
	}
	pol := s.Policy()
	if !pol.ShouldDetect() {
		return nil, nil
	}
	return pol.FilterDetections(s.detector.DetectWith(ctx, req.Text, req.Method)), nil
}

// ApplyRequest runs the full pipeline. Mode and Threshold, when set,
// override the default policy for this request only.
type ApplyRequest struct {
	Text      string
	TenantID  string
	SessionID string
	Method    entity.Method
	Mode      *policy.Mode
	Threshold *entity.Confidence
}

// ApplyResult is returned by Apply. SessionID is always set so the caller
// can reidentify later.
type ApplyResult struct {
	MaskedText string
	Redactions entity.Counts
	Detections []entity.Detection
	SessionID  string
	Mode       policy.Mode
}

// Apply detects, filters and, depending on the effective mode, masks text.
//
//   - OFF returns the text unchanged without detecting.
//   - DETECT returns the text unchanged with the filtered detections.
//   - STRICT fails with *policy.ViolationError when any detection passes
//     the threshold.
//   - MASK replaces every filtered detection and records the replacements
//     in the session.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if req.TenantID == "" {
		return nil, ErrTenantRequired
	}
	start := time.Now()

	overrides := policy.Overrides{Mode: req.Mode, Threshold: req.Threshold}
	if err := s.Policy().CheckOverrides(overrides); err != nil {
		return nil, err
	}
	pol := s.Policy().WithOverrides(overrides, s.logger)

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	result := &ApplyResult{
		MaskedText: req.Text,
		Redactions: entity.Counts{},
		SessionID:  sessionID,
		Mode:       pol.Mode(),
	}
	if !pol.ShouldDetect() {
		return result, nil
	}

	detections := pol.FilterDetections(s.detector.DetectWith(ctx, req.Text, req.Method))
	result.Detections = detections

	switch {
	case pol.Mode() == policy.ModeStrict:
		if err := pol.ValidateStrict(detections); err != nil {
			s.audit(ctx, pol, req.TenantID, sessionID, countTypes(detections), start)
			return nil, err
		}
		s.audit(ctx, pol, req.TenantID, sessionID, entity.Counts{}, start)
		return result, nil

	case pol.ShouldMask() && s.masker != nil:
		masked, err := s.masker.Mask(ctx, req.Text, detections, pol, session.Bind(s.store, sessionID), req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("mask text: %w", err)
		}
		result.MaskedText = masked.MaskedText
		result.Redactions = masked.Redactions
		s.audit(ctx, pol, req.TenantID, sessionID, masked.Redactions, start)
		return result, nil

	default:
		if pol.ShouldMask() {
			// No masker: report what was actually done.
			result.Mode = policy.ModeDetect
		}
		s.audit(ctx, pol, req.TenantID, sessionID, countTypes(detections), start)
		return result, nil
	}
}

// Reidentify returns the original text behind a replacement produced in
// the session. Authorization of the caller is the host's job.
func (s *Service) Reidentify(ctx context.Context, replacement, sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrSessionRequired
	}
	if !pseudonym.IsValid(replacement) && !fpe.IsMaskedShape(replacement) {
		return "", ErrInvalidPseudonym
	}

	original, ok, err := s.store.GetOriginal(ctx, sessionID, replacement)
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}

	fields := []zap.Field{zap.String("session_id", sessionID)}
	if typ, ok := pseudonym.TypeOf(replacement); ok {
		fields = append(fields, zap.String("entity_type", string(typ)))
	}
	s.logger.Info("Pseudonym reidentified", fields...)
	return original, nil
}

// Flush discards every mapping of the session. The id may be reused.
func (s *Service) Flush(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	if err := s.store.Flush(ctx, sessionID); err != nil {
		return fmt.Errorf("flush session: %w", err)
	}
	s.logger.Debug("Session flushed", zap.String("session_id", sessionID))
	return nil
}

func (s *Service) audit(ctx context.Context, pol *policy.Policy, tenantID, sessionID string, counts entity.Counts, start time.Time) {
	if s.auditor == nil || !pol.AuditEnabled() {
		return
	}
	if counts.Total() == 0 && !pol.AuditZeroCounts() {
		return
	}
	s.auditor.LogEvent(ctx, tenantID, sessionID, string(pol.Mode()), counts, time.Since(start))
}

func countTypes(detections []entity.Detection) entity.Counts {
	counts := entity.Counts{}
	for _, d := range detections {
		counts.Add(d.Type)
	}
	return counts
}
