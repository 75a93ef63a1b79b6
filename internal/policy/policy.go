// Package policy decides whether detection and masking run for a request,
// which detections qualify, and how each entity type is transformed.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/fpe"
	"go.uber.org/zap"
)

// Mode is the guard's operating mode.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeDetect Mode = "detect"
	ModeMask   Mode = "mask"
	ModeStrict Mode = "strict"
)

// ParseMode parses a mode name (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeDetect, ModeMask, ModeStrict:
		return m, nil
	}
	return "", fmt.Errorf("invalid guard mode: %q (must be off, detect, mask, or strict)", s)
}

// rank orders modes from least to most protective.
func (m Mode) rank() int {
	switch m {
	case ModeDetect:
		return 1
	case ModeMask:
		return 2
	case ModeStrict:
		return 3
	}
	return 0
}

// Strategy selects how one entity type is replaced.
type Strategy string

const (
	StrategyPseudonymize   Strategy = "pseudonymize"
	StrategyFormatPreserve Strategy = "format_preserve"
	StrategySkip           Strategy = "skip"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyPseudonymize, StrategyFormatPreserve, StrategySkip:
		return st, nil
	}
	return "", fmt.Errorf("invalid masking strategy: %q (must be pseudonymize, format_preserve, or skip)", s)
}

// ErrPolicyViolation is wrapped by every ViolationError.
var ErrPolicyViolation = errors.New("strict mode policy violation")

// ViolationError is returned in strict mode when qualifying PII is present.
type ViolationError struct {
	Count int
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %d PII detection(s)", ErrPolicyViolation, e.Count)
}

func (e *ViolationError) Unwrap() error { return ErrPolicyViolation }

// ErrOverrideRejected is returned for a request override that would weaken a
// policy with locked overrides.
var ErrOverrideRejected = errors.New("override weakens the locked default policy")

// Config is the textual policy as it appears in configuration files.
type Config struct {
	Mode       string                        `yaml:"mode" mapstructure:"mode"`
	Threshold  string                        `yaml:"threshold" mapstructure:"threshold"`
	Strategies map[string]string             `yaml:"strategies" mapstructure:"strategies"`
	Preserve   map[string]fpe.PreserveConfig `yaml:"preserve" mapstructure:"preserve"`
	Audit      AuditConfig                   `yaml:"audit" mapstructure:"audit"`

	// LockOverrides rejects request overrides that choose a less protective
	// mode or a higher threshold than the default.
	LockOverrides bool `yaml:"lock_overrides" mapstructure:"lock_overrides"`
}

// AuditConfig toggles audit recording for masking operations.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	ZeroCounts bool `yaml:"zero_counts" mapstructure:"zero_counts"`
}

// Policy is immutable once built. Use WithOverrides to derive a per-request
// variant.
type Policy struct {
	mode             Mode
	requested        Mode
	threshold        entity.Confidence
	strategies       map[entity.Type]Strategy
	preserve         map[entity.Type]fpe.PreserveConfig
	auditEnabled     bool
	auditZeroCounts  bool
	maskingAvailable bool
	lockOverrides    bool
}

func defaultStrategies() map[entity.Type]Strategy {
	strategies := make(map[entity.Type]Strategy, len(entity.All()))
	for _, t := range entity.All() {
		strategies[t] = StrategyPseudonymize
	}
	strategies[entity.TypePhone] = StrategyFormatPreserve
	strategies[entity.TypeNationalID] = StrategyFormatPreserve
	return strategies
}

// Resolve builds the startup policy. maskingAvailable is false when no
// masking secret is configured; a requested mask mode then degrades to
// detect and the downgrade is logged.
func Resolve(cfg Config, maskingAvailable bool, logger *zap.Logger) (*Policy, error) {
	mode := ModeMask
	if cfg.Mode != "" {
		m, err := ParseMode(cfg.Mode)
		if err != nil {
			return nil, err
		}
		mode = m
	}

	threshold := entity.ConfidenceMedium
	if cfg.Threshold != "" {
		c, err := entity.ParseConfidence(cfg.Threshold)
		if err != nil {
			return nil, err
		}
		threshold = c
	}

	strategies := defaultStrategies()
	for name, value := range cfg.Strategies {
		typ, err := entity.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("strategy table: %w", err)
		}
		st, err := ParseStrategy(value)
		if err != nil {
			return nil, fmt.Errorf("strategy for %s: %w", typ, err)
		}
		if st == StrategyFormatPreserve && !fpe.Supports(typ) {
			return nil, fmt.Errorf("strategy for %s: format_preserve requires a fixed-digit entity type", typ)
		}
		strategies[typ] = st
	}

	preserve := make(map[entity.Type]fpe.PreserveConfig)
	for name, pc := range cfg.Preserve {
		typ, err := entity.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("preserve table: %w", err)
		}
		if err := pc.Validate(typ); err != nil {
			return nil, fmt.Errorf("preserve table: %w", err)
		}
		preserve[typ] = pc
	}

	p := &Policy{
		requested:        mode,
		threshold:        threshold,
		strategies:       strategies,
		preserve:         preserve,
		auditEnabled:     cfg.Audit.Enabled,
		auditZeroCounts:  cfg.Audit.ZeroCounts,
		maskingAvailable: maskingAvailable,
		lockOverrides:    cfg.LockOverrides,
	}
	p.mode = p.effectiveMode(mode, logger)
	return p, nil
}

func (p *Policy) effectiveMode(requested Mode, logger *zap.Logger) Mode {
	if requested == ModeMask && !p.maskingAvailable {
		logger.Warn("Masking secret not configured, guard degraded to detect mode",
			zap.String("requested_mode", string(requested)),
			zap.String("effective_mode", string(ModeDetect)),
		)
		return ModeDetect
	}
	return requested
}

// Overrides are caller-supplied adjustments layered on the default policy.
type Overrides struct {
	Mode      *Mode
	Threshold *entity.Confidence
}

// CheckOverrides returns ErrOverrideRejected when the policy locks overrides
// and o asks for a weaker mode or a higher threshold than p.
func (p *Policy) CheckOverrides(o Overrides) error {
	if !p.lockOverrides {
		return nil
	}
	if o.Mode != nil && o.Mode.rank() < p.mode.rank() {
		return fmt.Errorf("%w: mode %s below %s", ErrOverrideRejected, *o.Mode, p.mode)
	}
	if o.Threshold != nil && *o.Threshold > p.threshold {
		return fmt.Errorf("%w: threshold %s above %s", ErrOverrideRejected, *o.Threshold, p.threshold)
	}
	return nil
}

// WithOverrides returns a copy of p with the overrides applied. The same
// degradation rule as Resolve applies to an overridden mode.
func (p *Policy) WithOverrides(o Overrides, logger *zap.Logger) *Policy {
	if o.Mode == nil && o.Threshold == nil {
		return p
	}
	derived := *p
	if o.Threshold != nil {
		derived.threshold = *o.Threshold
	}
	if o.Mode != nil {
		derived.requested = *o.Mode
		derived.mode = derived.effectiveMode(*o.Mode, logger)
	}
	return &derived
}

// Mode returns the effective mode.
func (p *Policy) Mode() Mode { return p.mode }

// RequestedMode returns the mode asked for before degradation.
func (p *Policy) RequestedMode() Mode { return p.requested }

// Degraded reports whether the effective mode differs from the requested one.
func (p *Policy) Degraded() bool { return p.mode != p.requested }

// Threshold returns the minimum confidence a detection needs to qualify.
func (p *Policy) Threshold() entity.Confidence { return p.threshold }

// ShouldDetect reports whether detection runs at all.
func (p *Policy) ShouldDetect() bool { return p.mode != ModeOff }

// ShouldMask reports whether text is rewritten.
func (p *Policy) ShouldMask() bool { return p.mode == ModeMask }

// FilterDetections keeps the detections at or above the threshold, in order.
func (p *Policy) FilterDetections(detections []entity.Detection) []entity.Detection {
	filtered := make([]entity.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence.AtLeast(p.threshold) {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// ValidateStrict fails in strict mode when any detection is present. Pass the
// filtered list. Other modes always succeed.
func (p *Policy) ValidateStrict(detections []entity.Detection) error {
	if p.mode == ModeStrict && len(detections) > 0 {
		return &ViolationError{Count: len(detections)}
	}
	return nil
}

// StrategyFor returns the replacement strategy for typ.
func (p *Policy) StrategyFor(typ entity.Type) Strategy {
	if st, ok := p.strategies[typ]; ok {
		return st
	}
	return StrategyPseudonymize
}

// PreserveFor returns the format-preserving layout for typ.
func (p *Policy) PreserveFor(typ entity.Type) fpe.PreserveConfig {
	if pc, ok := p.preserve[typ]; ok {
		return pc
	}
	return fpe.DefaultPreserve(typ)
}

// AuditEnabled reports whether masking operations are audited.
func (p *Policy) AuditEnabled() bool { return p.auditEnabled }

// AuditZeroCounts reports whether operations with no redactions are audited too.
func (p *Policy) AuditZeroCounts() bool { return p.auditZeroCounts }
