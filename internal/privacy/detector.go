package privacy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/extractor"
	"go.uber.org/zap"
)

// Detector handles PII detection
type Detector struct {
	rules     []DetectionRule
	enabled   map[string]bool
	extractor extractor.Extractor
	logger    *zap.Logger
	mu        sync.RWMutex
}

// New creates a new PII detector instance. detectors lists the rule names to
// enable; "all" enables every rule. A nil extractor is replaced by a no-op.
func New(detectors []string, ext extractor.Extractor, log *zap.Logger) (*Detector, error) {
	if ext == nil {
		ext = extractor.Noop{}
	}
	detector := &Detector{
		rules:     GetDefaultRules(),
		enabled:   make(map[string]bool),
		extractor: ext,
		logger:    log,
	}

	// Configure enabled detectors
	if err := detector.configureDetectors(detectors); err != nil {
		return nil, fmt.Errorf("failed to configure detectors: %w", err)
	}

	log.Info("Privacy detector initialized",
		zap.Int("total_rules", len(detector.rules)),
		zap.Int("enabled_rules", detector.countEnabledRules()),
		zap.Bool("extractor_enabled", ext.Enabled()),
	)

	return detector, nil
}

// configureDetectors enables/disables detectors based on configuration
func (d *Detector) configureDetectors(detectors []string) error {
	enabled, err := d.resolveDetectors(detectors)
	if err != nil {
		return err
	}
	d.enabled = enabled
	return nil
}

// resolveDetectors builds the enabled set without touching the detector
func (d *Detector) resolveDetectors(detectors []string) (map[string]bool, error) {
	// Disable all rules by default
	enabled := make(map[string]bool, len(d.rules))
	for _, rule := range d.rules {
		enabled[rule.Name] = false
	}

	for _, detector := range detectors {
		name := strings.ToLower(strings.TrimSpace(detector))
		if name == "all" {
			for _, rule := range d.rules {
				enabled[rule.Name] = true
			}
			continue
		}

		if _, ok := enabled[name]; !ok {
			return nil, fmt.Errorf("unknown detector: %s", detector)
		}
		enabled[name] = true
	}

	return enabled, nil
}

// Reconfigure replaces the enabled rule set. On error the current set is kept.
func (d *Detector) Reconfigure(detectors []string) error {
	enabled, err := d.resolveDetectors(detectors)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.enabled = enabled
	count := d.countEnabledRules()
	d.mu.Unlock()

	d.logger.Info("Detection rules reconfigured", zap.Int("enabled_rules", count))
	return nil
}

// Detect runs the enabled structural rules over text. The result is sorted by
// start offset and contains no overlapping spans: when two rules match
// overlapping text the rule listed first in GetDefaultRules wins.
func (d *Detector) Detect(text string) []entity.Detection {
	if text == "" {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var accepted []entity.Detection
	for _, rule := range d.rules {
		if !d.enabled[rule.Name] {
			continue
		}
		for _, loc := range rule.Pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*rule.Group], loc[2*rule.Group+1]
			if start < 0 || start >= end {
				continue
			}
			match := text[start:end]
			if rule.Validator != nil && !rule.Validator(match) {
				continue
			}
			candidate := entity.Detection{
				Start:      start,
				End:        end,
				Type:       rule.Type,
				Confidence: rule.Confidence,
				Text:       strings.Clone(match),
				Source:     entity.SourceRules,
			}
			if overlapsAny(accepted, candidate) {
				continue
			}
			accepted = append(accepted, candidate)
		}
	}

	sortByStart(accepted)
	return accepted
}

// DetectHybrid merges extractor findings into the rule-based result. Rule
// detections are produced first and win any overlap. Any extractor failure
// degrades to the rules-only result.
func (d *Detector) DetectHybrid(ctx context.Context, text string, ext extractor.Extractor) []entity.Detection {
	detections := d.Detect(text)
	return d.mergeExtracted(ctx, text, ext, detections)
}

// DetectWith dispatches on the request's detection method using the
// detector's configured extractor.
func (d *Detector) DetectWith(ctx context.Context, text string, method entity.Method) []entity.Detection {
	switch method {
	case entity.MethodAI:
		return d.mergeExtracted(ctx, text, d.extractor, nil)
	case entity.MethodHybrid:
		return d.DetectHybrid(ctx, text, d.extractor)
	default:
		return d.Detect(text)
	}
}

func (d *Detector) mergeExtracted(ctx context.Context, text string, ext extractor.Extractor, base []entity.Detection) []entity.Detection {
	if text == "" || ext == nil || !ext.Enabled() {
		return base
	}

	entities, err := ext.Extract(ctx, text)
	if err != nil {
		d.logger.Warn("Extractor unavailable, using rule-based detections only",
			zap.Error(err),
			zap.Int("rule_detections", len(base)),
		)
		return base
	}

	merged := make([]entity.Detection, len(base), len(base)+len(entities))
	copy(merged, base)
	added := 0
	for _, e := range entities {
		typ, err := entity.ParseType(e.EntityType)
		if err != nil || e.Text == "" {
			d.logger.Debug("Skipping extractor entity", zap.String("entity_type", e.EntityType))
			continue
		}
		for _, span := range findAll(text, e.Text) {
			candidate := entity.Detection{
				Start:      span,
				End:        span + len(e.Text),
				Type:       typ,
				Confidence: entity.ConfidenceMedium,
				Text:       strings.Clone(e.Text),
				Source:     entity.SourceExtractor,
			}
			if overlapsAny(merged, candidate) {
				continue
			}
			merged = append(merged, candidate)
			added++
		}
	}

	sortByStart(merged)
	d.logger.Debug("Hybrid detection merged",
		zap.Int("rule_detections", len(base)),
		zap.Int("extractor_detections", added),
	)
	return merged
}

// findAll returns the byte offsets of every non-overlapping occurrence of sub.
func findAll(text, sub string) []int {
	var offsets []int
	for i := 0; i <= len(text)-len(sub); {
		idx := strings.Index(text[i:], sub)
		if idx < 0 {
			break
		}
		offsets = append(offsets, i+idx)
		i += idx + len(sub)
	}
	return offsets
}

func overlapsAny(accepted []entity.Detection, candidate entity.Detection) bool {
	for _, a := range accepted {
		if a.Overlaps(candidate) {
			return true
		}
	}
	return false
}

func sortByStart(detections []entity.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Start < detections[j].Start
	})
}

// countEnabledRules returns the number of enabled detection rules
func (d *Detector) countEnabledRules() int {
	count := 0
	for _, enabled := range d.enabled {
		if enabled {
			count++
		}
	}
	return count
}

// Rules lists every rule in precedence order with its enabled state
func (d *Detector) Rules() []RuleInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]RuleInfo, 0, len(d.rules))
	for _, rule := range d.rules {
		infos = append(infos, RuleInfo{
			Name:       rule.Name,
			Type:       rule.Type,
			Confidence: rule.Confidence,
			Enabled:    d.enabled[rule.Name],
		})
	}
	return infos
}

// GetEnabledRules returns the names of enabled rules in precedence order
func (d *Detector) GetEnabledRules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var enabled []string
	for _, rule := range d.rules {
		if d.enabled[rule.Name] {
			enabled = append(enabled, rule.Name)
		}
	}
	return enabled
}

// EnableRule enables a specific detection rule
func (d *Detector) EnableRule(ruleName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.enabled[ruleName]; !exists {
		return fmt.Errorf("unknown rule: %s", ruleName)
	}
	d.enabled[ruleName] = true
	d.logger.Info("Detection rule enabled", zap.String("rule", ruleName))
	return nil
}

// DisableRule disables a specific detection rule
func (d *Detector) DisableRule(ruleName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.enabled[ruleName]; !exists {
		return fmt.Errorf("unknown rule: %s", ruleName)
	}
	d.enabled[ruleName] = false
	d.logger.Info("Detection rule disabled", zap.String("rule", ruleName))
	return nil
}
