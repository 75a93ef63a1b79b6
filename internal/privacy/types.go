package privacy

import (
	"regexp"

	"github.com/raaihank/pii-guard/internal/entity"
)

// DetectionRule represents a single structural PII detection rule
type DetectionRule struct {
	Name       string
	Type       entity.Type
	Pattern    *regexp.Regexp
	Confidence entity.Confidence
	// Group selects the capture group that forms the span; 0 is the whole match.
	Group int
	// Validator rejects structurally valid but impossible matches (optional).
	Validator func(match string) bool
}

// RuleInfo describes a rule and whether it is enabled
type RuleInfo struct {
	Name       string            `json:"name"`
	Type       entity.Type       `json:"type"`
	Confidence entity.Confidence `json:"confidence"`
	Enabled    bool              `json:"enabled"`
}
