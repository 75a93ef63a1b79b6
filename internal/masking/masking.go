// Package masking rewrites detected spans with pseudonyms or
// format-preserving masks and records the replacements in the session.
package masking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/fpe"
	"github.com/raaihank/pii-guard/internal/policy"
	"github.com/raaihank/pii-guard/internal/pseudonym"
	"go.uber.org/zap"
)

// Mapping is the session state the orchestrator reads and writes.
type Mapping interface {
	GetPseudonym(ctx context.Context, original string) (string, bool, error)
	GetOriginal(ctx context.Context, pseudonym string) (string, bool, error)
	Insert(ctx context.Context, pseudonym, original string) error
}

// Result is the outcome of one masking operation.
type Result struct {
	MaskedText string
	Redactions entity.Counts
}

// Orchestrator applies per-type strategies to detections.
type Orchestrator struct {
	pseudonymizer *pseudonym.Pseudonymizer
	masker        *fpe.Masker
	logger        *zap.Logger
}

// New creates an orchestrator. Both transforms are keyed by the caller.
func New(p *pseudonym.Pseudonymizer, m *fpe.Masker, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{pseudonymizer: p, masker: m, logger: logger}
}

// Mask replaces every detection in text left to right. A value already seen
// in the session reuses its replacement; new replacements are inserted into
// the mapping before they are used. Detections overlapping an earlier
// replaced span are ignored.
//
// On a mapping error the operation stops; entries inserted so far stay in
// the session.
func (o *Orchestrator) Mask(ctx context.Context, text string, detections []entity.Detection, pol *policy.Policy, mapping Mapping, tenantID string) (*Result, error) {
	result := &Result{MaskedText: text, Redactions: entity.Counts{}}
	if len(detections) == 0 {
		return result, nil
	}

	ordered := make([]entity.Detection, len(detections))
	copy(ordered, detections)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, d := range ordered {
		if d.Start < cursor || d.Start >= d.End || d.End > len(text) {
			continue
		}
		strategy := pol.StrategyFor(d.Type)
		if strategy == policy.StrategySkip {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		original := text[d.Start:d.End]
		replacement, err := o.replacementFor(ctx, original, d.Type, strategy, pol, mapping, tenantID)
		if err != nil {
			return nil, err
		}

		b.WriteString(text[cursor:d.Start])
		b.WriteString(replacement)
		cursor = d.End
		result.Redactions.Add(d.Type)
	}
	b.WriteString(text[cursor:])
	result.MaskedText = b.String()
	return result, nil
}

func (o *Orchestrator) replacementFor(ctx context.Context, original string, typ entity.Type, strategy policy.Strategy, pol *policy.Policy, mapping Mapping, tenantID string) (string, error) {
	existing, ok, err := mapping.GetPseudonym(ctx, original)
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}
	if ok && o.issuedFor(existing, original, typ, pol, tenantID) {
		return existing, nil
	}

	replacement := ""
	if strategy == policy.StrategyFormatPreserve {
		replacement = o.formatPreserve(ctx, original, typ, pol, mapping, tenantID)
	}
	if replacement == "" {
		replacement = o.pseudonymizer.Pseudonymize(original, typ, tenantID)
	}

	if err := mapping.Insert(ctx, replacement, original); err != nil {
		return "", fmt.Errorf("session insert: %w", err)
	}
	return replacement, nil
}

// issuedFor reports whether replacement is what original maps to for this
// type and tenant. Entries left in the session by another type or tenant are
// not reused.
func (o *Orchestrator) issuedFor(replacement, original string, typ entity.Type, pol *policy.Policy, tenantID string) bool {
	if replacement == o.pseudonymizer.Pseudonymize(original, typ, tenantID) {
		return true
	}
	if o.masker == nil || !fpe.Supports(typ) {
		return false
	}
	masked, err := o.masker.Mask(original, typ, tenantID, pol.PreserveFor(typ))
	return err == nil && masked == replacement
}

// formatPreserve returns "" when the value cannot be masked in place, or when
// the mask already stands for another value in this session.
func (o *Orchestrator) formatPreserve(ctx context.Context, original string, typ entity.Type, pol *policy.Policy, mapping Mapping, tenantID string) string {
	if o.masker == nil {
		return ""
	}
	masked, err := o.masker.Mask(original, typ, tenantID, pol.PreserveFor(typ))
	if err != nil {
		var formatErr *fpe.FormatError
		switch {
		case errors.As(err, &formatErr):
			o.logger.Debug("Value does not fit format, falling back to pseudonymization",
				zap.String("entity_type", string(typ)),
				zap.Int("digits", formatErr.Got),
			)
		case errors.Is(err, fpe.ErrUnsupportedType):
			o.logger.Debug("Format-preserving masking unsupported, falling back to pseudonymization",
				zap.String("entity_type", string(typ)),
			)
		default:
			o.logger.Warn("Format-preserving masking failed, falling back to pseudonymization",
				zap.String("entity_type", string(typ)),
				zap.Error(err),
			)
		}
		return ""
	}

	if prior, taken, err := mapping.GetOriginal(ctx, masked); err == nil && taken && prior != original {
		o.logger.Debug("Format-preserving mask collision, falling back to pseudonymization",
			zap.String("entity_type", string(typ)),
		)
		return ""
	}
	return masked
}
