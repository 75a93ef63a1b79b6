package policy

import (
	"errors"
	"testing"

	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/fpe"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestResolveDefaults(t *testing.T) {
	p, err := Resolve(Config{}, true, zap.NewNop())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Mode() != ModeMask {
		t.Errorf("default mode = %s, want mask", p.Mode())
	}
	if p.Threshold() != entity.ConfidenceMedium {
		t.Errorf("default threshold = %s, want medium", p.Threshold())
	}
	if p.StrategyFor(entity.TypePhone) != StrategyFormatPreserve {
		t.Error("PHONE should default to format_preserve")
	}
	if p.StrategyFor(entity.TypeEmail) != StrategyPseudonymize {
		t.Error("EMAIL should default to pseudonymize")
	}
	if p.PreserveFor(entity.TypeSSN) != (fpe.PreserveConfig{KeepTrailing: 4}) {
		t.Errorf("unexpected SSN preserve default: %+v", p.PreserveFor(entity.TypeSSN))
	}
}

func TestResolveDegradesWithoutSecret(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	p, err := Resolve(Config{Mode: "mask"}, false, zap.New(core))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if p.Mode() != ModeDetect || p.RequestedMode() != ModeMask || !p.Degraded() {
		t.Errorf("mode=%s requested=%s degraded=%v", p.Mode(), p.RequestedMode(), p.Degraded())
	}
	if p.ShouldMask() {
		t.Error("degraded policy must not mask")
	}
	if logs.FilterMessageSnippet("degraded to detect").Len() != 1 {
		t.Error("expected the downgrade to be logged once")
	}

	strict, _ := Resolve(Config{Mode: "strict"}, false, zap.NewNop())
	if strict.Mode() != ModeStrict || strict.Degraded() {
		t.Error("strict mode must not degrade without a secret")
	}
}

func TestResolveRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"mode", Config{Mode: "paranoid"}},
		{"threshold", Config{Threshold: "certain"}},
		{"strategy type", Config{Strategies: map[string]string{"passport": "skip"}}},
		{"strategy name", Config{Strategies: map[string]string{"email": "encrypt"}}},
		{"fpe on email", Config{Strategies: map[string]string{"email": "format_preserve"}}},
		{"preserve everything", Config{Preserve: map[string]fpe.PreserveConfig{"phone": {KeepLeading: 10}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Resolve(tt.cfg, true, zap.NewNop()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResolveStrategyTable(t *testing.T) {
	p, err := Resolve(Config{
		Strategies: map[string]string{"Person": "skip", "phone-number": "pseudonymize"},
		Preserve:   map[string]fpe.PreserveConfig{"national id": {KeepLeading: 2}},
	}, true, zap.NewNop())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.StrategyFor(entity.TypePerson) != StrategySkip {
		t.Error("PERSON strategy not applied")
	}
	if p.StrategyFor(entity.TypePhone) != StrategyPseudonymize {
		t.Error("PHONE strategy not applied")
	}
	if p.PreserveFor(entity.TypeNationalID) != (fpe.PreserveConfig{KeepLeading: 2}) {
		t.Error("NATIONAL_ID preserve not applied")
	}
}

func TestWithOverrides(t *testing.T) {
	base, _ := Resolve(Config{Mode: "mask", Threshold: "medium"}, true, zap.NewNop())

	if same := base.WithOverrides(Overrides{}, zap.NewNop()); same != base {
		t.Error("empty overrides should return the same policy")
	}

	strict := ModeStrict
	high := entity.ConfidenceHigh
	derived := base.WithOverrides(Overrides{Mode: &strict, Threshold: &high}, zap.NewNop())
	if derived.Mode() != ModeStrict || derived.Threshold() != entity.ConfidenceHigh {
		t.Errorf("override not applied: mode=%s threshold=%s", derived.Mode(), derived.Threshold())
	}
	if base.Mode() != ModeMask || base.Threshold() != entity.ConfidenceMedium {
		t.Error("overrides mutated the base policy")
	}

	noSecret, _ := Resolve(Config{Mode: "detect"}, false, zap.NewNop())
	mask := ModeMask
	if got := noSecret.WithOverrides(Overrides{Mode: &mask}, zap.NewNop()); got.Mode() != ModeDetect {
		t.Errorf("overridden mask without secret = %s, want detect", got.Mode())
	}
}

func TestCheckOverrides(t *testing.T) {
	off, detect, mask, strict := ModeOff, ModeDetect, ModeMask, ModeStrict
	low, high := entity.ConfidenceLow, entity.ConfidenceHigh

	unlocked, _ := Resolve(Config{Mode: "strict"}, true, zap.NewNop())
	if err := unlocked.CheckOverrides(Overrides{Mode: &off, Threshold: &high}); err != nil {
		t.Errorf("unlocked policy rejected override: %v", err)
	}

	locked, _ := Resolve(Config{Mode: "mask", Threshold: "medium", LockOverrides: true}, true, zap.NewNop())
	tests := []struct {
		name   string
		o      Overrides
		reject bool
	}{
		{"none", Overrides{}, false},
		{"off", Overrides{Mode: &off}, true},
		{"detect", Overrides{Mode: &detect}, true},
		{"same mode", Overrides{Mode: &mask}, false},
		{"strict", Overrides{Mode: &strict}, false},
		{"higher threshold", Overrides{Threshold: &high}, true},
		{"lower threshold", Overrides{Threshold: &low}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := locked.CheckOverrides(tt.o)
			if got := errors.Is(err, ErrOverrideRejected); got != tt.reject {
				t.Errorf("CheckOverrides = %v, want rejected=%v", err, tt.reject)
			}
		})
	}
}

func TestFilterAndStrict(t *testing.T) {
	detections := []entity.Detection{
		{Start: 0, End: 3, Type: entity.TypePerson, Confidence: entity.ConfidenceLow},
		{Start: 4, End: 9, Type: entity.TypeEmail, Confidence: entity.ConfidenceHigh},
		{Start: 10, End: 12, Type: entity.TypeSSN, Confidence: entity.ConfidenceMedium},
	}

	p, _ := Resolve(Config{Mode: "strict", Threshold: "medium"}, true, zap.NewNop())
	filtered := p.FilterDetections(detections)
	if len(filtered) != 2 || filtered[0].Type != entity.TypeEmail || filtered[1].Type != entity.TypeSSN {
		t.Fatalf("unexpected filter result: %+v", filtered)
	}

	err := p.ValidateStrict(filtered)
	var violation *ViolationError
	if !errors.As(err, &violation) || violation.Count != 2 {
		t.Fatalf("expected ViolationError{2}, got %v", err)
	}
	if !errors.Is(err, ErrPolicyViolation) {
		t.Error("ViolationError must wrap ErrPolicyViolation")
	}
	if err := p.ValidateStrict(nil); err != nil {
		t.Errorf("clean text failed strict: %v", err)
	}

	detect, _ := Resolve(Config{Mode: "detect"}, true, zap.NewNop())
	if err := detect.ValidateStrict(filtered); err != nil {
		t.Errorf("detect mode must not fail: %v", err)
	}
}

func TestModeGates(t *testing.T) {
	tests := []struct {
		mode   string
		detect bool
		mask   bool
	}{
		{"off", false, false},
		{"detect", true, false},
		{"mask", true, true},
		{"strict", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			p, err := Resolve(Config{Mode: tt.mode}, true, zap.NewNop())
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if p.ShouldDetect() != tt.detect || p.ShouldMask() != tt.mask {
				t.Errorf("ShouldDetect=%v ShouldMask=%v", p.ShouldDetect(), p.ShouldMask())
			}
		})
	}
}
