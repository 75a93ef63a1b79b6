package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/raaihank/pii-guard/internal/config"
	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/guard"
	"github.com/raaihank/pii-guard/internal/logger"
	"github.com/raaihank/pii-guard/internal/policy"
	"go.uber.org/zap"
)

type fakeGuard struct {
	pol *policy.Policy

	detections []entity.Detection
	result     *guard.ApplyResult
	original   string
	err        error

	lastScan    guard.ScanRequest
	lastApply   guard.ApplyRequest
	lastFlushed string
}

func (f *fakeGuard) Scan(_ context.Context, req guard.ScanRequest) ([]entity.Detection, error) {
	f.lastScan = req
	return f.detections, f.err
}

func (f *fakeGuard) Apply(_ context.Context, req guard.ApplyRequest) (*guard.ApplyResult, error) {
	f.lastApply = req
	return f.result, f.err
}

func (f *fakeGuard) Reidentify(context.Context, string, string) (string, error) {
	return f.original, f.err
}

func (f *fakeGuard) Flush(_ context.Context, sessionID string) error {
	f.lastFlushed = sessionID
	return f.err
}

func (f *fakeGuard) Policy() *policy.Policy { return f.pol }
func (f *fakeGuard) MaskingAvailable() bool { return true }

type denyAll struct{}

func (denyAll) AuthorizeReidentify(*http.Request, string, string) error { return ErrForbidden }

func newTestServer(t *testing.T, g *fakeGuard, mutate func(*config.Config), opts Options) http.Handler {
	t.Helper()
	if g.pol == nil {
		pol, err := policy.Resolve(policy.Config{Mode: "mask"}, true, zap.NewNop())
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		g.pol = pol
	}
	cfg := config.GetDefaults()
	cfg.Server.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg, g, &logger.Logger{Logger: zap.NewNop()}, opts).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[http.CanonicalHeaderKey(k)] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return out
}

func TestHandleScan(t *testing.T) {
	g := &fakeGuard{detections: []entity.Detection{
		{Start: 0, End: 11, Type: entity.TypeSSN, Confidence: entity.ConfidenceHigh, Text: "123-45-6789", Source: entity.SourceRules},
	}}
	h := newTestServer(t, g, nil, Options{})

	rec := do(t, h, http.MethodPost, "/v1/scan", `{"text":"123-45-6789","tenant_id":"acme","detection_method":"hybrid"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if g.lastScan.TenantID != "acme" || g.lastScan.Method != entity.MethodHybrid {
		t.Errorf("unexpected scan request: %+v", g.lastScan)
	}
	detections := decodeBody(t, rec)["detections"].([]any)
	first := detections[0].(map[string]any)
	if first["type"] != "SSN" || first["confidence"] != "high" {
		t.Errorf("unexpected detection: %v", first)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestHandleScanEmpty(t *testing.T) {
	h := newTestServer(t, &fakeGuard{}, nil, Options{})

	rec := do(t, h, http.MethodPost, "/v1/scan", `{"text":"hello"}`, http.Header{TenantHeader: {"acme"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"detections":[]`) {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHandleApply(t *testing.T) {
	t.Run("mask", func(t *testing.T) {
		g := &fakeGuard{result: &guard.ApplyResult{
			MaskedText: "mail EMAIL_0123456789abcdef",
			Redactions: entity.Counts{"EMAIL": 1},
			Detections: []entity.Detection{{Type: entity.TypeEmail}},
			SessionID:  "s1",
			Mode:       policy.ModeMask,
		}}
		h := newTestServer(t, g, nil, Options{})

		body := `{"text":"mail alice@example.com","session_id":"s1","mode":"mask","threshold":"high"}`
		rec := do(t, h, http.MethodPost, "/v1/apply", body, http.Header{TenantHeader: {"acme"}})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if g.lastApply.TenantID != "acme" || g.lastApply.SessionID != "s1" {
			t.Errorf("unexpected apply request: %+v", g.lastApply)
		}
		if g.lastApply.Mode == nil || *g.lastApply.Mode != policy.ModeMask {
			t.Error("mode override not passed")
		}
		if g.lastApply.Threshold == nil || *g.lastApply.Threshold != entity.ConfidenceHigh {
			t.Error("threshold override not passed")
		}
		resp := decodeBody(t, rec)
		if resp["masked_text"] != "mail EMAIL_0123456789abcdef" || resp["session_id"] != "s1" {
			t.Errorf("unexpected response: %v", resp)
		}
		if _, ok := resp["detections"]; ok {
			t.Error("mask response must not carry detections")
		}
	})

	t.Run("detect", func(t *testing.T) {
		g := &fakeGuard{result: &guard.ApplyResult{
			MaskedText: "text",
			Redactions: entity.Counts{},
			Detections: []entity.Detection{{Type: entity.TypeEmail}},
			SessionID:  "s1",
			Mode:       policy.ModeDetect,
		}}
		h := newTestServer(t, g, nil, Options{})

		rec := do(t, h, http.MethodPost, "/v1/apply", `{"text":"text","tenant_id":"acme"}`, nil)
		if _, ok := decodeBody(t, rec)["detections"]; !ok {
			t.Error("detect response should carry detections")
		}
		if g.lastApply.Mode != nil || g.lastApply.Threshold != nil {
			t.Error("absent overrides should stay nil")
		}
	})

	t.Run("bad override", func(t *testing.T) {
		h := newTestServer(t, &fakeGuard{}, nil, Options{})
		for _, body := range []string{
			`{"text":"x","tenant_id":"acme","mode":"paranoid"}`,
			`{"text":"x","tenant_id":"acme","threshold":"certain"}`,
			`{"text":"x","tenant_id":"acme","detection_method":"llm"}`,
			`{"text":`,
		} {
			if rec := do(t, h, http.MethodPost, "/v1/apply", body, nil); rec.Code != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", body, rec.Code)
			}
		}
	})
}

func TestGuardErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"violation", &policy.ViolationError{Count: 2}, http.StatusUnprocessableEntity},
		{"locked override", fmt.Errorf("%w: mode off below strict", policy.ErrOverrideRejected), http.StatusForbidden},
		{"tenant", guard.ErrTenantRequired, http.StatusBadRequest},
		{"malformed", guard.ErrInvalidPseudonym, http.StatusBadRequest},
		{"not found", guard.ErrNotFound, http.StatusNotFound},
		{"internal", errors.New("redis: connection refused to 10.0.0.5"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &fakeGuard{err: tt.err}, nil, Options{})
			rec := do(t, h, http.MethodPost, "/v1/apply", `{"text":"x","tenant_id":"acme"}`, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			resp := decodeBody(t, rec)
			if tt.want == http.StatusUnprocessableEntity && resp["violations"] != float64(2) {
				t.Errorf("violations = %v", resp["violations"])
			}
			if tt.want == http.StatusInternalServerError && resp["error"] != "internal server error" {
				t.Errorf("internal error leaked: %v", resp["error"])
			}
		})
	}
}

func TestHandleReidentify(t *testing.T) {
	body := `{"pseudonym":"EMAIL_0123456789abcdef","session_id":"s1","tenant_id":"acme"}`

	t.Run("ok", func(t *testing.T) {
		h := newTestServer(t, &fakeGuard{original: "alice@example.com"}, nil, Options{})
		rec := do(t, h, http.MethodPost, "/v1/reidentify", body, nil)
		if rec.Code != http.StatusOK || decodeBody(t, rec)["original"] != "alice@example.com" {
			t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("forbidden", func(t *testing.T) {
		h := newTestServer(t, &fakeGuard{original: "alice@example.com"}, nil, Options{Authorizer: denyAll{}})
		rec := do(t, h, http.MethodPost, "/v1/reidentify", body, nil)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "alice") {
			t.Error("refused response leaked the original")
		}
	})
}

func TestHandleFlush(t *testing.T) {
	g := &fakeGuard{}
	h := newTestServer(t, g, nil, Options{})

	rec := do(t, h, http.MethodDelete, "/v1/sessions/s-42", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if g.lastFlushed != "s-42" {
		t.Errorf("flushed %q", g.lastFlushed)
	}
}

func TestBodyLimit(t *testing.T) {
	h := newTestServer(t, &fakeGuard{}, func(c *config.Config) { c.Server.MaxBodyBytes = 32 }, Options{})

	body := `{"text":"` + strings.Repeat("a", 100) + `","tenant_id":"acme"}`
	if rec := do(t, h, http.MethodPost, "/v1/scan", body, nil); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, &fakeGuard{}, func(c *config.Config) {
		c.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	}, Options{})
	acme := http.Header{TenantHeader: {"acme"}}

	if rec := do(t, h, http.MethodPost, "/v1/scan", `{"text":"x"}`, acme); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/v1/scan", `{"text":"x"}`, acme)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("second request status = %d", rec.Code)
	}

	// other tenants have their own bucket
	if rec := do(t, h, http.MethodPost, "/v1/scan", `{"text":"x"}`, http.Header{TenantHeader: {"globex"}}); rec.Code != http.StatusOK {
		t.Errorf("other tenant status = %d", rec.Code)
	}
}

func TestRateLimitBodyTenant(t *testing.T) {
	h := newTestServer(t, &fakeGuard{}, func(c *config.Config) {
		c.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	}, Options{})

	first := do(t, h, http.MethodPost, "/v1/scan", `{"text":"x","tenant_id":"acme"}`, http.Header{"X-Forwarded-For": {"10.0.0.1"}})
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
	// same body tenant from another claimed address shares the bucket
	second := do(t, h, http.MethodPost, "/v1/scan", `{"text":"x","tenant_id":"acme"}`, http.Header{"X-Forwarded-For": {"10.0.0.2"}})
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("body tenant status = %d, want 429", second.Code)
	}
	// the header tenant resolves to the same key
	third := do(t, h, http.MethodPost, "/v1/scan", `{"text":"x"}`, http.Header{TenantHeader: {"acme"}})
	if third.Code != http.StatusTooManyRequests {
		t.Errorf("header tenant status = %d, want 429", third.Code)
	}
}

func TestRateLimitForwardedFor(t *testing.T) {
	limited := func(c *config.Config) {
		c.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	}

	t.Run("untrusted", func(t *testing.T) {
		h := newTestServer(t, &fakeGuard{}, limited, Options{})
		do(t, h, http.MethodPost, "/v1/scan", `{"text":"x"}`, http.Header{"X-Forwarded-For": {"10.0.0.1"}})
		rec := do(t, h, http.MethodPost, "/v1/scan", `{"text":"x"}`, http.Header{"X-Forwarded-For": {"10.0.0.2"}})
		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("spoofed header bypassed the limit: status %d", rec.Code)
		}
	})

	t.Run("trusted", func(t *testing.T) {
		h := newTestServer(t, &fakeGuard{}, func(c *config.Config) {
			limited(c)
			c.Server.TrustProxyHeaders = true
		}, Options{})
		do(t, h, http.MethodPost, "/v1/scan", `{"text":"x"}`, http.Header{"X-Forwarded-For": {"10.0.0.1, 172.16.0.1"}})
		rec := do(t, h, http.MethodPost, "/v1/scan", `{"text":"x"}`, http.Header{"X-Forwarded-For": {"10.0.0.2, 172.16.0.1"}})
		if rec.Code != http.StatusOK {
			t.Errorf("distinct forwarded clients share a bucket: status %d", rec.Code)
		}
	})
}

func TestHealthAndInfo(t *testing.T) {
	h := newTestServer(t, &fakeGuard{}, nil, Options{})

	if rec := do(t, h, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/health status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/info", "", nil)
	info := decodeBody(t, rec)
	if info["mode"] != "mask" || info["threshold"] != "medium" || info["masking_available"] != true {
		t.Errorf("unexpected info: %v", info)
	}
	if info["session_backend"] != "memory" {
		t.Errorf("session_backend = %v", info["session_backend"])
	}
}
