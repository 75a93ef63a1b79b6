// Package extractor talks to the optional assisted entity extractor, an
// external NLP service that finds PII the structural rules cannot (names,
// free-form identifiers).
//
// The extractor is best-effort. Callers treat every error as "no additional
// entities"; nothing returned from here may fail a request.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Entity is one item of the extractor's response payload.
type Entity struct {
	EntityType string `json:"entity_type"`
	Text       string `json:"text"`
}

// Extractor finds entities in free text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
	Enabled() bool
}

// Noop is used whenever the extractor is disabled or not configured.
type Noop struct{}

func (Noop) Extract(context.Context, string) ([]Entity, error) { return nil, nil }
func (Noop) Enabled() bool                                     { return false }

var (
	// ErrRateLimited is returned when the local limiter refuses the call.
	ErrRateLimited = errors.New("extractor rate limit exceeded")
	// ErrMalformedResponse is returned when the payload cannot be decoded.
	ErrMalformedResponse = errors.New("malformed extractor response")
)

const defaultMaxResponseBytes = 10 << 20

// Config configures the HTTP client.
type Config struct {
	URL              string
	Model            string
	Timeout          time.Duration
	RatePerSecond    float64
	Burst            int
	MaxResponseBytes int64
}

// Client calls the extractor over HTTP.
//
// Without a Model the service is expected to accept {"text": "..."} and
// answer with a JSON array of entities (or {"entities": [...]}). With a Model
// the URL is treated as an Ollama-compatible /api/generate endpoint and the
// array is pulled out of the model's text response.
type Client struct {
	url        string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxBody    int64
	logger     *zap.Logger
}

// NewClient creates an extractor client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("extractor url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBytes
	}

	return &Client{
		url:        cfg.URL,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		maxBody:    maxBody,
		logger:     logger,
	}, nil
}

// Enabled always reports true for a constructed client.
func (c *Client) Enabled() bool { return true }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type extractRequest struct {
	Text string `json:"text"`
}

const promptTemplate = `Find personally identifiable information in the text below.
Return ONLY a JSON array. Each item must have:
- "entity_type": one of SSN, EMAIL, PHONE, CREDIT_CARD, PERSON, IP_ADDRESS, DATE_OF_BIRTH, ACCOUNT_NUMBER, NATIONAL_ID
- "text": the exact substring as it appears

Text:
%s`

// Extract sends text to the extractor and returns the entities it found.
func (c *Client) Extract(ctx context.Context, text string) ([]Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	var payload any = extractRequest{Text: text}
	if c.model != "" {
		payload = generateRequest{
			Model:  c.model,
			Prompt: fmt.Sprintf(promptTemplate, text),
			Stream: false,
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode extractor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create extractor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("extractor returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read extractor response: %w", err)
	}
	if int64(len(raw)) > c.maxBody {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrMalformedResponse, c.maxBody)
	}

	var entities []Entity
	if c.model != "" {
		entities, err = parseGenerateResponse(raw)
	} else {
		entities, err = parseEntities(raw)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Extractor call completed",
		zap.Int("entities", len(entities)),
		zap.Duration("duration", time.Since(start)),
	)
	return entities, nil
}

func parseEntities(raw []byte) ([]Entity, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrMalformedResponse
	}
	if trimmed[0] == '{' {
		var envelope struct {
			Entities []Entity `json:"entities"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return envelope.Entities, nil
	}
	var entities []Entity
	if err := json.Unmarshal(trimmed, &entities); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return entities, nil
}

// parseGenerateResponse pulls the first JSON array out of a model's free-text answer.
func parseGenerateResponse(raw []byte) ([]Entity, error) {
	var gen generateResponse
	if err := json.Unmarshal(raw, &gen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	answer := strings.TrimSpace(gen.Response)
	start := strings.Index(answer, "[")
	end := strings.LastIndex(answer, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("%w: no JSON array in model output", ErrMalformedResponse)
	}
	return parseEntities([]byte(answer[start : end+1]))
}
