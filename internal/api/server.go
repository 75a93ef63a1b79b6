// Package api exposes the guard over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/pii-guard/internal/config"
	"github.com/raaihank/pii-guard/internal/entity"
	"github.com/raaihank/pii-guard/internal/guard"
	"github.com/raaihank/pii-guard/internal/logger"
	"github.com/raaihank/pii-guard/internal/policy"
	"github.com/raaihank/pii-guard/internal/websocket"
	"go.uber.org/zap"
)

// Version is reported by /info
var Version = "dev"

// Guard is the subset of guard.Service the HTTP host calls
type Guard interface {
	Scan(ctx context.Context, req guard.ScanRequest) ([]entity.Detection, error)
	Apply(ctx context.Context, req guard.ApplyRequest) (*guard.ApplyResult, error)
	Reidentify(ctx context.Context, pseudonym, sessionID string) (string, error)
	Flush(ctx context.Context, sessionID string) error
	Policy() *policy.Policy
	MaskingAvailable() bool
}

// ErrForbidden is returned by an Authorizer to refuse a reidentify call
var ErrForbidden = errors.New("forbidden")

// Authorizer decides who may reverse pseudonyms. The organization's access
// control layer plugs in here.
type Authorizer interface {
	AuthorizeReidentify(r *http.Request, tenantID, sessionID string) error
}

// AllowAll authorizes every caller
type AllowAll struct{}

func (AllowAll) AuthorizeReidentify(*http.Request, string, string) error { return nil }

// RuleLister reports the enabled detection rules for /info
type RuleLister interface {
	GetEnabledRules() []string
}

// Options holds optional collaborators
type Options struct {
	Hub        *websocket.Hub
	Authorizer Authorizer
	Rules      RuleLister
}

// Server represents the HTTP host
type Server struct {
	config       *config.Config
	logger       *logger.Logger
	guard        Guard
	hub          *websocket.Hub
	authorizer   Authorizer
	rules        RuleLister
	limiter      *RateLimiter
	maxBodyBytes int64
	router       *mux.Router
	server       *http.Server
	started      time.Time
}

// New creates a new server instance
func New(cfg *config.Config, g Guard, log *logger.Logger, opts Options) *Server {
	authorizer := opts.Authorizer
	if authorizer == nil {
		authorizer = AllowAll{}
	}

	s := &Server{
		config:       cfg,
		logger:       log.WithComponent("api"),
		guard:        g,
		hub:          opts.Hub,
		authorizer:   authorizer,
		rules:        opts.Rules,
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		router:       mux.NewRouter(),
		started:      time.Now(),
	}
	if cfg.Server.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.hub != nil {
		path := s.config.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		s.router.HandleFunc(path, s.hub.HandleWebSocket).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.loggingMiddleware)
	v1.Use(s.bodyLimitMiddleware)
	v1.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	v1.HandleFunc("/apply", s.handleApply).Methods(http.MethodPost)
	v1.HandleFunc("/reidentify", s.handleReidentify).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", s.handleFlush).Methods(http.MethodDelete)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and the limiter cleanup
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting PII guard server",
		zap.Int("port", s.config.Server.Port),
		zap.String("mode", string(s.guard.Policy().Mode())),
		zap.Bool("masking_available", s.guard.MaskingAvailable()),
		zap.Bool("websocket", s.hub != nil),
	)

	if s.limiter != nil {
		s.limiter.StartCleanupRoutine(ctx, 10*time.Minute)
	}

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PII guard server")
	return s.server.Shutdown(ctx)
}
