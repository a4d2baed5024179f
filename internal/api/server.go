package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rtcbridge/rtcbridge/internal/ami"
	"github.com/rtcbridge/rtcbridge/internal/api/middleware"
	"github.com/rtcbridge/rtcbridge/internal/bridge"
	"github.com/rtcbridge/rtcbridge/internal/config"
	"github.com/rtcbridge/rtcbridge/internal/database"
	"github.com/rtcbridge/rtcbridge/internal/remote"
)

// CallBridge is the slice of the orchestrator the API serves.
type CallBridge interface {
	Sessions() []bridge.CallSession
	Session(sessionID string) (bridge.CallSession, bool)
	Hangup(sessionID string) error
	HandleRemoteCallback(cb remote.Callback)
	ActiveCount() int
	TransportUp() bool
}

// ControlChannel is the subset of the manager client the call-control
// endpoints use. Nil in sip-only mode.
type ControlChannel interface {
	Connected() bool
	Registry() *ami.Registry
	GetChannelStatus(ctx context.Context, channel string) (ami.Message, error)
	Originate(ctx context.Context, req ami.OriginateRequest) (ami.Message, error)
	Redirect(ctx context.Context, channel, context_, exten string, priority int) error
	Bridge(ctx context.Context, channel1, channel2 string) error
}

// Options carries the server's dependencies. Control and Metrics may be nil.
type Options struct {
	Config        *config.Config
	Bridge        CallBridge
	Control       ControlChannel
	Operators     database.OperatorRepository
	CallRecords   database.CallRecordRepository
	Metrics       http.Handler
	APISecret     []byte
	WebhookSecret []byte
	Logger        *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	opts   Options
	logger *slog.Logger

	limiter     *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		opts:        opts,
		logger:      opts.Logger.With("subsystem", "api"),
		limiter:     middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	// Remote platform callback intake. Authenticated by its own signed
	// token, not by operator credentials.
	r.With(middleware.RateLimit(s.limiter)).
		Post("/webhooks/remote/events", s.handleRemoteWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.With(middleware.RateLimit(s.authLimiter)).
			Post("/auth/login", s.handleLogin)

		// Operator routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter))
			r.Use(middleware.RequireOperatorAuth(s.opts.APISecret))

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Get("/{id}", s.handleGetSession)
				r.Post("/{id}/hangup", s.handleHangupSession)
			})

			r.Route("/channels", func(r chi.Router) {
				r.Get("/", s.handleListChannels)
				r.Get("/{name}", s.handleGetChannel)
			})

			r.Route("/calls", func(r chi.Router) {
				r.Post("/originate", s.handleOriginate)
				r.Post("/transfer", s.handleTransfer)
				r.Post("/bridge", s.handleBridgeChannels)
			})

			r.Get("/cdrs", s.handleListCDRs)
		})
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"mode":            s.opts.Config.Mode,
		"transport_up":    s.opts.Bridge.TransportUp(),
		"active_sessions": s.opts.Bridge.ActiveCount(),
	})
}
