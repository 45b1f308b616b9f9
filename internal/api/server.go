// Package api exposes scan submission and the administrative queue
// operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/intake"
	"github.com/winejournal/labelscan/internal/pipeline"
	"github.com/winejournal/labelscan/internal/resilience"
	"github.com/winejournal/labelscan/internal/sweeper"
)

// Submitter accepts label photos.
type Submitter interface {
	Submit(ctx context.Context, req intake.SubmitRequest) (*intake.SubmitResult, error)
}

// Processor runs one claim-and-process cycle.
type Processor interface {
	ProcessBatch(ctx context.Context, limit int) (*pipeline.BatchResult, error)
}

// Sweeper runs the retry pass and per-user cleanup.
type Sweeper interface {
	Sweep(ctx context.Context) (*sweeper.Stats, error)
	CleanupUser(ctx context.Context, userID string) (*sweeper.CleanupStats, error)
}

// Authorizer admits callers of the administrative endpoints.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// Authenticator identifies the end user behind a request.
type Authenticator interface {
	UserID(r *http.Request) (uuid.UUID, error)
}

// Config holds HTTP-facing settings.
type Config struct {
	AllowedOrigins    []string
	ProductionOrigin  string
	MaxUploadBytes    int64
	DefaultClaimLimit int
	MaxClaimLimit     int
}

// Deps are the services the handlers call.
type Deps struct {
	Submitter     Submitter
	Processor     Processor
	Sweeper       Sweeper
	Admin         Authorizer
	Users         Authenticator
	Ping          func(ctx context.Context) error
	BreakerStates func() map[string]resilience.State
}

// Server routes requests to the handlers.
type Server struct {
	cfg  Config
	deps Deps
}

// NewServer creates a server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = intake.DefaultMaxImageBytes
	}
	if cfg.DefaultClaimLimit <= 0 {
		cfg.DefaultClaimLimit = 5
	}
	if cfg.MaxClaimLimit < cfg.DefaultClaimLimit {
		cfg.MaxClaimLimit = cfg.DefaultClaimLimit
	}
	return &Server{cfg: cfg, deps: deps}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(fallbackOrigin(s.cfg.AllowedOrigins, s.cfg.ProductionOrigin))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "apikey", "x-client-info", "Idempotency-Key", "X-Admin-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/functions/v1", func(r chi.Router) {
		r.Post("/submit-scan", s.handleSubmitScan)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/process-wine-queue", s.handleProcessQueue)
			r.Post("/cleanup-wine-data", s.handleCleanup)
			r.Post("/sweep-wine-queue", s.handleSweep)
		})
	})

	return r
}

// fallbackOrigin gives requests from origins outside the allow-list the
// production origin instead of no header at all. Allowed origins are
// reflected by the cors handler that runs after it.
func fallbackOrigin(allowed []string, production string) func(http.Handler) http.Handler {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); !set[origin] && production != "" {
				w.Header().Set("Access-Control-Allow-Origin", production)
				w.Header().Add("Vary", "Origin")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Admin.Authorize(r); err != nil {
			zap.L().Warn("admin request rejected",
				zap.String("component", "api"),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
