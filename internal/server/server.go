// Package server exposes the run store and the ingestion service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/runsync/internal/ingest"
	"github.com/sells-group/runsync/internal/store"
)

// maxBodyBytes bounds webhook payloads; completion bodies carry full card
// content and the report markdown.
const maxBodyBytes = 10 << 20

// Options configures the HTTP surface.
type Options struct {
	Port             int
	CORSOrigins      []string
	IngestRatePerSec float64
	IngestBurst      int
	ShutdownTimeout  time.Duration
}

// Server serves the pipeline API.
type Server struct {
	store  store.Store
	ingest *ingest.Service
	opts   Options
	router chi.Router
}

// New creates a Server and builds its router.
func New(st store.Store, svc *ingest.Service, opts Options) *Server {
	if opts.IngestRatePerSec <= 0 {
		opts.IngestRatePerSec = 50
	}
	if opts.IngestBurst <= 0 {
		opts.IngestBurst = 100
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{store: st, ingest: svc, opts: opts}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Webhook-Secret", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	limiter := rate.NewLimiter(rate.Limit(s.opts.IngestRatePerSec), s.opts.IngestBurst)
	limited := rateLimit(limiter)

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
		r.Delete("/{runID}", s.handleDeleteRun)
		r.With(limited).Post("/{runID}/complete", s.handleComplete)
	})

	r.Route("/api/pipeline/{runID}", func(r chi.Router) {
		r.With(limited).Post("/complete", s.handleComplete)
		r.With(limited).Post("/stage-update", s.handleStageUpdate)
		r.Get("/status", s.handleStatus)
		r.Get("/opportunity-cards", s.handleCards)
		r.Get("/report", s.handleReport)
	})

	r.Post("/api/cards/{cardID}/star", s.handleToggleStar)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", s.opts.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server: listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	return nil
}
