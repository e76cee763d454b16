package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TobiSchelling/KnowledgeAudit/internal/audit"
	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/metrics"
)

// Auditor starts audit runs.
type Auditor interface {
	Run(ctx context.Context, start, end time.Time) (audit.Stats, error)
	DryRun(ctx context.Context, start, end time.Time) (audit.Stats, error)
}

// Options configures the HTTP API.
type Options struct {
	JWTSecret    []byte // empty disables authentication
	Metrics      *metrics.Metrics
	Organization string
}

// Server is the HTTP API for triggering audits and reviewing gaps.
type Server struct {
	db      *database.DB
	auditor Auditor
	opts    Options
	router  chi.Router
}

// New creates a new Server.
func New(db *database.DB, auditor Auditor, opts Options) *Server {
	s := &Server{db: db, auditor: auditor, opts: opts, router: chi.NewRouter()}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())

	r.Group(func(r chi.Router) {
		if len(s.opts.JWTSecret) > 0 {
			r.Use(requireToken(s.opts.JWTSecret))
		}
		r.Post("/audit", s.handleAudit)
		r.Get("/gaps", s.handleListGaps)
		r.Get("/gaps/{id}", s.handleGetGap)
		r.Patch("/gaps/{id}", s.handleReviewGap)
		r.Get("/runs", s.handleListRuns)
		r.Get("/report", s.handleReport)
	})
}

// Serve runs the HTTP server on addr until ctx is cancelled, then shuts
// it down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", "http://"+addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
