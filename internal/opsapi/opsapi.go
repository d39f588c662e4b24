// Package opsapi is the minimal operational HTTP surface this engine
// exposes: liveness and Prometheus scrape, nothing else. Grounded on the
// teacher's chi router setup in internal/httpapi/router.go (middleware
// stack, unauthenticated /healthz route).
package opsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthzTimeout = 2 * time.Second

// Server exposes /healthz (pings the database) and /metrics (the
// Prometheus registry passed to New).
type Server struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Server {
	return &Server{DB: db}
}

// Routes builds the ops HTTP handler. reg is the Prometheus registry to
// serve at /metrics; callers typically pass a registry that metrics.Register
// has already populated.
func (s *Server) Routes(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthzTimeout)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("db unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
