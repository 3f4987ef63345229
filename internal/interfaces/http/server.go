// Package http exposes the engine's outbound surface: proposal evaluation,
// outcome ingestion, the read-only breaker snapshot, the privileged reset
// endpoint, Prometheus metrics, and a websocket feed of breaker transitions.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/riskrun/internal/gatekeeper"
)

// Server wires the HTTP surface around a single Gatekeeper instance.
type Server struct {
	addr       string
	router     *mux.Router
	gatekeeper *gatekeeper.Gatekeeper
	hub        *Hub
	adminLimit *rate.Limiter
}

// Config is the HTTP-specific slice of the application config.
type Config struct {
	ListenAddr string
	AdminRPS   float64
	AdminBurst int
}

func NewServer(cfg Config, gk *gatekeeper.Gatekeeper, hub *Hub, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:       cfg.ListenAddr,
		router:     mux.NewRouter(),
		gatekeeper: gk,
		hub:        hub,
		adminLimit: rate.NewLimiter(rate.Limit(cfg.AdminRPS), cfg.AdminBurst),
	}

	s.router.Use(requestIDMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/risk/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	s.router.HandleFunc("/risk/outcomes", s.handleOutcome).Methods(http.MethodPost)
	s.router.HandleFunc("/risk/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/risk/reset", s.handleReset).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", hub.handleUpgrade).Methods(http.MethodGet)

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is cancelled, then drains with a short
// shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("risk API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
