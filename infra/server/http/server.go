// Package http hosts the client-facing listener: the websocket upgrade
// endpoint plus the health and metrics surface.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webitel/im-gateway-service/config"
	"github.com/webitel/im-gateway-service/internal/cluster"
	wshandler "github.com/webitel/im-gateway-service/internal/handler/ws"
)

type Server struct {
	cfg      config.HTTPConfig
	srv      *http.Server
	listener net.Listener
	logger   *slog.Logger
}

func NewServer(cfg config.HTTPConfig, ws *wshandler.WSHandler, dir *cluster.Directory, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady(dir))
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", ws)

	s.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
		// ReadTimeout would kill long-lived websocket reads; only guard
		// the handshake phase.
		ReadHeaderTimeout: cfg.ReadTimeout,
	}
	return s
}

func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("http listener up", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", slog.Any("error", err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady reports ready once the node can see itself in the cluster
// directory, i.e. Redis is reachable and registration went through.
func (s *Server) handleReady(dir *cluster.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		nodes, err := dir.Live(ctx)
		ready := false
		for _, n := range nodes {
			if n.ID == dir.Self().ID {
				ready = true
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err != nil || !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}
