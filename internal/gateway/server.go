// Package gateway assembles the HTTP surfaces — webhook ingestion, admin
// config API, health and metrics — into one server with graceful shutdown.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/gewegate/internal/api"
	"github.com/nextlevelbuilder/gewegate/internal/webhook"
)

// Server hosts all HTTP endpoints on a single listener.
type Server struct {
	addr       string
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer builds the mux from the two handler groups.
func NewServer(addr string, wh *webhook.Handler, admin *api.Handler) *Server {
	mux := http.NewServeMux()
	wh.RegisterRoutes(mux)
	admin.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &Server{
		addr: addr,
		mux:  mux,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully so in-flight
// webhook deliveries get their responses.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("gateway stopped")
	return nil
}
