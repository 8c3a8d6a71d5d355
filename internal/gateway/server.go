package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the gateway HTTP server that implements manager.Runnable.
type Server struct {
	addr   string
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a new gateway server serving handler.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/", handler)

	return &Server{
		addr:   addr,
		logger: logger,
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// NeedLeaderElection implements manager.LeaderElectionRunnable. Every replica
// serves traffic.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Start implements manager.Runnable. It starts the HTTP server and blocks until
// the context is cancelled, then gracefully shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting stage gateway", "addr", s.addr)

	// Shut down gracefully when context is cancelled.
	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("gateway graceful shutdown failed", "error", err)
		}
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	s.logger.Info("gateway server stopped")
	return nil
}
