// Package server wires the checkpoint components together and serves them
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/scrypster/checkpoint/internal/backup"
	"github.com/scrypster/checkpoint/web/handlers"
)

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Server is a running HTTP server.
type Server struct {
	addr string
	hub  *handlers.WebSocketHub
	done chan error
	wg   sync.WaitGroup
}

// Addr returns the address being listened on.
func (s *Server) Addr() string { return s.addr }

// Hub returns the WebSocket hub used for event broadcasts.
func (s *Server) Hub() *handlers.WebSocketHub { return s.hub }

// Wait blocks until the server and its background jobs have stopped after
// its context ended.
func (s *Server) Wait() error { return <-s.done }

// Handler builds the routed and wrapped HTTP handler for app.
func Handler(app *App, hub *handlers.WebSocketHub) http.Handler {
	mux := http.NewServeMux()
	api := handlers.NewAPIHandlers(app.Manager, app.Engine, app.Pipeline, app.Config.Ingest.Chunk(), hub, app.Logger.With("component", "api"))
	api.Register(mux)

	var handler http.Handler = mux
	if rps := app.Config.Server.RequestsPerSecond; rps > 0 {
		handler = handlers.RateLimitMiddleware(handler, handlers.NewRateLimiter(rps, app.Config.Server.Burst))
	}
	handler = handlers.RecoveryMiddleware(handler, app.Logger)
	handler = handlers.LoggingMiddleware(handler, app.Logger.With("component", "http"))
	return securityHeadersMiddleware(handler)
}

// Start repairs pending documents when configured, starts scheduled backups
// when enabled and begins serving. Cancelling ctx shuts everything down.
// Port 0 picks a free port; see Server.Addr.
func Start(ctx context.Context, app *App) (*Server, error) {
	cfg := app.Config
	logger := app.Logger

	if cfg.Server.RepairOnStart {
		if err := app.Repair(ctx); err != nil {
			logger.Warn("repair on start incomplete", "error", err)
		}
	}

	var backups *backup.Service
	if cfg.Backup.Enabled {
		svc, err := NewBackupService(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("backup service: %w", err)
		}
		backups = svc
	}

	hub := handlers.NewWebSocketHub(app.Engine, cfg.Server.AllowedOrigins, logger.With("component", "websocket"))

	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr(), err)
	}

	httpServer := &http.Server{
		Handler:           Handler(app, hub),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s := &Server{
		addr: listener.Addr().String(),
		hub:  hub,
		done: make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(ctx)

	go hub.Run()
	if backups != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := backups.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("backup service stopped", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go func() {
		var err error
		select {
		case <-ctx.Done():
		case err = <-serveErr:
		}
		cancel()
		err = errors.Join(err, s.shutdown(httpServer, cfg.Server.ShutdownTimeout, logger))
		s.wg.Wait()
		s.done <- err
	}()

	logger.Info("checkpoint server listening", "addr", s.addr)
	return s, nil
}

func (s *Server) shutdown(httpServer *http.Server, timeout time.Duration, logger *slog.Logger) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("shutting down server")
	s.hub.Stop()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
