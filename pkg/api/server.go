package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/ntlmgate/internal/logger"
	"github.com/marmos91/ntlmgate/pkg/api/middleware"
)

// Server is the gateway HTTP server.
//
// NTLM authenticates TCP connections, not requests, so the server tags every
// accepted connection with a UUID via ConnContext. The id travels with each
// request's context and keys the handshake session. When a connection
// closes, the ConnState hook reports the id to OnConnClosed so the session
// store can evict it immediately instead of waiting for the TTL.
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	config       APIConfig
	onConnClosed func(connID string)
	conns        sync.Map // net.Conn -> connection id
	shutdownOnce sync.Once
}

// NewServer creates a new gateway HTTP server.
//
// The server is created in a stopped state. Call Start() to begin serving
// requests.
//
// Defaults are applied here to ensure the server works correctly even when
// created directly (e.g., in tests). This is idempotent with the defaults
// applied during config loading.
//
// Parameters:
//   - config: Server configuration (port, timeouts)
//   - handler: The router, typically NewRouter(...)
//   - onConnClosed: Invoked with the connection id when a connection closes;
//     wire this to the handshake store's Evict. May be nil.
func NewServer(config APIConfig, handler http.Handler, onConnClosed func(connID string)) *Server {
	config.applyDefaults()

	s := &Server{
		config:       config,
		onConnClosed: onConnClosed,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		ConnContext:  s.connContext,
		ConnState:    s.connState,
	}

	return s
}

// connContext assigns a fresh id to every accepted connection.
func (s *Server) connContext(ctx context.Context, conn net.Conn) context.Context {
	connID := uuid.NewString()
	s.conns.Store(conn, connID)
	logger.Debug("connection accepted", "conn", connID, "remote_addr", conn.RemoteAddr().String())
	return middleware.WithConnID(ctx, connID)
}

// connState evicts the handshake session when the connection goes away.
func (s *Server) connState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateClosed, http.StateHijacked:
		id, ok := s.conns.LoadAndDelete(conn)
		if !ok {
			return
		}
		connID := id.(string)
		logger.Debug("connection closed", "conn", connID)
		if s.onConnClosed != nil {
			s.onConnClosed(connID)
		}
	}
}

// Start starts the gateway HTTP server and blocks until the context is
// cancelled or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and returns.
//
// Returns:
//   - nil on graceful shutdown
//   - error if the server fails to start or shutdown encounters an error
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", s.config.Port)
		logger.Debug("gateway endpoints available",
			"health", fmt.Sprintf("http://localhost:%d/health", s.config.Port),
			"ready", fmt.Sprintf("http://localhost:%d/health/ready", s.config.Port),
			"whoami", fmt.Sprintf("http://localhost:%d/whoami", s.config.Port),
		)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("gateway shutdown signal received")
		// Create new context with timeout for graceful shutdown
		// Don't use the cancelled ctx as it would cause immediate shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("gateway failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the gateway.
//
// Stop is safe to call multiple times and safe to call concurrently with
// Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("gateway shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("gateway shutdown error: %w", err)
			logger.Error("gateway shutdown error", "error", err)
		} else {
			logger.Info("gateway stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.config.Port
}
