package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/ntlmgate/internal/logger"
	"github.com/marmos91/ntlmgate/pkg/api/handlers"
	"github.com/marmos91/ntlmgate/pkg/api/middleware"
	"github.com/marmos91/ntlmgate/pkg/directory"
	"github.com/marmos91/ntlmgate/pkg/handshake"
)

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Routes:
//   - GET /health - Liveness probe (unauthenticated)
//   - GET /health/ready - Readiness probe (unauthenticated)
//   - GET /whoami - Authenticated identity echo (behind the NTLM handshake)
func NewRouter(coordinator *handshake.Coordinator, binder directory.Binder, requestTimeout time.Duration) http.Handler {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))

	healthHandler := handlers.NewHealthHandler(binder, coordinator.Store().Len)

	// Health routes - unauthenticated, probes must not trigger handshakes
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	// Everything else sits behind the NTLM handshake
	r.Group(func(r chi.Router) {
		r.Use(middleware.NTLMAuth(coordinator))
		r.Get("/whoami", handlers.Whoami)
	})

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr, connection id
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())
		connID := middleware.GetConnIDFromContext(r.Context())

		logger.Debug("request started",
			"request_id", requestID,
			"conn", connID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("request completed",
			"request_id", requestID,
			"conn", connID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}
