// Package middleware provides HTTP middleware for the ntlmgate API.
package middleware

import (
	"context"
	"net/http"

	"github.com/marmos91/ntlmgate/internal/logger"
	"github.com/marmos91/ntlmgate/pkg/directory"
	"github.com/marmos91/ntlmgate/pkg/handshake"
)

// Context key type for storing per-request values
type contextKey string

const (
	connIDContextKey   contextKey = "conn_id"
	identityContextKey contextKey = "identity"
)

// WithConnID stores the connection identifier in the context. Called by the
// server's ConnContext hook, so every request inherits the id of the TCP
// connection it arrived on.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDContextKey, connID)
}

// GetConnIDFromContext retrieves the connection identifier from the request
// context. Returns "" if the transport did not tag the connection.
func GetConnIDFromContext(ctx context.Context) string {
	connID, _ := ctx.Value(connIDContextKey).(string)
	return connID
}

// GetIdentityFromContext retrieves the authenticated user's directory entry
// from the request context. Returns nil if no identity is present.
//
// This function should only be called within handler code that runs after
// the NTLMAuth middleware has processed the request.
func GetIdentityFromContext(ctx context.Context) *directory.UserEntry {
	user, ok := ctx.Value(identityContextKey).(*directory.UserEntry)
	if !ok {
		return nil
	}
	return user
}

// NTLMAuth is a middleware that runs the per-connection NTLM handshake.
//
// Until the handshake completes, every request on the connection is answered
// with a 401 carrying a WWW-Authenticate: NTLM header and never reaches the
// next handler. Once the connection is authenticated, the user's directory
// entry is stored in the request context and requests pass through.
func NTLMAuth(coordinator *handshake.Coordinator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			connID := GetConnIDFromContext(r.Context())
			if connID == "" {
				// The server was wired without the ConnContext hook; the
				// handshake cannot track connections, so fail loudly.
				http.Error(w, "Connection tracking unavailable", http.StatusInternalServerError)
				return
			}

			decision, err := coordinator.Authenticate(connID, w, r)
			if err != nil {
				logger.Warn("ntlm handshake failed",
					"conn", connID,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
			}
			if !decision.Proceed() {
				// Challenge or rejection; the 401 is already written.
				return
			}

			ctx := context.WithValue(r.Context(), identityContextKey, decision.User)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
