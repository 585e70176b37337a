// Package handshake drives the per-connection NTLM handshake over HTTP.
//
// NTLM authenticates a TCP connection, not a request: the client sends a
// Type 1 negotiate token, the server relays a Type 2 challenge in a 401
// response, and the client answers with a Type 3 authenticate token on the
// same connection. The Coordinator keeps a Session per connection, forwards
// the tokens to a directory.Binder for validation, and writes the 401
// challenge responses itself. Any failure resets the session and challenges
// again, so a misbehaving client only ever restarts its own handshake.
package handshake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/marmos91/ntlmgate/internal/auth/ntlm"
	"github.com/marmos91/ntlmgate/internal/logger"
	"github.com/marmos91/ntlmgate/pkg/directory"
)

const authScheme = "NTLM"

// Callback vets a completed handshake before the connection is marked
// authenticated. It receives the triggering request, the authenticated
// user's directory entry and the still-open directory session, so it can run
// extra lookups such as dir.Groups. Returning false rejects the handshake;
// the directory session is closed right after the callback returns either
// way.
type Callback func(r *http.Request, user *directory.UserEntry, dir directory.Session) bool

// Options configures a Coordinator.
type Options struct {
	// Binder opens directory bind sessions. Required.
	Binder directory.Binder

	// Store holds per-connection sessions. Nil means an in-memory store
	// with DefaultSessionTTL.
	Store Store

	// OnAuthenticate, when set, vets every completed handshake.
	OnAuthenticate Callback

	// Metrics receives handshake events. Nil disables instrumentation.
	Metrics Metrics

	// Debug enables per-token state transition logging.
	Debug bool
}

// Coordinator runs NTLM handshakes for HTTP connections.
type Coordinator struct {
	binder   directory.Binder
	store    Store
	callback Callback
	metrics  Metrics
	debug    bool
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Binder == nil {
		return nil, errors.New("handshake: Options.Binder is required")
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore(DefaultSessionTTL)
	}
	return &Coordinator{
		binder:   opts.Binder,
		store:    store,
		callback: opts.OnAuthenticate,
		metrics:  opts.Metrics,
		debug:    opts.Debug,
	}, nil
}

// Store returns the session store, so the transport can evict sessions when
// connections close and so instrumentation can sample the live count.
func (c *Coordinator) Store() Store {
	return c.store
}

// Authenticate advances the connection's handshake by one request.
//
// When the decision is not Proceed, the 401 response with its
// WWW-Authenticate header has already been written and the caller must stop
// handling the request. A non-nil error reports why a handshake round
// failed; the client-facing behavior is always a restart challenge.
func (c *Coordinator) Authenticate(connID string, w http.ResponseWriter, r *http.Request) (Decision, error) {
	sess := c.store.GetOrCreate(connID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	token, ok := extractToken(r.Header.Get("Authorization"))

	if sess.state == StateAuthenticated {
		// The connection carries its identity for its whole lifetime; even
		// a fresh Type 1 cannot downgrade it.
		return Decision{Result: ResultAuthenticated, User: sess.user}, nil
	}

	if !ok {
		sess.reset()
		c.challenge(w, nil)
		c.debugf("issued initial challenge", "conn", connID)
		return Decision{Result: ResultChallenge}, nil
	}

	switch msgType := ntlm.GetMessageType(token); msgType {
	case ntlm.Negotiate:
		return c.handleNegotiate(w, r, sess, token)
	case ntlm.Authenticate:
		return c.handleAuthenticate(w, r, sess, token)
	default:
		// A Type 2 from a client, or a type this side never expects; treat
		// it like garbage and restart the dialog.
		sess.reset()
		c.challenge(w, nil)
		c.debugf("discarding unexpected client token", "conn", connID, "type", int(msgType))
		return Decision{Result: ResultChallenge}, nil
	}
}

// handleNegotiate opens a directory session, forwards the Type 1 token and
// relays the server's Type 2 challenge. A Type 1 always supersedes whatever
// was in flight on the connection.
func (c *Coordinator) handleNegotiate(w http.ResponseWriter, r *http.Request, sess *Session, token []byte) (Decision, error) {
	sess.reset()
	ctx := r.Context()

	dir, err := c.binder.Open(ctx)
	if err != nil {
		c.challenge(w, nil)
		if c.metrics != nil {
			c.metrics.Rejected(ReasonBindError)
		}
		return Decision{Result: ResultRejected}, fmt.Errorf("open directory session: %w", err)
	}

	serverChallenge, err := dir.BindType1(ctx, token)
	if err != nil {
		_ = dir.Close()
		c.challenge(w, nil)
		if c.metrics != nil {
			c.metrics.Rejected(ReasonBindError)
		}
		return Decision{Result: ResultRejected}, fmt.Errorf("negotiate bind: %w", err)
	}
	if serverChallenge == nil {
		// The directory completed the bind without issuing a challenge;
		// there is nothing to relay, so restart the dialog.
		_ = dir.Close()
		c.challenge(w, nil)
		return Decision{Result: ResultChallenge}, nil
	}

	sess.dir = dir
	sess.state = StateExpectType3
	sess.started = time.Now()
	c.challenge(w, serverChallenge)
	c.debugf("relayed server challenge", "conn", sess.connID, "challenge_bytes", len(serverChallenge))
	return Decision{Result: ResultChallenge}, nil
}

// handleAuthenticate completes the pending bind with the Type 3 token, runs
// the vet callback and marks the connection authenticated.
func (c *Coordinator) handleAuthenticate(w http.ResponseWriter, r *http.Request, sess *Session, token []byte) (Decision, error) {
	if sess.state != StateExpectType3 || sess.dir == nil {
		// Type 3 without a pending challenge; the challenge lives on the
		// directory connection, so this token cannot be validated.
		sess.reset()
		c.challenge(w, nil)
		c.debugf("discarding stray authenticate token", "conn", sess.connID, "state", sess.state.String())
		return Decision{Result: ResultChallenge}, nil
	}

	dir := sess.dir
	sess.dir = nil
	sess.state = StateExpectType1

	user, err := dir.BindType3(r.Context(), token)
	if err != nil {
		_ = dir.Close()
		c.challenge(w, nil)
		if c.metrics != nil {
			c.metrics.Rejected(ReasonBindError)
		}
		return Decision{Result: ResultRejected}, fmt.Errorf("authenticate bind: %w", err)
	}
	if user == nil {
		_ = dir.Close()
		c.challenge(w, nil)
		if c.metrics != nil {
			c.metrics.Rejected(ReasonCredentials)
		}
		logger.Info("ntlm authentication rejected", "conn", sess.connID)
		return Decision{Result: ResultRejected}, nil
	}

	accepted := c.callback == nil || c.callback(r, user, dir)
	_ = dir.Close()
	if !accepted {
		c.challenge(w, nil)
		if c.metrics != nil {
			c.metrics.Rejected(ReasonVeto)
		}
		logger.Info("ntlm authentication vetoed", "conn", sess.connID, "account", user.Account())
		return Decision{Result: ResultRejected}, nil
	}

	sess.state = StateAuthenticated
	sess.user = user
	if c.metrics != nil {
		c.metrics.Authenticated()
	}
	logger.Info("ntlm authentication succeeded",
		"conn", sess.connID,
		"account", user.Account(),
		"dn", user.DN,
		"elapsed", time.Since(sess.started))
	return Decision{Result: ResultAuthenticated, User: user}, nil
}

// challenge writes a 401 with a WWW-Authenticate header, bare "NTLM" or
// carrying the base64 Type 2 token. Some clients choke on an empty 401, so a
// short informational body is always included.
func (c *Coordinator) challenge(w http.ResponseWriter, token []byte) {
	value := authScheme
	if len(token) > 0 {
		value += " " + base64.StdEncoding.EncodeToString(token)
	}
	w.Header().Set("WWW-Authenticate", value)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte("NTLM authentication required\n"))
	if c.metrics != nil {
		c.metrics.ChallengeIssued()
	}
}

func (c *Coordinator) debugf(msg string, args ...any) {
	if c.debug {
		logger.Debug(msg, args...)
	}
}

// extractToken pulls the NTLM token out of an Authorization header. Missing
// header, wrong scheme, undecodable base64 and non-NTLMSSP payloads all
// report false; the caller answers those with a bare challenge.
func extractToken(header string) ([]byte, bool) {
	if header == "" {
		return nil, false
	}
	scheme, payload, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, authScheme) {
		return nil, false
	}
	token, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil || !ntlm.IsValid(token) {
		return nil, false
	}
	return token, true
}
