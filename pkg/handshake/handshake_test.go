package handshake

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/ntlmgate/internal/auth/ntlm"
	"github.com/marmos91/ntlmgate/internal/logger"
	"github.com/marmos91/ntlmgate/pkg/directory"
)

// fakeBinder hands out scripted fakeSessions and records every one it
// opened, so tests can assert on bind inputs and Close calls.
type fakeBinder struct {
	mu       sync.Mutex
	sessions []*fakeSession

	openErr     error
	bind1Err    error
	bind3Err    error
	noChallenge bool
	rejectCreds bool
	challenge   []byte
	entry       *directory.UserEntry
	groups      []string
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{
		challenge: []byte("server-challenge-blob"),
		entry: &directory.UserEntry{
			DN:         "cn=Jane Doe,ou=users,dc=corp,dc=example",
			Attributes: map[string][]string{"samaccountname": {"jdoe"}},
		},
		groups: []string{"cn=staff,ou=groups,dc=corp,dc=example"},
	}
}

func (b *fakeBinder) Open(_ context.Context) (directory.Session, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	s := &fakeSession{binder: b}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBinder) opened() []*fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeSession(nil), b.sessions...)
}

type fakeSession struct {
	binder  *fakeBinder
	type1   []byte
	type3   []byte
	closed  atomic.Bool
	lookups atomic.Int32
}

func (s *fakeSession) BindType1(_ context.Context, token []byte) ([]byte, error) {
	s.type1 = token
	if s.binder.bind1Err != nil {
		return nil, s.binder.bind1Err
	}
	if s.binder.noChallenge {
		return nil, nil
	}
	return s.binder.challenge, nil
}

func (s *fakeSession) BindType3(_ context.Context, token []byte) (*directory.UserEntry, error) {
	s.type3 = token
	if s.binder.bind3Err != nil {
		return nil, s.binder.bind3Err
	}
	if s.binder.rejectCreds {
		return nil, nil
	}
	return s.binder.entry, nil
}

func (s *fakeSession) Groups(_ context.Context, _ string) ([]string, error) {
	s.lookups.Add(1)
	if s.closed.Load() {
		return nil, directory.ErrSessionClosed
	}
	return s.binder.groups, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// token builds a minimal NTLMSSP message of the given type, padded to the
// full Type 3 base size so it parses regardless of type.
func token(t ntlm.MessageType) []byte {
	buf := make([]byte, 64)
	copy(buf, ntlm.Signature)
	binary.LittleEndian.PutUint32(buf[8:], uint32(t))
	return buf
}

func authHeader(tok []byte) string {
	return "NTLM " + base64.StdEncoding.EncodeToString(tok)
}

func newCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

// send runs one request for connID through the coordinator. An empty header
// means no Authorization header at all.
func send(t *testing.T, c *Coordinator, connID, header string) (Decision, *httptest.ResponseRecorder, error) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	dec, err := c.Authenticate(connID, w, r)
	return dec, w, err
}

func TestNewRequiresBinder(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestInitialRequestChallenges(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	dec, w, err := send(t, c, "conn-1", "")
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.False(t, dec.Proceed())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "NTLM authentication required\n", w.Body.String(),
		"challenges carry a short body, some clients choke on an empty 401")
	assert.Empty(t, binder.opened(), "no directory session before a Type 1 arrives")
}

func TestFullHandshake(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	// Bare request: bare challenge.
	dec, w, err := send(t, c, "conn-1", "")
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))

	// Type 1: the server challenge is relayed base64-encoded.
	dec, w, err = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, authHeader(binder.challenge), w.Header().Get("WWW-Authenticate"))

	sessions := binder.opened()
	require.Len(t, sessions, 1)
	assert.Equal(t, token(ntlm.Negotiate), sessions[0].type1)
	assert.False(t, sessions[0].closed.Load(), "directory session stays open between round trips")

	// Type 3: authenticated, nothing written, directory session closed.
	dec, w, err = send(t, c, "conn-1", authHeader(token(ntlm.Authenticate)))
	require.NoError(t, err)
	assert.Equal(t, ResultAuthenticated, dec.Result)
	assert.True(t, dec.Proceed())
	require.NotNil(t, dec.User)
	assert.Equal(t, "jdoe", dec.User.Account())
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
	assert.True(t, sessions[0].closed.Load())

	// Follow-up request on the same connection passes without a header and
	// without touching the directory again.
	dec, _, err = send(t, c, "conn-1", "")
	require.NoError(t, err)
	assert.Equal(t, ResultAuthenticated, dec.Result)
	assert.Equal(t, "jdoe", dec.User.Account())
	assert.Len(t, binder.opened(), 1)
}

func TestConnectionsAreIndependent(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	_, _, _ = send(t, c, "conn-a", authHeader(token(ntlm.Negotiate)))
	dec, _, err := send(t, c, "conn-a", authHeader(token(ntlm.Authenticate)))
	require.NoError(t, err)
	require.Equal(t, ResultAuthenticated, dec.Result)

	// A different connection starts from scratch.
	dec, w, err := send(t, c, "conn-b", "")
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
}

func TestRejectedCredentials(t *testing.T) {
	binder := newFakeBinder()
	binder.rejectCreds = true
	c := newCoordinator(t, Options{Binder: binder})

	_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Authenticate)))
	require.NoError(t, err, "credential rejection is not an error")
	assert.Equal(t, ResultRejected, dec.Result)
	assert.Nil(t, dec.User)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"), "restart challenge is bare")

	sessions := binder.opened()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].closed.Load())

	// The connection is back at the start, not authenticated.
	dec, _, err = send(t, c, "conn-1", "")
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
}

func TestOpenError(t *testing.T) {
	binder := newFakeBinder()
	binder.openErr = errors.New("dial tcp: connection refused")
	c := newCoordinator(t, Options{Binder: binder})

	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	require.Error(t, err)
	assert.Equal(t, ResultRejected, dec.Result)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
}

func TestBindErrorOnNegotiate(t *testing.T) {
	binder := newFakeBinder()
	binder.bind1Err = errors.New("ldap: server shut down")
	c := newCoordinator(t, Options{Binder: binder})

	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	require.Error(t, err)
	assert.Equal(t, ResultRejected, dec.Result)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))

	sessions := binder.opened()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].closed.Load(), "failed session must not leak")
}

func TestBindErrorOnAuthenticate(t *testing.T) {
	binder := newFakeBinder()
	binder.bind3Err = errors.New("ldap: connection reset")
	c := newCoordinator(t, Options{Binder: binder})

	_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Authenticate)))
	require.Error(t, err)
	assert.Equal(t, ResultRejected, dec.Result)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
	assert.True(t, binder.opened()[0].closed.Load())

	// Self-healing: the next Type 1 starts a fresh handshake.
	dec, _, err = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.Len(t, binder.opened(), 2)
}

func TestNoChallengeFromDirectory(t *testing.T) {
	binder := newFakeBinder()
	binder.noChallenge = true
	c := newCoordinator(t, Options{Binder: binder})

	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
	assert.True(t, binder.opened()[0].closed.Load())
}

func TestCallbackReceivesOpenSessionAndCanVeto(t *testing.T) {
	binder := newFakeBinder()
	var sawGroups []string
	veto := func(r *http.Request, user *directory.UserEntry, dir directory.Session) bool {
		groups, err := dir.Groups(r.Context(), user.Account())
		require.NoError(t, err, "directory session must still be open in the callback")
		sawGroups = groups
		return false
	}
	c := newCoordinator(t, Options{Binder: binder, OnAuthenticate: veto})

	_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Authenticate)))
	require.NoError(t, err)
	assert.Equal(t, ResultRejected, dec.Result)
	assert.Nil(t, dec.User)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, binder.groups, sawGroups)
	assert.Equal(t, int32(1), binder.opened()[0].lookups.Load(), "exactly one group lookup from the callback")
	assert.True(t, binder.opened()[0].closed.Load(), "session closed after the callback")

	dec, _, _ = send(t, c, "conn-1", "")
	assert.Equal(t, ResultChallenge, dec.Result, "vetoed connection is not authenticated")
}

func TestCallbackAccept(t *testing.T) {
	binder := newFakeBinder()
	accept := func(_ *http.Request, user *directory.UserEntry, _ directory.Session) bool {
		return user.Account() == "jdoe"
	}
	c := newCoordinator(t, Options{Binder: binder, OnAuthenticate: accept})

	_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	dec, _, err := send(t, c, "conn-1", authHeader(token(ntlm.Authenticate)))
	require.NoError(t, err)
	assert.Equal(t, ResultAuthenticated, dec.Result)
	assert.True(t, binder.opened()[0].closed.Load())
}

func TestType1SupersedesPendingHandshake(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.Equal(t, authHeader(binder.challenge), w.Header().Get("WWW-Authenticate"))

	sessions := binder.opened()
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].closed.Load(), "superseded session is discarded")
	assert.False(t, sessions[1].closed.Load())
}

func TestAuthenticatedConnectionIgnoresType1(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	dec, _, _ := send(t, c, "conn-1", authHeader(token(ntlm.Authenticate)))
	require.Equal(t, ResultAuthenticated, dec.Result)

	// A fresh Type 1 cannot downgrade the connection's identity: nothing is
	// written, the directory stays untouched and the session keeps its state.
	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	require.NoError(t, err)
	assert.Equal(t, ResultAuthenticated, dec.Result)
	assert.Equal(t, "jdoe", dec.User.Account())
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
	assert.Empty(t, w.Body.String())
	assert.Len(t, binder.opened(), 1)

	sess := c.Store().GetOrCreate("conn-1")
	assert.Equal(t, StateAuthenticated, sess.State())
}

func TestStrayType3Restarts(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Authenticate)))
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
	assert.Empty(t, binder.opened())
}

func TestUnexpectedTokenType(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	// A Type 2 is something only servers send; it is recovered silently
	// like any other desync, not reported as a rejection.
	dec, w, err := send(t, c, "conn-1", authHeader(token(ntlm.Challenge)))
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
}

func TestSuccessLogReportsHandshakeDuration(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWithWriter(&buf, "INFO", "text")
	t.Cleanup(func() { logger.InitWithWriter(os.Stdout, "INFO", "text") })

	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	dec, _, _ := send(t, c, "conn-1", authHeader(token(ntlm.Authenticate)))
	require.Equal(t, ResultAuthenticated, dec.Result)

	out := buf.String()
	assert.Contains(t, out, "ntlm authentication succeeded")
	assert.Contains(t, out, "elapsed=", "success log reports how long the handshake took")
}

func TestGarbageAuthorizationHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"WrongScheme", "Bearer abc123"},
		{"BadBase64", "NTLM not-base64!!"},
		{"NotNTLMSSP", "NTLM " + base64.StdEncoding.EncodeToString([]byte("hello"))},
		{"SchemeOnly", "NTLM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binder := newFakeBinder()
			c := newCoordinator(t, Options{Binder: binder})

			dec, w, err := send(t, c, "conn-1", tt.header)
			require.NoError(t, err)
			assert.Equal(t, ResultChallenge, dec.Result)
			assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))
			assert.Empty(t, binder.opened())
		})
	}
}

func TestBareRequestMidHandshakeResets(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
	dec, _, err := send(t, c, "conn-1", "")
	require.NoError(t, err)
	assert.Equal(t, ResultChallenge, dec.Result)
	assert.True(t, binder.opened()[0].closed.Load(), "abandoned handshake releases its directory session")
}

func TestConcurrentRequestsOnOneConnection(t *testing.T) {
	binder := newFakeBinder()
	c := newCoordinator(t, Options{Binder: binder})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = send(t, c, "conn-1", authHeader(token(ntlm.Negotiate)))
		}()
	}
	wg.Wait()

	sessions := binder.opened()
	require.Len(t, sessions, 8)
	open := 0
	for _, s := range sessions {
		if !s.closed.Load() {
			open++
		}
	}
	assert.Equal(t, 1, open, "exactly the winning handshake keeps its session")
}
