package middleware

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/ntlmgate/internal/auth/ntlm"
	"github.com/marmos91/ntlmgate/pkg/directory"
	"github.com/marmos91/ntlmgate/pkg/handshake"
)

type stubBinder struct {
	entry     *directory.UserEntry
	challenge []byte
}

func newStubBinder() *stubBinder {
	return &stubBinder{
		entry: &directory.UserEntry{
			DN:         "cn=Jane Doe,ou=users,dc=corp,dc=example",
			Attributes: map[string][]string{"samaccountname": {"jdoe"}},
		},
		challenge: []byte("server-challenge"),
	}
}

func (b *stubBinder) Open(_ context.Context) (directory.Session, error) {
	return &stubSession{binder: b}, nil
}

type stubSession struct {
	binder *stubBinder
}

func (s *stubSession) BindType1(_ context.Context, _ []byte) ([]byte, error) {
	return s.binder.challenge, nil
}

func (s *stubSession) BindType3(_ context.Context, _ []byte) (*directory.UserEntry, error) {
	return s.binder.entry, nil
}

func (s *stubSession) Groups(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (s *stubSession) Close() error { return nil }

func ntlmToken(t ntlm.MessageType) string {
	buf := make([]byte, 64)
	copy(buf, ntlm.Signature)
	binary.LittleEndian.PutUint32(buf[8:], uint32(t))
	return "NTLM " + base64.StdEncoding.EncodeToString(buf)
}

func newProtectedHandler(t *testing.T) (http.Handler, *handshake.Coordinator) {
	t.Helper()
	coordinator, err := handshake.New(handshake.Options{Binder: newStubBinder()})
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetIdentityFromContext(r.Context())
		require.NotNil(t, user)
		w.Write([]byte(user.Account()))
	})
	return NTLMAuth(coordinator)(next), coordinator
}

func doRequest(handler http.Handler, connID, header string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if connID != "" {
		r = r.WithContext(WithConnID(r.Context(), connID))
	}
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestNTLMAuthRequiresConnID(t *testing.T) {
	handler, _ := newProtectedHandler(t)
	w := doRequest(handler, "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestNTLMAuthHandshakeFlow(t *testing.T) {
	handler, _ := newProtectedHandler(t)

	// Request 1: no token, bare challenge, next handler never runs.
	w := doRequest(handler, "conn-1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "NTLM", w.Header().Get("WWW-Authenticate"))

	// Request 2: Type 1, challenge relayed.
	w = doRequest(handler, "conn-1", ntlmToken(ntlm.Negotiate))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "NTLM ")

	// Request 3: Type 3, authenticated, next handler sees the identity.
	w = doRequest(handler, "conn-1", ntlmToken(ntlm.Authenticate))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jdoe", w.Body.String())

	// Request 4: same connection stays authenticated without a header.
	w = doRequest(handler, "conn-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jdoe", w.Body.String())

	// A different connection starts from scratch.
	w = doRequest(handler, "conn-2", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConnIDContextRoundTrip(t *testing.T) {
	ctx := WithConnID(context.Background(), "conn-42")
	assert.Equal(t, "conn-42", GetConnIDFromContext(ctx))
	assert.Empty(t, GetConnIDFromContext(context.Background()))
	assert.Nil(t, GetIdentityFromContext(context.Background()))
}
