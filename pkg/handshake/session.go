package handshake

import (
	"sync"
	"time"

	"github.com/marmos91/ntlmgate/pkg/directory"
)

// State tracks where in the NTLM message exchange a connection is.
type State int

const (
	// StateExpectType1 is the initial state: no handshake in flight, the
	// next token must be a Type 1 negotiate message.
	StateExpectType1 State = iota

	// StateExpectType3 means a Type 2 challenge was relayed to the client
	// and a directory session is held open waiting for the Type 3 token.
	StateExpectType3

	// StateAuthenticated means the handshake completed on this connection;
	// subsequent requests pass without touching the directory.
	StateAuthenticated
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateExpectType1:
		return "expect-type1"
	case StateExpectType3:
		return "expect-type3"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Session is the per-connection handshake record.
//
// The mutex serializes Authenticate calls racing on the same connection and
// protects the fields against the store's eviction callback, which may fire
// from the cache janitor goroutine.
type Session struct {
	mu sync.Mutex

	connID  string
	state   State
	dir     directory.Session
	user    *directory.UserEntry
	started time.Time
}

func newSession(connID string) *Session {
	return &Session{connID: connID}
}

// reset drops back to StateExpectType1, closing any held directory session.
func (s *Session) reset() {
	if s.dir != nil {
		_ = s.dir.Close()
		s.dir = nil
	}
	s.state = StateExpectType1
	s.user = nil
}

// Discard releases the session's resources. The store calls it on eviction;
// it waits for any in-flight Authenticate on the same session to finish.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
