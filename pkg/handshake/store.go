package handshake

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultSessionTTL is how long an idle connection keeps its handshake
// session before it is evicted and its directory resources released.
const DefaultSessionTTL = 10 * time.Minute

// Store holds the per-connection handshake sessions.
//
// Implementations must be safe for concurrent use. Evicting a session, by
// TTL or explicitly, must release its resources via Session.Discard.
type Store interface {
	// GetOrCreate returns the session for the connection, creating it on
	// first sight and refreshing its TTL on every call.
	GetOrCreate(connID string) *Session

	// Evict removes the connection's session and releases its resources.
	// Called by the transport when the connection closes.
	Evict(connID string)

	// Len returns the number of live sessions.
	Len() int

	// Close evicts every session. Used on shutdown.
	Close()
}

// MemoryStore is an in-process Store with TTL eviction. A half-open
// handshake that is abandoned, say a client that sent Type 1 and vanished,
// would otherwise pin its directory connection forever.
type MemoryStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewMemoryStore creates a store evicting sessions idle for ttl.
// A non-positive ttl means DefaultSessionTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	cleanup := ttl / 2
	if cleanup < time.Minute {
		cleanup = time.Minute
	}

	c := gocache.New(ttl, cleanup)
	c.OnEvicted(func(_ string, value interface{}) {
		value.(*Session).Discard()
	})
	return &MemoryStore{cache: c}
}

func (s *MemoryStore) GetOrCreate(connID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.cache.Get(connID); ok {
		sess := value.(*Session)
		s.cache.SetDefault(connID, sess)
		return sess
	}

	sess := newSession(connID)
	s.cache.SetDefault(connID, sess)
	return sess
}

func (s *MemoryStore) Evict(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(connID)
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.ItemCount()
}

func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Flush would skip the eviction callback; delete one by one so every
	// session gets discarded.
	for connID := range s.cache.Items() {
		s.cache.Delete(connID)
	}
}
