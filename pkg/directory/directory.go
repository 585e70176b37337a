// Package directory defines the directory-bind client used to validate NTLM
// tokens against a directory server, and provides an LDAP implementation.
//
// The handshake coordinator never inspects credentials itself: it forwards
// the browser's raw Type 1 and Type 3 tokens to a Session and acts on the
// outcome. A Session wraps exactly one connection to the directory server
// and one in-flight NTLM bind; the challenge issued for the Type 1 token is
// only valid on that same connection, which is why the coordinator keeps the
// Session open between the two HTTP round trips.
package directory

import (
	"context"
	"strings"
)

// Binder opens bind sessions against a directory server.
//
// Implementations must be safe for concurrent use; each Open call returns an
// independent Session.
type Binder interface {
	Open(ctx context.Context) (Session, error)
}

// Session is a single NTLM bind dialog with the directory server.
//
// The expected call sequence is BindType1, then BindType3, then Close.
// Close may be called at any point, including concurrently with a blocked
// bind call, and is idempotent. A Session is not safe for concurrent bind
// calls; the coordinator serializes them per connection.
type Session interface {
	// BindType1 forwards the client's NTLM Type 1 (negotiate) token and
	// returns the server's Type 2 challenge token. A nil challenge with a
	// nil error means the server did not produce one; the caller should
	// discard the session and restart the dialog.
	BindType1(ctx context.Context, token []byte) ([]byte, error)

	// BindType3 forwards the client's NTLM Type 3 (authenticate) token,
	// completing the bind started by BindType1. On success it returns the
	// authenticated account's directory entry. A nil entry with a nil error
	// means the directory rejected the credentials.
	BindType3(ctx context.Context, token []byte) (*UserEntry, error)

	// Groups returns the distinguished names of the groups the account is a
	// member of. It is intended for caller policy callbacks (for example
	// group-membership gates) and is never called by the coordinator.
	Groups(ctx context.Context, accountName string) ([]string, error)

	// Close releases the underlying directory connection and aborts any
	// in-flight bind. Idempotent.
	Close() error
}

// UserEntry is the directory entry of an authenticated account.
//
// Attribute names are normalized to lowercase. When the post-bind lookup
// cannot see the entry (for example a base DN that excludes it), the entry
// carries at least the account name extracted from the Type 3 token, since
// the bind itself already proved the identity.
type UserEntry struct {
	// DN is the entry's distinguished name; empty if the lookup found none.
	DN string

	// Attributes maps lowercase attribute names to their values.
	Attributes map[string][]string
}

// Get returns the first value of the named attribute, or "".
func (e *UserEntry) Get(name string) string {
	if e == nil {
		return ""
	}
	vals := e.Attributes[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Account returns the sAMAccountName of the entry.
func (e *UserEntry) Account() string {
	return e.Get("samaccountname")
}
