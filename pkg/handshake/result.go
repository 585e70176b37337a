package handshake

import "github.com/marmos91/ntlmgate/pkg/directory"

// Result classifies the outcome of one Authenticate call.
type Result int

const (
	// ResultChallenge means a 401 challenge was written and request
	// processing must stop. Covers both the initial bare challenge and the
	// mid-handshake Type 2 challenge.
	ResultChallenge Result = iota

	// ResultRejected means the handshake failed this round: credentials
	// rejected, callback veto, or a directory error. A 401 restart
	// challenge was written and request processing must stop.
	ResultRejected

	// ResultAuthenticated means the connection is authenticated (freshly or
	// from an earlier request) and the request may proceed. Nothing was
	// written to the response.
	ResultAuthenticated
)

// String returns the result name for logging.
func (r Result) String() string {
	switch r {
	case ResultChallenge:
		return "challenge"
	case ResultRejected:
		return "rejected"
	case ResultAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Decision is what Authenticate hands back to the HTTP layer.
type Decision struct {
	// Result classifies the outcome.
	Result Result

	// User is the authenticated directory entry. Non-nil exactly when
	// Result is ResultAuthenticated.
	User *directory.UserEntry
}

// Proceed reports whether the caller should continue handling the request.
// When false, the 401 response has already been written.
func (d Decision) Proceed() bool {
	return d.Result == ResultAuthenticated
}
