package handshake

// Rejection reasons reported to Metrics.Rejected.
const (
	ReasonCredentials = "credentials"
	ReasonVeto        = "veto"
	ReasonBindError   = "bind_error"
)

// Metrics receives handshake events. A nil Metrics disables instrumentation;
// the coordinator checks before every call.
type Metrics interface {
	// ChallengeIssued counts 401 responses carrying a WWW-Authenticate
	// header, bare or with a Type 2 token.
	ChallengeIssued()

	// Authenticated counts handshakes that completed successfully.
	Authenticated()

	// Rejected counts failed handshakes by reason.
	Rejected(reason string)
}
