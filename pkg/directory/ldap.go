package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/marmos91/ntlmgate/internal/auth/ntlm"
)

// Config configures the LDAP binder.
type Config struct {
	// URL is the directory server address, e.g. "ldap://dc1.corp.example:389"
	// or "ldaps://dc1.corp.example:636".
	URL string

	// BaseDN is the search base for the post-bind user lookup,
	// e.g. "dc=corp,dc=example".
	BaseDN string

	// Attributes are the user attributes fetched for the UserEntry.
	// Empty means DefaultAttributes.
	Attributes []string

	// DialTimeout bounds the TCP/TLS connect. Zero means 10s.
	DialTimeout time.Duration

	// OperationTimeout bounds each LDAP operation. Zero means 30s.
	OperationTimeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification for ldaps
	// URLs. Intended for lab setups only.
	InsecureSkipVerify bool
}

// DefaultAttributes are the user attributes fetched when Config.Attributes
// is empty.
var DefaultAttributes = []string{
	"sAMAccountName", "displayName", "mail", "userPrincipalName", "distinguishedName",
}

const (
	defaultDialTimeout      = 10 * time.Second
	defaultOperationTimeout = 30 * time.Second
)

// ErrSessionClosed is returned by bind calls aborted by Close.
var ErrSessionClosed = errors.New("directory: session closed")

// LDAPBinder opens NTLM passthrough bind sessions against an Active
// Directory domain controller.
//
// The raw NTLM tokens from the browser are forwarded inside an LDAP
// GSS-SPNEGO (Sicily) bind; the domain controller performs all cryptographic
// validation and the binder never sees credentials.
type LDAPBinder struct {
	cfg Config
}

// NewLDAPBinder creates a binder for the given directory server.
func NewLDAPBinder(cfg Config) *LDAPBinder {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if len(cfg.Attributes) == 0 {
		cfg.Attributes = DefaultAttributes
	}
	return &LDAPBinder{cfg: cfg}
}

// Open dials the directory server and returns a fresh bind session.
func (b *LDAPBinder) Open(ctx context.Context) (Session, error) {
	dialer := &net.Dialer{Timeout: b.cfg.DialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if strings.HasPrefix(b.cfg.URL, "ldaps://") {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{
			InsecureSkipVerify: b.cfg.InsecureSkipVerify,
		}))
	}

	conn, err := ldap.DialURL(b.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial directory server %s: %w", b.cfg.URL, err)
	}
	conn.SetTimeout(b.cfg.OperationTimeout)

	return &ldapSession{
		conn:     conn,
		cfg:      b.cfg,
		bindDone: make(chan error, 1),
		done:     make(chan struct{}),
	}, nil
}

// ldapSession bridges go-ldap's synchronous NTLMChallengeBind onto the
// asynchronous three-message HTTP exchange.
//
// NTLMChallengeBind performs both round trips of the Sicily bind in one
// call, driven by an ldap.NTLMNegotiator. BindType1 runs the bind in a
// session-owned goroutine whose negotiator hands the server challenge out
// over a channel and then parks until BindType3 delivers the Type 3 token.
// Close unblocks everything, so an abandoned handshake cannot leak the
// goroutine once the session is evicted.
type ldapSession struct {
	conn *ldap.Conn
	cfg  Config

	neg      *passthroughNegotiator
	bindDone chan error
	started  bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// passthroughNegotiator feeds browser-supplied tokens into the bind instead
// of computing NTLM messages from local credentials.
type passthroughNegotiator struct {
	type1     []byte
	challenge chan []byte
	response  chan []byte
	done      chan struct{}
}

var _ ldap.NTLMNegotiator = (*passthroughNegotiator)(nil)

func (n *passthroughNegotiator) Negotiate(domain, workstation string) ([]byte, error) {
	return n.type1, nil
}

func (n *passthroughNegotiator) ChallengeResponse(challenge []byte, username, hash string) ([]byte, error) {
	select {
	case n.challenge <- challenge:
	case <-n.done:
		return nil, ErrSessionClosed
	}
	select {
	case token := <-n.response:
		return token, nil
	case <-n.done:
		return nil, ErrSessionClosed
	}
}

func (s *ldapSession) BindType1(ctx context.Context, token []byte) ([]byte, error) {
	if s.started {
		return nil, errors.New("directory: bind already in progress")
	}
	s.started = true
	s.neg = &passthroughNegotiator{
		type1:     token,
		challenge: make(chan []byte, 1),
		response:  make(chan []byte, 1),
		done:      s.done,
	}

	go func() {
		_, err := s.conn.NTLMChallengeBind(&ldap.NTLMBindRequest{
			Negotiator: s.neg,
		})
		s.bindDone <- err
	}()

	select {
	case challenge := <-s.neg.challenge:
		return challenge, nil
	case err := <-s.bindDone:
		// The bind finished without the server issuing a challenge.
		if err != nil {
			return nil, fmt.Errorf("ntlm negotiate bind: %w", err)
		}
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

func (s *ldapSession) BindType3(ctx context.Context, token []byte) (*UserEntry, error) {
	if !s.started {
		return nil, errors.New("directory: no negotiate bind in progress")
	}

	select {
	case s.neg.response <- token:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}

	select {
	case err := <-s.bindDone:
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
				// Credentials rejected by the directory, not a transport
				// failure: report "no entry".
				return nil, nil
			}
			return nil, fmt.Errorf("ntlm authenticate bind: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}

	msg, err := ntlm.ParseAuthenticate(token)
	if err != nil {
		return nil, fmt.Errorf("parse authenticate token: %w", err)
	}
	return s.lookupUser(msg.Username)
}

// lookupUser fetches the directory entry of the freshly bound account. A
// lookup miss is not a failure: the bind already proved the identity, so a
// minimal entry with the account name is returned instead.
func (s *ldapSession) lookupUser(account string) (*UserEntry, error) {
	filter := fmt.Sprintf("(&(objectClass=user)(sAMAccountName=%s))", ldap.EscapeFilter(account))
	req := ldap.NewSearchRequest(
		s.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, s.cfg.Attributes, nil,
	)

	res, err := s.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", account, err)
	}
	if len(res.Entries) == 0 {
		return &UserEntry{
			Attributes: map[string][]string{"samaccountname": {account}},
		}, nil
	}

	found := res.Entries[0]
	entry := &UserEntry{
		DN:         found.DN,
		Attributes: make(map[string][]string, len(found.Attributes)+1),
	}
	for _, attr := range found.Attributes {
		entry.Attributes[strings.ToLower(attr.Name)] = attr.Values
	}
	if entry.Account() == "" {
		entry.Attributes["samaccountname"] = []string{account}
	}
	return entry, nil
}

func (s *ldapSession) Groups(ctx context.Context, accountName string) ([]string, error) {
	select {
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filter := fmt.Sprintf("(&(objectClass=user)(sAMAccountName=%s))", ldap.EscapeFilter(accountName))
	req := ldap.NewSearchRequest(
		s.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"memberOf"}, nil,
	)

	res, err := s.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("lookup groups for %q: %w", accountName, err)
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}
	return res.Entries[0].GetAttributeValues("memberOf"), nil
}

func (s *ldapSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
