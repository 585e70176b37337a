// Package ntlm inspects NTLMSSP messages carried in HTTP Authorization
// headers.
//
// NTLM (NT LAN Manager) is a challenge-response protocol defined in
// [MS-NLMP]. ntlmgate never performs the cryptography itself: Type 1 and
// Type 3 tokens are passed through to the directory server, which validates
// them. This package only classifies tokens and extracts the identity
// fields of Type 3 messages for the post-bind directory lookup and for
// audit logging.
package ntlm

import (
	"bytes"
	"encoding/binary"
)

// MessageType identifies the three messages in the NTLM handshake.
// [MS-NLMP] Section 2.2.1
type MessageType uint32

const (
	// Negotiate (Type 1) is sent by the client to initiate authentication.
	Negotiate MessageType = 1

	// Challenge (Type 2) is sent by the server in response to Type 1.
	Challenge MessageType = 2

	// Authenticate (Type 3) completes the handshake and carries the
	// challenge response along with username, domain and workstation.
	Authenticate MessageType = 3
)

// Signature is the 8-byte prefix of every NTLM message: "NTLMSSP\0".
var Signature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

const headerSize = 12 // signature (8) + message type (4)

// AUTHENTICATE_MESSAGE field descriptors, [MS-NLMP] Section 2.2.1.3.
// Each descriptor is Len (2) + MaxLen (2) + Offset (4).
const (
	authDomainLenOffset      = 28
	authDomainOffOffset      = 32
	authUserLenOffset        = 36
	authUserOffOffset        = 40
	authWorkstationLenOffset = 44
	authWorkstationOffOffset = 48
	authFlagsOffset          = 60
	authBaseSize             = 64
)

// Negotiate flags relevant to parsing. [MS-NLMP] Section 2.2.2.5
const (
	flagUnicode   uint32 = 0x00000001
	flagAnonymous uint32 = 0x00000800
)

// IsValid reports whether buf starts with the NTLMSSP signature and is long
// enough to carry a message type.
func IsValid(buf []byte) bool {
	return len(buf) >= headerSize && bytes.Equal(buf[:8], Signature)
}

// GetMessageType returns the message type of an NTLM token, or 0 if the
// buffer is too short to carry one.
func GetMessageType(buf []byte) MessageType {
	if len(buf) < headerSize {
		return 0
	}
	return MessageType(binary.LittleEndian.Uint32(buf[8:headerSize]))
}

// AuthenticateMessage holds the identity fields of an NTLM Type 3 message.
// The challenge responses themselves are not extracted; the directory
// server verifies those.
type AuthenticateMessage struct {
	// Username is the account name, the key for the directory lookup.
	Username string

	// Domain is the authentication domain; may be empty.
	Domain string

	// Workstation is the client workstation name, used for audit logging.
	Workstation string

	// Anonymous is set when the client negotiated anonymous authentication.
	Anonymous bool
}

// ParseAuthenticate extracts the identity fields from an NTLM Type 3
// (AUTHENTICATE) message.
func ParseAuthenticate(buf []byte) (*AuthenticateMessage, error) {
	if len(buf) < authBaseSize {
		return nil, ErrMessageTooShort
	}
	if !IsValid(buf) {
		return nil, ErrInvalidSignature
	}
	if GetMessageType(buf) != Authenticate {
		return nil, ErrWrongMessageType
	}

	flags := binary.LittleEndian.Uint32(buf[authFlagsOffset : authFlagsOffset+4])
	unicode := flags&flagUnicode != 0

	msg := &AuthenticateMessage{
		Anonymous:   flags&flagAnonymous != 0,
		Domain:      readField(buf, authDomainLenOffset, authDomainOffOffset, unicode),
		Username:    readField(buf, authUserLenOffset, authUserOffOffset, unicode),
		Workstation: readField(buf, authWorkstationLenOffset, authWorkstationOffOffset, unicode),
	}
	return msg, nil
}

// readField reads one variable-length payload field via its Len/Offset
// descriptor. Out-of-bounds descriptors yield an empty string rather than
// an error; a malformed field must not abort the whole parse.
func readField(buf []byte, lenOff, offOff int, unicode bool) string {
	n := binary.LittleEndian.Uint16(buf[lenOff : lenOff+2])
	off := binary.LittleEndian.Uint32(buf[offOff : offOff+4])
	if n == 0 || int(off)+int(n) > len(buf) {
		return ""
	}
	return decodeString(buf[off:off+uint32(n)], unicode)
}

// decodeString decodes UTF-16LE when the Unicode flag was negotiated,
// otherwise treats the bytes as the OEM code page (ASCII in practice).
func decodeString(buf []byte, unicode bool) string {
	if !unicode {
		return string(buf)
	}
	if len(buf)%2 != 0 {
		buf = buf[:len(buf)-1]
	}
	runes := make([]rune, len(buf)/2)
	for i := 0; i < len(buf); i += 2 {
		runes[i/2] = rune(binary.LittleEndian.Uint16(buf[i : i+2]))
	}
	return string(runes)
}

// Error is a sentinel parse error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrMessageTooShort is returned when the buffer is too small for the
	// message type.
	ErrMessageTooShort Error = "ntlm: message too short"

	// ErrInvalidSignature is returned when the NTLMSSP signature is missing.
	ErrInvalidSignature Error = "ntlm: invalid signature"

	// ErrWrongMessageType is returned when parsing a message of an
	// unexpected type.
	ErrWrongMessageType Error = "ntlm: wrong message type"
)
