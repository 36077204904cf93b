// Package session implements the server-side session layer: long-lived
// per-client state that survives socket churn, identity-based lookup, a
// multi-field secondary index, and offline message queueing.
package session

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// TokenSize is the length of the reconnect credential in bytes.
const TokenSize = 16

// Token is the 128-bit reconnect credential issued at session creation.
type Token [TokenSize]byte

// IsZero reports whether the token is absent (all zero bytes).
func (t Token) IsZero() bool {
	return t == Token{}
}

// Hex returns the token as 32 lowercase hex characters.
func (t Token) Hex() string {
	return hex.EncodeToString(t[:])
}

// ParseToken decodes a 32-character lowercase hex token.
func ParseToken(s string) (Token, bool) {
	var t Token
	if len(s) != TokenSize*2 {
		return t, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Token{}, false
	}
	copy(t[:], b)
	return t, true
}

// NewToken generates a random token.
func NewToken() Token {
	return Token(uuid.New())
}

// Identity is the transport-agnostic client identity. Equality for the
// purpose of session reuse uses only ClientID and DeviceID; the token is
// a reconnect credential, not part of the identity.
type Identity struct {
	ClientID string
	DeviceID uint64
	Token    Token
}

// Key is the comparable projection of an identity used for map lookup.
type Key struct {
	ClientID string
	DeviceID uint64
}

// Key returns the lookup key for id.
func (id Identity) Key() Key {
	return Key{ClientID: id.ClientID, DeviceID: id.DeviceID}
}

// SameIdentity reports whether two identities refer to the same client,
// ignoring tokens.
func (id Identity) SameIdentity(other Identity) bool {
	return id.ClientID == other.ClientID && id.DeviceID == other.DeviceID
}
