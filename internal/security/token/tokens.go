// Package tokens generates and hashes the opaque random values used for
// OAuth state, nonces, CSRF tokens and session identifiers.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// StateBytes is the minimum entropy for OAuth state values.
const StateBytes = 32

// GenerateOpaqueToken returns nBytes of randomness as base64url without padding.
func GenerateOpaqueToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SHA256Base64URL returns sha256(input) as base64url without padding. Used to
// derive cache keys so raw state/session values never land in storage.
func SHA256Base64URL(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
