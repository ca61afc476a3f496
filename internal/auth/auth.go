// Package auth implements the password-proof primitives of the chat handshake.
//
// Passwords never cross the wire. Both sides derive the same verifier from the
// account name and password; the server sends a random nonce and the client
// proves knowledge of the verifier by returning an HMAC of the nonce keyed with
// it.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the number of random bytes in a challenge nonce.
	NonceSize = 64

	verifierIterations = 10000
	verifierKeyLen     = 64
)

// ErrMalformedDigest is returned when a client digest is not valid base64.
var ErrMalformedDigest = errors.New("malformed digest")

// DeriveVerifier turns a password into the key stored for an account. The
// account name, lower-cased, is the salt, so the client can derive the same
// value without a round trip. The result is hex text.
func DeriveVerifier(name, password string) []byte {
	key := pbkdf2.Key([]byte(password), []byte(strings.ToLower(name)), verifierIterations, verifierKeyLen, sha512.New)
	out := make([]byte, hex.EncodedLen(len(key)))
	hex.Encode(out, key)
	return out
}

// NewNonce returns a fresh challenge nonce as hex text.
func NewNonce() (string, error) {
	buf := make([]byte, NonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Digest computes the keyed hash of nonce under verifier.
func Digest(verifier []byte, nonce string) []byte {
	mac := hmac.New(sha256.New, verifier)
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// EncodeDigest renders a digest for the "data" field of a 511 reply.
func EncodeDigest(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}

// Answer computes the client's reply to a challenge.
func Answer(verifier []byte, nonce string) string {
	return EncodeDigest(Digest(verifier, nonce))
}

// Verify reports whether encoded, a base64 digest sent by a client, matches
// expected. The comparison is constant time.
func Verify(expected []byte, encoded string) (bool, error) {
	got, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
	return hmac.Equal(expected, got), nil
}
