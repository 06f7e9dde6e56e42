// Package secret generates the opaque reconnect secrets a Router uses as
// connection-directory keys. A secret identifies a connection's session
// across reconnects; it is never parsed, only compared and looked up.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the number of random bytes in a secret, giving a 64-character hex
// string. This is wider than a github.com/google/uuid (16 bytes) on purpose:
// reconnect secrets are bearer tokens handed to untrusted peers, not
// correlation ids, so they get the extra margin rather than reusing the uuid
// dependency already pulled in for request correlation.
const Size = 32

// New returns a fresh, cryptographically random secret as lowercase hex.
func New() (string, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("secret: generate: %w", err)
	}

	return hex.EncodeToString(buf), nil
}

// MustNew is like New but panics on failure. crypto/rand.Read only fails
// when the OS entropy source is unavailable, a condition callers cannot
// meaningfully recover from while constructing a client connection.
func MustNew() string {
	s, err := New()
	if err != nil {
		panic(err)
	}

	return s
}

// Valid reports whether s has the shape of a secret minted by New: exactly
// Size bytes of lowercase hex. It does not and cannot verify the secret was
// actually issued by this process.
func Valid(s string) bool {
	if len(s) != Size*2 {
		return false
	}

	for _, ch := range s {
		if ch >= 'A' && ch <= 'F' {
			return false
		}
	}

	_, err := hex.DecodeString(s)
	return err == nil
}
