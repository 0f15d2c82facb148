// Package oracle defines the adapter the agent calls through for the
// cryptographic operations it does not implement itself: signing,
// decryption, key generation, and smartcard learning. SPEC_FULL.md §1
// treats the actual cryptography as an external collaborator; Oracle is
// the seam a real PKCS#11 or software backend would plug into.
package oracle

import "errors"

// ErrNoSecretKey is returned when an operation needs a selected key and
// none is available.
var ErrNoSecretKey = errors.New("oracle: no secret key available")

// Oracle is the crypto backend seam. Sign and Decrypt take the keygrip
// identifying which key to use; Sign additionally takes the pending digest
// (algorithm id plus bytes) set by SETHASH.
type Oracle interface {
	// HaveKey reports whether a secret key for keygrip exists.
	HaveKey(keygrip [20]byte) bool

	// Sign produces a signature over digest under keygrip.
	Sign(keygrip [20]byte, digestAlgo int, digest []byte) ([]byte, error)

	// Decrypt decrypts ciphertext under keygrip.
	Decrypt(keygrip [20]byte, ciphertext []byte) ([]byte, error)

	// GenKey creates a new key from the given parameters and returns its
	// public part.
	GenKey(params []byte) ([]byte, error)

	// LearnSmartcard imports whatever keys a connected smartcard exposes
	// and returns a human-readable summary for LEARN's status lines.
	LearnSmartcard() ([]string, error)
}

// Stub is a deterministic, dependency-free Oracle used by the daemon's own
// tests and as the default implementation until a real PKCS#11/smartcard
// backend is wired in. It "signs" by reversing the digest and "decrypts"
// by reversing the ciphertext, which is enough to exercise the dispatcher
// and inquire plumbing without pulling in real cryptography.
type Stub struct {
	Keys map[[20]byte]bool
}

// NewStub returns a Stub that knows about the given keygrips.
func NewStub(keygrips ...[20]byte) *Stub {
	known := make(map[[20]byte]bool, len(keygrips))
	for _, g := range keygrips {
		known[g] = true
	}
	return &Stub{Keys: known}
}

func (s *Stub) HaveKey(keygrip [20]byte) bool { return s.Keys[keygrip] }

func (s *Stub) Sign(keygrip [20]byte, digestAlgo int, digest []byte) ([]byte, error) {
	if !s.Keys[keygrip] {
		return nil, ErrNoSecretKey
	}
	return reversed(digest), nil
}

func (s *Stub) Decrypt(keygrip [20]byte, ciphertext []byte) ([]byte, error) {
	if !s.Keys[keygrip] {
		return nil, ErrNoSecretKey
	}
	return reversed(ciphertext), nil
}

func (s *Stub) GenKey(params []byte) ([]byte, error) {
	return reversed(params), nil
}

func (s *Stub) LearnSmartcard() ([]string, error) {
	return []string{"no smartcard reader configured"}, nil
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}
