// Package secret holds small helpers for carrying key material, passphrases,
// and decrypted payloads through the daemon without leaving copies behind.
package secret

// Bytes is an owned buffer of confidential data. Callers that receive a
// *Bytes must call Wipe when they are done with it, including on error
// paths.
type Bytes struct {
	buf []byte
}

// New takes ownership of b and wraps it. The caller must not read or write
// b directly after this call.
func New(b []byte) *Bytes {
	return &Bytes{buf: b}
}

// NewCopy copies b into a freshly owned buffer.
func NewCopy(b []byte) *Bytes {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Bytes{buf: cp}
}

// Bytes returns the underlying buffer. The returned slice aliases internal
// storage and becomes invalid after Wipe.
func (s *Bytes) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.buf
}

// Len reports the number of bytes held, or 0 for a nil receiver.
func (s *Bytes) Len() int {
	if s == nil {
		return 0
	}
	return len(s.buf)
}

// Wipe overwrites the buffer with zeroes and drops the reference. Safe to
// call more than once and on a nil receiver.
func (s *Bytes) Wipe() {
	if s == nil {
		return
	}
	Zero(s.buf)
	s.buf = nil
}

// Zero overwrites b with zero bytes in place. Used directly on buffers that
// are never promoted to a *Bytes (e.g. stack-local digest arrays).
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
