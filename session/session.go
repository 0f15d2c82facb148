// Package session holds the per-connection mutable state that the command
// dispatcher and its handlers read and write: the selected keygrip, a
// pending digest, and per-connection option overrides that used to live in
// gpg-agent's global `opt` struct.
package session

import (
	"fmt"

	"github.com/keybrokerd/keybrokerd/secret"
)

// MaxDigestLen bounds the pending digest buffer. Mirrors gnupg's
// MAX_DIGEST_LEN.
const MaxDigestLen = 64

// allowedDigestLengths are the only byte lengths SETHASH accepts, per the
// digests this daemon's oracle understands (MD5/RIPEMD160/SHA1-family
// widths collapse to these four sizes).
var allowedDigestLengths = map[int]bool{16: true, 20: true, 24: true, 32: true}

// IsAllowedDigestLength reports whether n is a supported digest byte length.
func IsAllowedDigestLength(n int) bool {
	return allowedDigestLengths[n]
}

// OptionKey enumerates the environment overrides a client may set via
// OPTION. Unlike the C original, these are stored per session rather than
// in a process-wide global.
type OptionKey string

const (
	OptDisplay    OptionKey = "display"
	OptTTYName    OptionKey = "ttyname"
	OptTTYType    OptionKey = "ttytype"
	OptLCCtype    OptionKey = "lc-ctype"
	OptLCMessages OptionKey = "lc-messages"
)

var validOptionKeys = map[OptionKey]bool{
	OptDisplay: true, OptTTYName: true, OptTTYType: true,
	OptLCCtype: true, OptLCMessages: true,
}

// ErrUnknownOption is returned by SetOption for an unrecognized key.
var ErrUnknownOption = fmt.Errorf("session: unknown option")

// Digest is the pending hash set by SETHASH and consumed by PKSIGN.
type Digest struct {
	Algo   int
	Bytes  [MaxDigestLen]byte
	Length int // 0 means unset
}

// Context is one connection's session state. It is not safe for concurrent
// use; the dispatcher serializes access per connection.
type Context struct {
	Keygrip     [20]byte
	HaveKeygrip bool
	Digest      Digest

	envOverrides map[OptionKey]string

	// RequestState is the keybox backend chain's per-session cursor. It is
	// an opaque handle to this package: the keybox frontend handlers
	// create it and hand it to keybox.Chain.
	// Declared here, rather than in keybox, because it must survive across
	// commands the same way the rest of the session does and is released
	// at the same point in the connection lifecycle.
	RequestState any
}

// New returns a freshly reset session context.
func New() *Context {
	return &Context{envOverrides: make(map[OptionKey]string)}
}

// SetOption records a client-supplied OPTION key=value pair. Unknown keys
// are rejected; this is the only failure mode modeled, since Go strings
// never fail to allocate.
func (c *Context) SetOption(key OptionKey, value string) error {
	if !validOptionKeys[key] {
		return ErrUnknownOption
	}
	c.envOverrides[key] = value
	return nil
}

// Option returns a previously set override and whether it was present.
func (c *Context) Option(key OptionKey) (string, bool) {
	v, ok := c.envOverrides[key]
	return v, ok
}

// SetKeygrip records the 20-byte keygrip selected by SIGKEY/SETKEY.
func (c *Context) SetKeygrip(grip [20]byte) {
	c.Keygrip = grip
	c.HaveKeygrip = true
}

// SetDigest records the pending hash set by SETHASH. length must already
// have been validated with IsAllowedDigestLength.
func (c *Context) SetDigest(algo int, data []byte) {
	c.Digest = Digest{Algo: algo, Length: len(data)}
	copy(c.Digest.Bytes[:], data)
}

// ResetNotify clears the transient per-command state (keygrip and pending
// digest) without touching option overrides or the backend request state.
// Grounded on gnupg agent/command.c's reset_notify, which deliberately
// leaves ctrl->opt alone.
func (c *Context) ResetNotify() {
	secret.Zero(c.Digest.Bytes[:])
	c.Digest = Digest{}
	var zero [20]byte
	c.Keygrip = zero
	c.HaveKeygrip = false
}

// Close releases any secret-bearing state held directly by the session.
// It does not touch RequestState.
func (c *Context) Close() {
	secret.Zero(c.Digest.Bytes[:])
}
