// Package wire implements the line-oriented, inquiry-capable protocol
// spoken between keybrokerd and its clients. One command per line in,
// one or more reply lines out, with an INQUIRE sub-dialog for pulling
// bounded binary payloads from the client mid-command.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reply line budget. Lines longer than this are never produced by this
// package; it is enforced defensively on read as well.
const maxLineLength = 4096

// dataChunkWidth is the number of raw bytes encoded per "D " line.
const dataChunkWidth = 512

var (
	// ErrLineTooLong is returned when a peer sends a line exceeding maxLineLength.
	ErrLineTooLong = errors.New("wire: line too long")
	// ErrInquireTooLarge is returned when an inquire payload exceeds its declared limit.
	ErrInquireTooLarge = errors.New("wire: inquire payload too large")
	// ErrMalformedInquireReply is returned when the client's reply to an
	// INQUIRE does not follow the D*/END grammar.
	ErrMalformedInquireReply = errors.New("wire: malformed inquire reply")
)

// Conn wraps a byte stream with the command/reply framing described above.
// It is not safe for concurrent use by multiple goroutines; a dispatcher
// serializes all access per connection.
type Conn struct {
	rw           io.ReadWriteCloser
	r            *bufio.Reader
	w            *bufio.Writer
	confidential bool // applies to the next OK/D line only
}

// NewConn wraps rw in the command/reply protocol.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{
		rw: rw,
		r:  bufio.NewReaderSize(rw, maxLineLength),
		w:  bufio.NewWriterSize(rw, maxLineLength),
	}
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rw.Close()
}

// Command is one parsed request line: a verb and its raw argument string
// (everything after the first space, not yet tokenized).
type Command struct {
	Verb string
	Args string
}

// ReadCommand reads and parses the next request line. Blank lines are
// skipped (grounded on the Assuan convention that empty input lines are
// ignored rather than treated as an empty-verb command).
func (c *Conn) ReadCommand() (Command, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return Command{}, err
		}
		if len(line) == 0 {
			continue
		}
		verb, args, _ := strings.Cut(line, " ")
		return Command{Verb: strings.ToUpper(verb), Args: strings.TrimLeft(args, " ")}, nil
	}
}

func (c *Conn) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			// Last line of the stream had no trailing newline; accept it.
		} else {
			return "", err
		}
	}
	if len(line) > maxLineLength {
		return "", ErrLineTooLong
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// SetConfidential marks the next reply emitted (OK or D) as carrying
// material that must never be logged. The flag is consumed by the next
// WriteOK/WriteData call.
func (c *Conn) SetConfidential() {
	c.confidential = true
}

// IsConfidential reports whether the next reply is flagged confidential,
// without consuming the flag. Handlers use this to route text away from
// loggers before calling the corresponding Write method.
func (c *Conn) IsConfidential() bool {
	return c.confidential
}

func (c *Conn) takeConfidential() bool {
	v := c.confidential
	c.confidential = false
	return v
}

// WriteOK emits an "OK" reply, optionally with trailing text. If the
// confidential flag is set, text is still written on the wire (the client
// needs it) but callers must not have passed it to a logger beforehand.
func (c *Conn) WriteOK(text string) error {
	c.takeConfidential()
	if text == "" {
		return c.writeLine("OK")
	}
	return c.writeLine("OK " + text)
}

// ErrCode identifies a reply error kind; see the error taxonomy in
// SPEC_FULL.md §7.
type ErrCode string

const (
	CodeParameterError  ErrCode = "ParameterError"
	CodeUnsupportedAlgo ErrCode = "UnsupportedAlgorithm"
	CodeInvalidOption   ErrCode = "InvalidOption"
	CodeOutOfCore       ErrCode = "OutOfCore"
	CodeNoSecretKey     ErrCode = "NoSecretKey"
	CodeNotTrusted      ErrCode = "NotTrusted"
	CodeNotFound        ErrCode = "NotFound"
	CodeConflict        ErrCode = "Conflict"
	CodeNotInitialized  ErrCode = "NotInitialized"
	CodeUnsupported     ErrCode = "Unsupported"
	CodeInternal        ErrCode = "Internal"
	CodeNotConfirmed    ErrCode = "NotConfirmed"
)

// WriteErr emits an "ERR" reply carrying a taxonomy code and human text.
func (c *Conn) WriteErr(code ErrCode, text string) error {
	c.confidential = false
	if text == "" {
		return c.writeLine(fmt.Sprintf("ERR %s", code))
	}
	return c.writeLine(fmt.Sprintf("ERR %s %s", code, text))
}

// WriteStatus emits an "S" (status) line: a keyword plus free text, used
// for streaming multiple results ahead of a final OK (e.g. LISTTRUSTED
// entries, SEARCH hits).
func (c *Conn) WriteStatus(keyword, text string) error {
	if text == "" {
		return c.writeLine("S " + keyword)
	}
	return c.writeLine("S " + keyword + " " + text)
}

// WriteData streams a binary payload as one or more percent-encoded "D"
// lines. Confidential data is still encoded the same way; the flag only
// governs logging policy at the call site.
func (c *Conn) WriteData(data []byte) error {
	c.takeConfidential()
	if len(data) == 0 {
		return nil
	}
	for off := 0; off < len(data); off += dataChunkWidth {
		end := off + dataChunkWidth
		if end > len(data) {
			end = len(data)
		}
		if err := c.writeLine("D " + percentEncode(data[off:end])); err != nil {
			return err
		}
	}
	return nil
}

// Inquire runs the server-initiated sub-dialog: it asks the client for
// keyword, then reads D-lines until END, decoding and concatenating them.
// The payload is rejected with ErrInquireTooLarge if it would exceed
// maxBytes. The dialog is always fully drained, even when a size violation
// is detected partway through, so the connection remains in sync.
func (c *Conn) Inquire(keyword string, maxBytes int) ([]byte, error) {
	if err := c.writeLine("INQUIRE " + keyword); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var overflow bool
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		switch {
		case line == "END":
			if overflow {
				return nil, ErrInquireTooLarge
			}
			return buf.Bytes(), nil
		case line == "CAN":
			return nil, errors.New("wire: inquire cancelled by client")
		case strings.HasPrefix(line, "D "):
			chunk, derr := percentDecode(line[2:])
			if derr != nil {
				return nil, ErrMalformedInquireReply
			}
			if buf.Len()+len(chunk) > maxBytes {
				overflow = true
				continue
			}
			buf.Write(chunk)
		case line == "D":
			// empty data line, nothing to append
		default:
			return nil, ErrMalformedInquireReply
		}
	}
}

func (c *Conn) writeLine(s string) error {
	if len(s) > maxLineLength {
		return ErrLineTooLong
	}
	if _, err := c.w.WriteString(s); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// percentEncode escapes bytes that cannot appear literally on a data line:
// '%', '\r', '\n', and all bytes below 0x20.
func percentEncode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c == '%' || c == '\r' || c == '\n' || c < 0x20 {
			fmt.Fprintf(&sb, "%%%02X", c)
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// percentDecode reverses percentEncode.
func percentDecode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			out = append(out, s[i])
			continue
		}
		if i+2 >= len(s) {
			return nil, errors.New("wire: truncated percent-escape")
		}
		hi, ok1 := hexNibble(s[i+1])
		lo, ok2 := hexNibble(s[i+2])
		if !ok1 || !ok2 {
			return nil, errors.New("wire: invalid percent-escape")
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return out, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
