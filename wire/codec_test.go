package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

// pipeConn gives each side of an io.ReadWriteCloser pair for Conn tests.
type pipeConn struct {
	r io.Reader
	w io.Writer
}

func (p pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeConn) Close() error                { return nil }

func newTestConn(input string) (*Conn, *bytes.Buffer) {
	out := &bytes.Buffer{}
	c := NewConn(pipeConn{r: strings.NewReader(input), w: out})
	return c, out
}

func TestReadCommandSplitsVerbAndArgs(t *testing.T) {
	c, _ := newTestConn("sigkey DEADBEEF\n")
	cmd, err := c.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Verb != "SIGKEY" {
		t.Fatalf("Verb = %q, want SIGKEY", cmd.Verb)
	}
	if cmd.Args != "DEADBEEF" {
		t.Fatalf("Args = %q, want DEADBEEF", cmd.Args)
	}
}

func TestReadCommandSkipsBlankLines(t *testing.T) {
	c, _ := newTestConn("\n\nLISTTRUSTED\n")
	cmd, err := c.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Verb != "LISTTRUSTED" || cmd.Args != "" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestWriteOKConsumesConfidentialFlag(t *testing.T) {
	c, out := newTestConn("")
	c.SetConfidential()
	if !c.IsConfidential() {
		t.Fatalf("expected confidential flag set")
	}
	if err := c.WriteOK("secret"); err != nil {
		t.Fatalf("WriteOK: %v", err)
	}
	if c.IsConfidential() {
		t.Fatalf("confidential flag should be consumed after WriteOK")
	}
	if out.String() != "OK secret\n" {
		t.Fatalf("out = %q", out.String())
	}
}

func TestWriteErr(t *testing.T) {
	c, out := newTestConn("")
	if err := c.WriteErr(CodeNotFound, "no such key"); err != nil {
		t.Fatalf("WriteErr: %v", err)
	}
	if out.String() != "ERR NotFound no such key\n" {
		t.Fatalf("out = %q", out.String())
	}
}

func TestWriteDataRoundTripsThroughPercentEncoding(t *testing.T) {
	payload := []byte{0x00, 0x01, '%', '\n', '\r', 'a', 'b', 'c'}
	c, out := newTestConn("")
	if err := c.WriteData(payload); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	line := strings.TrimSuffix(out.String(), "\n")
	if !strings.HasPrefix(line, "D ") {
		t.Fatalf("expected D-line, got %q", line)
	}
	decoded, err := percentDecode(line[2:])
	if err != nil {
		t.Fatalf("percentDecode: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("round trip = %v, want %v", decoded, payload)
	}
}

func TestWriteDataChunksLargePayloads(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), dataChunkWidth*2+10)
	c, out := newTestConn("")
	if err := c.WriteData(payload); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d D-lines, want 3", len(lines))
	}
}

func TestInquireReadsUntilEnd(t *testing.T) {
	input := "D " + percentEncode([]byte("hello ")) + "\nD " + percentEncode([]byte("world")) + "\nEND\n"
	c, out := newTestConn(input)
	payload, err := c.Inquire("CIPHERTEXT", 4096)
	if err != nil {
		t.Fatalf("Inquire: %v", err)
	}
	if string(payload) != "hello world" {
		t.Fatalf("payload = %q", payload)
	}
	if !strings.HasPrefix(out.String(), "INQUIRE CIPHERTEXT\n") {
		t.Fatalf("out = %q", out.String())
	}
}

func TestInquireRejectsOversizePayload(t *testing.T) {
	big := strings.Repeat("a", 100)
	input := "D " + big + "\nEND\n"
	c, _ := newTestConn(input)
	_, err := c.Inquire("KEYPARAM", 10)
	if err != ErrInquireTooLarge {
		t.Fatalf("err = %v, want ErrInquireTooLarge", err)
	}
}

func TestInquireRejectsMalformedLine(t *testing.T) {
	c, _ := newTestConn("NOT-A-VALID-LINE\n")
	_, err := c.Inquire("CIPHERTEXT", 100)
	if err != ErrMalformedInquireReply {
		t.Fatalf("err = %v, want ErrMalformedInquireReply", err)
	}
}
