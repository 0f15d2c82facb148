package keyboxd

import (
	"bufio"
	"encoding/hex"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keybrokerd/keybrokerd/cache"
	"github.com/keybrokerd/keybrokerd/dispatch"
	"github.com/keybrokerd/keybrokerd/keybox"
	"github.com/keybrokerd/keybrokerd/session"
	"github.com/keybrokerd/keybrokerd/wire"
)

type harness struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newHarness(t *testing.T, fileBackendPath string) *harness {
	t.Helper()
	byteCache, err := cache.New(cache.DefaultCacheConfig())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { byteCache.Close() })

	chain := keybox.NewChain(keybox.NewCacheBackend(byteCache, time.Minute, 10*time.Second))
	if fileBackendPath != "" {
		fb, err := keybox.OpenFileBackend(fileBackendPath)
		if err != nil {
			t.Fatalf("OpenFileBackend: %v", err)
		}
		chain.AddResource(keybox.KindOnDisk, fb)
	}

	table := dispatch.NewTable()
	Register(table, Deps{Chain: chain})

	client, server := net.Pipe()
	go dispatch.Serve("test", wire.NewConn(server), session.New(), table, nil)

	h := &harness{t: t, conn: client, r: bufio.NewReader(client)}
	h.expect("OK keybrokerd ready")
	return h
}

func (h *harness) send(line string) {
	h.t.Helper()
	if _, err := h.conn.Write([]byte(line + "\n")); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) readLine() string {
	h.t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.r.ReadString('\n')
	if err != nil {
		h.t.Fatalf("read: %v", err)
	}
	return line[:len(line)-1]
}

func (h *harness) expect(want string) {
	h.t.Helper()
	if got := h.readLine(); got != want {
		h.t.Fatalf("got %q, want %q", got, want)
	}
}

func blobFor(ubid keybox.UBID, payload string) []byte {
	blob := make([]byte, 21+len(payload))
	blob[0] = 1
	copy(blob[1:21], ubid[:])
	copy(blob[21:], payload)
	return blob
}

func TestSearchNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.kbx")
	h := newHarness(t, path)
	var ubid keybox.UBID
	ubid[0] = 1
	h.send("SEARCH " + hex.EncodeToString(ubid[:]))
	h.expect("ERR NotFound not found")
}

func TestStoreThenSearchFindsRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.kbx")
	h := newHarness(t, path)
	var ubid keybox.UBID
	ubid[0] = 2
	blob := blobFor(ubid, "hello")

	h.send("STORE INSERT " + hex.EncodeToString(blob))
	h.expect("OK")

	h.send("SEARCH " + hex.EncodeToString(ubid[:]))
	h.expect("S FOUND " + hex.EncodeToString(ubid[:]))
	h.expect("D %01%02" + strings.Repeat("%00", 19) + "hello")
	h.expect("OK")
}

func TestStoreInsertOnlyConflictsOnExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.kbx")
	h := newHarness(t, path)
	var ubid keybox.UBID
	ubid[0] = 3
	blob := blobFor(ubid, "x")
	h.send("STORE INSERT " + hex.EncodeToString(blob))
	h.expect("OK")
	h.send("STORE INSERT " + hex.EncodeToString(blob))
	h.expect("ERR Conflict conflict")
}

func TestDeleteRemovesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.kbx")
	h := newHarness(t, path)
	var ubid keybox.UBID
	ubid[0] = 4
	blob := blobFor(ubid, "gone-soon")
	h.send("STORE INSERT " + hex.EncodeToString(blob))
	h.expect("OK")

	h.send("DELETE " + hex.EncodeToString(ubid[:]))
	h.expect("OK")

	h.send("SEARCH " + hex.EncodeToString(ubid[:]))
	h.expect("ERR NotFound not found")
}

func TestNextWithoutPriorSearchFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.kbx")
	h := newHarness(t, path)
	h.send("NEXT")
	h.expect("ERR ParameterError no prior SEARCH")
}

func TestAddResourceUnsupportedScheme(t *testing.T) {
	h := newHarness(t, "")
	h.send("ADD_RESOURCE /no/such/extension")
	line := h.readLine()
	if line[:4] != "ERR " {
		t.Fatalf("expected error reply, got %q", line)
	}
}

func TestAddResourceFileBackend(t *testing.T) {
	h := newHarness(t, "")
	path := filepath.Join(t.TempDir(), "extra.kbx")
	h.send("ADD_RESOURCE " + path)
	line := h.readLine()
	if line[:3] != "OK " {
		t.Fatalf("expected OK, got %q", line)
	}
}
