package keybox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/keybrokerd/keybrokerd/cache"
)

func newTestChain(t *testing.T) (*Chain, *FileBackend) {
	t.Helper()
	store, err := cache.New(cache.DefaultCacheConfig())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	cb := NewCacheBackend(store, time.Minute, 10*time.Second)
	ch := NewChain(cb)

	fb, err := OpenFileBackend(filepath.Join(t.TempDir(), "test.kbx"))
	if err != nil {
		t.Fatalf("OpenFileBackend: %v", err)
	}
	ch.AddResource(KindOnDisk, fb)
	return ch, fb
}

func makeBlob(pktype byte, ubid UBID, payload string) []byte {
	blob := make([]byte, 21+len(payload))
	blob[0] = pktype
	copy(blob[1:21], ubid[:])
	copy(blob[21:], payload)
	return blob
}

func TestSearchFindsRecordOnDisk(t *testing.T) {
	ch, _ := newTestChain(t)
	var ubid UBID
	ubid[0] = 0xAB
	blob := makeBlob(1, ubid, "hello")

	if err := ch.Store(blob, StoreInsertOnly); err != nil {
		t.Fatalf("Store: %v", err)
	}

	rs := NewRequestState()
	res, err := ch.Search(rs, []SearchDesc{{UBID: ubid}}, false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !bytesEqual(res.Blob, blob) {
		t.Fatalf("Blob = %q, want %q", res.Blob, blob)
	}
}

func TestSearchNotFoundIsMemoizedByCache(t *testing.T) {
	ch, _ := newTestChain(t)
	var ubid UBID
	ubid[5] = 0x42

	rs := NewRequestState()
	_, err := ch.Search(rs, []SearchDesc{{UBID: ubid}}, false)
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// Second identical search should be served purely from the cache's
	// memoized negative result — confirm it still reports NotFound.
	rs2 := NewRequestState()
	_, err = ch.Search(rs2, []SearchDesc{{UBID: ubid}}, false)
	if err != ErrNotFound {
		t.Fatalf("second search err = %v, want ErrNotFound", err)
	}
}

func TestSearchServesRepeatHitFromCache(t *testing.T) {
	ch, fb := newTestChain(t)
	var ubid UBID
	ubid[1] = 0x77
	blob := makeBlob(2, ubid, "cached-hit")
	if err := ch.Store(blob, StoreInsertOnly); err != nil {
		t.Fatalf("Store: %v", err)
	}

	rs := NewRequestState()
	if _, err := ch.Search(rs, []SearchDesc{{UBID: ubid}}, false); err != nil {
		t.Fatalf("first search: %v", err)
	}

	// Even if the on-disk backend is broken, the cache should have
	// observed the hit and serve it directly next time.
	fb.mu.Lock()
	fb.index = map[UBID]record{}
	fb.order = nil
	fb.mu.Unlock()

	rs2 := NewRequestState()
	res, err := ch.Search(rs2, []SearchDesc{{UBID: ubid}}, false)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if !bytesEqual(res.Blob, blob) {
		t.Fatalf("Blob = %q, want %q", res.Blob, blob)
	}
}

func TestResetWithNilDescIsPureReset(t *testing.T) {
	ch, _ := newTestChain(t)
	rs := NewRequestState()
	rs.anyFound = true
	rs.nextDBIdx = 3

	if _, err := ch.Search(rs, nil, false); err != nil {
		t.Fatalf("reset search: %v", err)
	}
	if rs.anyFound || rs.nextDBIdx != 0 {
		t.Fatalf("expected cursor cleared, got %+v", rs)
	}
}

func TestStoreUpdateOnlyConflictsOnMissingRecord(t *testing.T) {
	ch, _ := newTestChain(t)
	var ubid UBID
	ubid[2] = 9
	blob := makeBlob(1, ubid, "x")
	if err := ch.Store(blob, StoreUpdateOnly); err != ErrConflict {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestStoreInsertOnlyConflictsOnExistingRecord(t *testing.T) {
	ch, _ := newTestChain(t)
	var ubid UBID
	ubid[3] = 9
	blob := makeBlob(1, ubid, "x")
	if err := ch.Store(blob, StoreInsertOnly); err != nil {
		t.Fatalf("initial insert: %v", err)
	}
	if err := ch.Store(blob, StoreInsertOnly); err != ErrConflict {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestStoreThenUpdateThenDelete(t *testing.T) {
	ch, _ := newTestChain(t)
	var ubid UBID
	ubid[4] = 9
	blob := makeBlob(1, ubid, "v1")
	if err := ch.Store(blob, StoreAny); err != nil {
		t.Fatalf("insert: %v", err)
	}
	blob2 := makeBlob(1, ubid, "v2-longer")
	if err := ch.Store(blob2, StoreUpdateOnly); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := ch.Delete(ubid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ch.Delete(ubid); err != ErrNotFound {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestStoreWithNoWritableBackendIsNotInitialized(t *testing.T) {
	store, _ := cache.New(cache.DefaultCacheConfig())
	cb := NewCacheBackend(store, time.Minute, time.Minute)
	ch := NewChain(cb)
	var ubid UBID
	blob := makeBlob(1, ubid, "x")
	if err := ch.Store(blob, StoreAny); err != ErrNotInitialized {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestSearchFallsThroughToSecondOnDiskBackend(t *testing.T) {
	store, _ := cache.New(cache.DefaultCacheConfig())
	cb := NewCacheBackend(store, time.Minute, time.Minute)
	ch := NewChain(cb)

	fb1, _ := OpenFileBackend(filepath.Join(t.TempDir(), "a.kbx"))
	fb2, _ := OpenFileBackend(filepath.Join(t.TempDir(), "b.kbx"))
	ch.AddResource(KindOnDisk, fb1)
	ch.AddResource(KindOnDisk, fb2)

	var ubid2 UBID
	ubid2[9] = 0xEE
	blob2 := makeBlob(1, ubid2, "in-second-backend")
	if err := fb2.Insert(1, ubid2, blob2); err != nil {
		t.Fatalf("seed fb2: %v", err)
	}

	rs := NewRequestState()
	res, err := ch.Search(rs, []SearchDesc{{UBID: ubid2}}, false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !bytesEqual(res.Blob, blob2) {
		t.Fatalf("Blob = %q, want %q", res.Blob, blob2)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
