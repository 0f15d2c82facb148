package keybox

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// record is one entry of a FileBackend's in-memory index.
type record struct {
	pktype int
	blob   []byte
}

// FileBackend is an on-disk keybox store. The real gnupg .kbx binary
// format is an opaque external contract (SPEC_FULL.md §1); this backend
// owns a simple format of its own — a flat file of
// [1-byte pktype][20-byte ubid][4-byte big-endian length][blob] records —
// and keeps the authoritative copy in memory, rewriting the file on every
// mutation. Selected by the ".kbx" filename suffix at ADD_RESOURCE time.
type FileBackend struct {
	unsupportedBackend
	mu     sync.Mutex
	path   string
	index  map[UBID]record
	order  []UBID // insertion order, defines scan order
	cursor int    // Search/Seek position into order
	seen   map[UBID]bool
}

// OpenFileBackend loads path (creating it lazily on first write if it does
// not exist) as an on-disk keybox backend.
func OpenFileBackend(path string) (*FileBackend, error) {
	fb := &FileBackend{
		path:  path,
		index: make(map[UBID]record),
		seen:  make(map[UBID]bool),
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fb, nil
		}
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		header := make([]byte, 1+20+4)
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		pktype := int(header[0])
		var ubid UBID
		copy(ubid[:], header[1:21])
		length := binary.BigEndian.Uint32(header[21:25])
		blob := make([]byte, length)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, fmt.Errorf("keybox: truncated record in %s", path)
		}
		fb.index[ubid] = record{pktype: pktype, blob: blob}
		fb.order = append(fb.order, ubid)
	}
	return fb, nil
}

func (fb *FileBackend) Kind() Kind { return KindOnDisk }

func (fb *FileBackend) Reset() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.cursor = 0
	fb.seen = make(map[UBID]bool)
	return nil
}

func (fb *FileBackend) Close() error { return nil }

// Search scans forward from the current cursor for the first record whose
// ubid is named in desc and has not already been returned during this
// logical scan (so repeated NEXT calls walk through every matching record
// instead of returning the same one).
func (fb *FileBackend) Search(desc []SearchDesc) (SearchResult, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for ; fb.cursor < len(fb.order); fb.cursor++ {
		ubid := fb.order[fb.cursor]
		if fb.seen[ubid] {
			continue
		}
		if matches(desc, ubid) {
			rec := fb.index[ubid]
			fb.seen[ubid] = true
			fb.cursor++
			return SearchResult{PKType: rec.pktype, UBID: ubid, Blob: append([]byte(nil), rec.blob...)}, nil
		}
	}
	return SearchResult{}, ErrEOF
}

// Seek repositions the scan cursor to just after ubid, so a following
// Search resumes from there. Used both to resume an iterative scan handed
// off from the cache and to locate a record ahead of STORE/DELETE.
func (fb *FileBackend) Seek(ubid UBID) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i, u := range fb.order {
		if u == ubid {
			fb.cursor = i + 1
			return nil
		}
	}
	return ErrNotFound
}

func (fb *FileBackend) Insert(pktype int, ubid UBID, blob []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if _, exists := fb.index[ubid]; exists {
		return ErrConflict
	}
	fb.index[ubid] = record{pktype: pktype, blob: append([]byte(nil), blob...)}
	fb.order = append(fb.order, ubid)
	return fb.flushLocked()
}

func (fb *FileBackend) Update(pktype int, ubid UBID, blob []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if _, exists := fb.index[ubid]; !exists {
		return ErrNotFound
	}
	fb.index[ubid] = record{pktype: pktype, blob: append([]byte(nil), blob...)}
	return fb.flushLocked()
}

func (fb *FileBackend) Delete(ubid UBID) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if _, exists := fb.index[ubid]; !exists {
		return ErrNotFound
	}
	delete(fb.index, ubid)
	for i, u := range fb.order {
		if u == ubid {
			fb.order = append(fb.order[:i], fb.order[i+1:]...)
			break
		}
	}
	return fb.flushLocked()
}

// flushLocked rewrites the entire backing file from the in-memory index.
// Simple and correct; a production store would append and compact
// periodically instead, but keybox files are not expected to reach a size
// where that distinction matters for a single-host credential daemon.
func (fb *FileBackend) flushLocked() error {
	if fb.path == "" {
		return nil
	}
	tmp := fb.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, ubid := range fb.order {
		rec := fb.index[ubid]
		header := make([]byte, 1+20+4)
		header[0] = byte(rec.pktype)
		copy(header[1:21], ubid[:])
		binary.BigEndian.PutUint32(header[21:25], uint32(len(rec.blob)))
		if _, err := w.Write(header); err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(rec.blob); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, fb.path)
}
