package keybox

import "fmt"

// StoreMode constrains whether STORE must be an insert, an update, or
// either.
type StoreMode int

const (
	StoreAny StoreMode = iota
	StoreInsertOnly
	StoreUpdateOnly
)

// descriptor is one slot in the backend table. Slots are never removed,
// only emptied, so indices stay stable across the lifetime of the daemon
// (mirrors kbx/frontend.c's empty-slot reuse instead of shrinking the
// array).
type descriptor struct {
	kind    Kind
	backend Backend
}

// RequestState is the per-request cursor threaded through a session across
// successive SEARCH/NEXT calls. It is created lazily on first use and
// released at session teardown; see SPEC_FULL.md's "Request handle" in §3.
type RequestState struct {
	anySearch       bool
	anyFound        bool
	nextDBIdx       int
	lastCachedUBID  UBID
	lastCachedValid bool
	lastCachedFinal bool
	startAtUBID     bool
	desc            []SearchDesc
}

// Chain is the ordered list of backends a SEARCH/STORE/DELETE walks. Slot 0
// is always the cache backend; AddResource appends on-disk/SQL backends
// after it. Grounded on kbx/frontend.c's databases[]/no_of_databases global
// table and kbxd_add_resource/kbxd_search/kbxd_store/kbxd_delete.
type Chain struct {
	lock        advisoryLock
	descriptors []descriptor
}

// NewChain creates a chain with cache always occupying slot 0.
func NewChain(cacheBackend Backend) *Chain {
	return &Chain{descriptors: []descriptor{{kind: KindCache, backend: cacheBackend}}}
}

// AddResource mounts an additional on-disk or SQL backend, reusing the
// first empty slot if one exists (a backend can be released without
// shifting every later index). Returns the slot index.
func (ch *Chain) AddResource(kind Kind, backend Backend) int {
	release := ch.lock.acquireExclusive()
	defer release()

	for i, d := range ch.descriptors {
		if d.kind == KindEmpty {
			ch.descriptors[i] = descriptor{kind: kind, backend: backend}
			return i
		}
	}
	ch.descriptors = append(ch.descriptors, descriptor{kind: kind, backend: backend})
	return len(ch.descriptors) - 1
}

// ReleaseResource empties slot idx, closing its backend.
func (ch *Chain) ReleaseResource(idx int) error {
	release := ch.lock.acquireExclusive()
	defer release()

	if idx < 0 || idx >= len(ch.descriptors) {
		return fmt.Errorf("keybox: no backend at slot %d", idx)
	}
	d := ch.descriptors[idx]
	if d.kind == KindEmpty {
		return nil
	}
	err := d.backend.Close()
	ch.descriptors[idx] = descriptor{}
	return err
}

// NewRequestState returns a fresh per-session cursor.
func NewRequestState() *RequestState {
	return &RequestState{}
}

// LastDesc returns the descriptor set from the most recent Search call, or
// nil if none has run yet (or the last one was a pure reset). NEXT-style
// handlers use this to resume a scan without the caller re-sending the
// search terms.
func (rs *RequestState) LastDesc() []SearchDesc {
	return rs.desc
}

// Search implements the chain's core lookup algorithm (SPEC_FULL.md §4.6,
// step-for-step grounded on kbxd_search in kbx/frontend.c): the cache is
// always consulted first; a miss there resumes the on-disk/SQL backend at
// the cache's last known position instead of rescanning from the start.
//
// reset=true (or desc==nil) clears the cursor and, if desc==nil, returns
// immediately — a pure reset with no search performed, matching the
// original's "if (!desc) return 0" early-out.
func (ch *Chain) Search(rs *RequestState, desc []SearchDesc, reset bool) (SearchResult, error) {
	release := ch.lock.acquireShared()
	defer release()

	if desc == nil || reset {
		for _, d := range ch.descriptors {
			if d.kind != KindEmpty {
				d.backend.Reset()
			}
		}
		rs.anySearch = false
		rs.anyFound = false
		rs.nextDBIdx = 0
		rs.lastCachedValid = false
		rs.lastCachedUBID = UBID{}
		rs.lastCachedFinal = false
		rs.startAtUBID = false
		rs.desc = nil
		if desc == nil {
			return SearchResult{}, nil
		}
	}
	rs.anySearch = true
	rs.desc = desc

	for {
		if rs.nextDBIdx >= len(ch.descriptors) {
			ch.descriptors[0].backend.MarkNotFound(desc)
			return SearchResult{}, ErrNotFound
		}
		d := ch.descriptors[rs.nextDBIdx]
		if d.kind == KindEmpty {
			rs.nextDBIdx++
			continue
		}

		if d.kind != KindCache && rs.startAtUBID {
			if err := d.backend.Seek(rs.lastCachedUBID); err != nil && err != ErrNotFound {
				return SearchResult{}, err
			}
			rs.startAtUBID = false
		}

		res, err := d.backend.Search(desc)
		switch {
		case err == nil:
			rs.anyFound = true
			if d.kind != KindCache {
				ch.descriptors[0].backend.Observe(res.PKType, res.UBID, res.Blob, desc)
			}
			return res, nil
		case err == ErrNotFound:
			return SearchResult{}, ErrNotFound
		case err == ErrEOF:
			if d.kind == KindCache {
				rs.lastCachedUBID = res.ResumeUBID
				rs.lastCachedValid = res.ResumeValid
				rs.lastCachedFinal = res.ResumeFinal
				rs.startAtUBID = res.ResumeValid && !res.ResumeFinal
			} else {
				ch.descriptors[0].backend.MarkFinal(desc)
			}
			rs.nextDBIdx++
			continue
		default:
			return SearchResult{}, err
		}
	}
}

// Store implements STORE: locate the first writable (non-cache) backend,
// determine insert vs. update by seeking the derived ubid, cross-check
// against mode, and dispatch.
func (ch *Chain) Store(blob []byte, mode StoreMode) error {
	release := ch.lock.acquireExclusive()
	defer release()

	pktype, ubid, err := ProbeBlob(blob)
	if err != nil {
		return err
	}

	_, d, err := ch.firstWritableLocked()
	if err != nil {
		return err
	}

	seekErr := d.backend.Seek(ubid)
	exists := seekErr == nil
	if seekErr != nil && seekErr != ErrNotFound {
		return seekErr
	}

	switch {
	case mode == StoreUpdateOnly && !exists:
		return ErrConflict
	case mode == StoreInsertOnly && exists:
		return ErrConflict
	}

	if exists {
		return d.backend.Update(pktype, ubid, blob)
	}
	return d.backend.Insert(pktype, ubid, blob)
}

// Delete implements DELETE: seek the ubid on the first writable backend
// and remove it.
func (ch *Chain) Delete(ubid UBID) error {
	release := ch.lock.acquireExclusive()
	defer release()

	_, d, err := ch.firstWritableLocked()
	if err != nil {
		return err
	}
	if err := d.backend.Seek(ubid); err != nil {
		return err
	}
	return d.backend.Delete(ubid)
}

func (ch *Chain) firstWritableLocked() (int, descriptor, error) {
	for i, d := range ch.descriptors {
		if d.kind == KindOnDisk || d.kind == KindSQL {
			return i, d, nil
		}
	}
	return -1, descriptor{}, ErrNotInitialized
}
