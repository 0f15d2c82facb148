// Package keybox implements the keybox frontend's multi-backend lookup
// chain: an ordered list of backends (an in-memory cache, always first,
// followed by one or more on-disk or SQL-backed stores) searched in
// sequence per request, with a per-request cursor, negative-result
// memoization, and resume-by-identifier across backend boundaries.
//
// Grounded on gnupg kbx/frontend.c's db_desc_s table and kbxd_search /
// kbxd_store / kbxd_delete trio; the backend capability interface below
// stands in for frontend.c's be_cache_*/be_kbx_* dispatch functions.
package keybox

import (
	"errors"
)

// UBID is a keybox record's unique blob identifier.
type UBID [20]byte

// Kind identifies what a backend slot holds.
type Kind int

const (
	KindEmpty Kind = iota
	KindCache
	KindOnDisk
	KindSQL
)

// SearchDesc is one search term. A SEARCH command may carry several; a
// backend reports a hit if any descriptor matches (OR semantics), mirroring
// gnupg's KEYDB_SEARCH_DESC array.
type SearchDesc struct {
	UBID UBID
}

// Sentinel errors returned by Backend methods. ErrEOF is not a failure: it
// signals "this backend has nothing more to say about this query, try the
// next one" and is handled internally by Chain; it must never reach a
// client.
var (
	ErrNotFound      = errors.New("keybox: not found")
	ErrEOF           = errors.New("keybox: backend exhausted")
	ErrConflict      = errors.New("keybox: store mode conflicts with existing record")
	ErrNotInitialized = errors.New("keybox: no writable backend registered")
	ErrUnsupported   = errors.New("keybox: operation not supported by this backend")
)

// SearchResult carries a hit plus, for the cache backend only, the
// resume-by-identifier hint the chain needs to reposition an on-disk
// backend after a cache miss.
type SearchResult struct {
	PKType int
	UBID   UBID
	Blob   []byte

	// ResumeUBID/ResumeValid/ResumeFinal are populated by the cache
	// backend on an ErrEOF return: they describe the last position a
	// prior search for this same desc set observed, so the next backend
	// in the chain can Seek there instead of rescanning from the start.
	ResumeUBID  UBID
	ResumeValid bool
	// ResumeFinal reports that the cache already knows the on-disk scan
	// for this desc set previously ran to completion; the chain should
	// not bother resuming it again.
	ResumeFinal bool
}

// Backend is the capability set a keybox backend may implement. Not every
// backend implements every method; unsupported operations return
// ErrUnsupported rather than the backend being statically absent from the
// interface, matching the capability-table style in SPEC_FULL.md §4.6.
type Backend interface {
	Kind() Kind

	// Reset clears any per-request scan position this backend was holding.
	Reset() error

	// Search reports the first record matching any of desc. It returns
	// ErrNotFound for a definitive negative result (e.g. the cache's
	// memoized absence), ErrEOF if this backend has no opinion and the
	// chain should continue, or a hit.
	Search(desc []SearchDesc) (SearchResult, error)

	// Seek repositions this backend's scan cursor onto ubid, used both to
	// resume an on-disk scan after a cache miss and to locate a record for
	// STORE/DELETE. Returns ErrNotFound if ubid is absent.
	Seek(ubid UBID) error

	// Insert adds a brand-new record.
	Insert(pktype int, ubid UBID, blob []byte) error

	// Update replaces an existing record in place.
	Update(pktype int, ubid UBID, blob []byte) error

	// Delete removes the record identified by ubid.
	Delete(ubid UBID) error

	// Observe lets the cache backend learn about a hit produced by a
	// downstream backend, so a repeat search for the same ubid is served
	// from the cache. Non-cache backends implement it as a no-op.
	Observe(pktype int, ubid UBID, blob []byte, desc []SearchDesc)

	// MarkNotFound lets the cache backend memoize a definitive miss for
	// desc so a storm of identical failing lookups doesn't re-walk every
	// on-disk backend. Non-cache backends implement it as a no-op.
	MarkNotFound(desc []SearchDesc)

	// MarkFinal tells the cache backend that the on-disk scan for desc
	// ran to completion (ErrEOF with nothing left); future identical
	// searches then report ResumeFinal and the chain does not Seek the
	// on-disk backends to a resume position.
	MarkFinal(desc []SearchDesc)

	Close() error
}

// unsupportedBackend provides default ErrUnsupported/no-op implementations
// so concrete backends only need to override the operations they actually
// support.
type unsupportedBackend struct{}

func (unsupportedBackend) Seek(UBID) error                { return ErrUnsupported }
func (unsupportedBackend) Insert(int, UBID, []byte) error { return ErrUnsupported }
func (unsupportedBackend) Update(int, UBID, []byte) error { return ErrUnsupported }
func (unsupportedBackend) Delete(UBID) error               { return ErrUnsupported }
func (unsupportedBackend) Observe(int, UBID, []byte, []SearchDesc) {}
func (unsupportedBackend) MarkNotFound([]SearchDesc)               {}
func (unsupportedBackend) MarkFinal([]SearchDesc)                  {}

// matches reports whether ubid satisfies any descriptor in desc.
func matches(desc []SearchDesc, ubid UBID) bool {
	for _, d := range desc {
		if d.UBID == ubid {
			return true
		}
	}
	return false
}

// descKey builds a stable map key for a set of search descriptors, used by
// the cache backend to index negative results and resume hints per query
// shape rather than per individual ubid.
func descKey(desc []SearchDesc) string {
	b := make([]byte, 0, len(desc)*20)
	for _, d := range desc {
		b = append(b, d.UBID[:]...)
	}
	return string(b)
}

// ProbeBlob derives (pktype, ubid) from a raw record blob. The real keybox
// format computes ubid from the key material inside blob (be_ubid_from_blob
// in the original); this stand-in treats the first byte as the packet type
// tag and the next 20 bytes as the ubid, which is sufficient for a store
// format this daemon fully owns (the real .kbx binary layout is an opaque
// external contract per SPEC_FULL.md §1).
func ProbeBlob(blob []byte) (pktype int, ubid UBID, err error) {
	if len(blob) < 21 {
		return 0, UBID{}, errors.New("keybox: blob too short to contain a ubid header")
	}
	pktype = int(blob[0])
	copy(ubid[:], blob[1:21])
	return pktype, ubid, nil
}
