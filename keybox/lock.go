package keybox

import "sync"

// advisoryLock implements the locking discipline described in SPEC_FULL.md
// §4.8: a shared (read) mode for SEARCH/NEXT and an exclusive (read-write)
// mode for STORE/DELETE/ADD_RESOURCE, both session-scoped and released at
// request exit regardless of outcome. Grounded on kbx/frontend.c's
// take_read_lock/take_read_write_lock/release_lock contract — those were
// FIXME no-ops in the original; this is a real sync.RWMutex per the
// REDESIGN FLAGS directive that locking must actually be enforced.
type advisoryLock struct {
	mu sync.RWMutex
}

// acquireShared takes the read lock and returns a release function,
// intended to be deferred at the call site: defer lk.acquireShared()().
func (l *advisoryLock) acquireShared() func() {
	l.mu.RLock()
	return l.mu.RUnlock
}

// acquireExclusive takes the read-write lock and returns a release
// function.
func (l *advisoryLock) acquireExclusive() func() {
	l.mu.Lock()
	return l.mu.Unlock
}
