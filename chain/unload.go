package chain

import "sync"

// unloadLock is the process-wide unload lock of spec.md section 5:
// held exclusively for the entirety of any layer's Unload callback,
// excluding all other layer callbacks process-wide; ordinary calls
// acquire it in shared mode. Grounded on backend.c's
// lock_unload/unlock_unload around backend_unload.
//
// Shared holders take the lock once per top-level dispatcher entry
// through WithCallLock, not on every recursive inner-layer call. In
// this tree nbd/connection.go does so for each data-path call; the
// control-path calls it makes while negotiating and tearing down a
// connection (Open, Prepare, GetSize, the capability queries,
// Finalize, Close) run without the lock. Not re-locking per level
// matters because nesting
// RLock calls on the same goroutine while a writer (Unload) is
// queued elsewhere is a textbook sync.RWMutex deadlock, and a single
// client request's whole chain traversal is exactly the granularity
// spec.md's "ordinary calls" describes.
var unloadLock sync.RWMutex

// WithCallLock runs fn (one client request's worth of chain
// traversal -- a single control-path or data-path dispatcher call)
// holding the unload lock in shared mode, so it cannot run
// concurrently with any layer's Unload.
func WithCallLock(fn func() error) error {
	unloadLock.RLock()
	defer unloadLock.RUnlock()
	return fn()
}

// withUnloadLock runs an Unload callback holding the lock
// exclusively.
func withUnloadLock(fn func()) {
	unloadLock.Lock()
	defer unloadLock.Unlock()
	fn()
}
