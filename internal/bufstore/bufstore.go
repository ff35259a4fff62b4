// Package bufstore implements the refcounted buffer store: the one object in
// the broadcast pipeline legitimately touched by more than one goroutine
// (the orchestrator on insert, worker-driven releases on the other side).
package bufstore

import (
	"sync"
	"unsafe"
)

// Handle identifies a stored buffer. Ptr is a diagnostic identity value only
// (the address of the backing array) — it is never dereferenced outside this
// package; Go has no raw-pointer equivalent of the original's
// pointer-into-raw-bytes view, so Ptr exists purely so logs can compare
// buffer identity across goroutines without re-reading Len bytes.
type Handle struct {
	ID  int64
	Ptr uintptr
	Len int
}

type entry struct {
	bytes    []byte
	refcount int32
}

// Store is a dense-id map from buffer id to (bytes, refcount), with a
// free-list for id reuse. The zero value is not usable; construct with New.
type Store struct {
	mu      sync.Mutex
	entries []entry
	free    []int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Insert stores b with an initial refcount of uses (the fan-out degree —
// typically the number of workers) and returns a stable Handle. The store
// takes ownership of b; callers must not mutate it afterward.
func (s *Store) Insert(b []byte, uses int32) Handle {
	if uses <= 0 {
		uses = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	if n := len(s.free); n > 0 {
		id = s.free[n-1]
		s.free = s.free[:n-1]
		s.entries[id] = entry{bytes: b, refcount: uses}
	} else {
		id = int64(len(s.entries))
		s.entries = append(s.entries, entry{bytes: b, refcount: uses})
	}

	var ptr uintptr
	if len(b) > 0 {
		ptr = uintptr(unsafe.Pointer(&b[0]))
	}

	return Handle{ID: id, Ptr: ptr, Len: len(b)}
}

// Get returns the bytes stored under id. It does not affect the refcount.
// ok is false if id is unknown or has already been freed.
func (s *Store) Get(id int64) (b []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || int(id) >= len(s.entries) {
		return nil, false
	}
	e := s.entries[id]
	if e.refcount <= 0 {
		return nil, false
	}
	return e.bytes, true
}

// Release decrements id's refcount by one. When the count reaches zero the
// slot is cleared and its id is returned to the free-list for reuse. freed
// reports whether this call was the one that dropped the count to zero.
//
// Releasing an id whose count is already zero (a double-release bug upstream)
// is a no-op that reports freed=false rather than underflowing the counter.
func (s *Store) Release(id int64) (freed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || int(id) >= len(s.entries) {
		return false
	}
	e := &s.entries[id]
	if e.refcount <= 0 {
		return false
	}
	e.refcount--
	if e.refcount == 0 {
		e.bytes = nil
		s.free = append(s.free, id)
		return true
	}
	return false
}

// Refcount returns the current refcount for id, or 0 if id is unknown or
// already freed. Intended for tests and diagnostics only.
func (s *Store) Refcount(id int64) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || int(id) >= len(s.entries) {
		return 0
	}
	return s.entries[id].refcount
}

// Len returns the number of buffer slots ever allocated (including freed
// ones awaiting reuse). Intended for tests and diagnostics only.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
