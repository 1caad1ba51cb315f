// Package scrub overwrites sensitive buffers once they are no longer needed.
//
// A Scope collects buffers as they are produced and wipes all of them in
// Release, which callers defer right after creating the scope so the wipe
// runs on every exit path. This narrows the time raw audio and unquantized
// features stay readable in memory; it is hygiene, not a security boundary.
package scrub

import "sync"

// Bytes zeroes b.
func Bytes(b []byte) { clear(b) }

// Float32s zeroes v.
func Float32s(v []float32) { clear(v) }

// Float64s zeroes v.
func Float64s(v []float64) { clear(v) }

// Ints zeroes v.
func Ints(v []int) { clear(v) }

// Uint64s zeroes v.
func Uint64s(v []uint64) { clear(v) }

// Scope owns a set of buffers and wipes them together.
type Scope struct {
	mu       sync.Mutex
	releases []func()
	done     bool
}

// Bytes registers b for wiping and returns it unchanged.
func (s *Scope) Bytes(b []byte) []byte {
	s.Defer(func() { Bytes(b) })
	return b
}

// Float32s registers v for wiping and returns it unchanged.
func (s *Scope) Float32s(v []float32) []float32 {
	s.Defer(func() { Float32s(v) })
	return v
}

// Float64s registers v for wiping and returns it unchanged.
func (s *Scope) Float64s(v []float64) []float64 {
	s.Defer(func() { Float64s(v) })
	return v
}

// Ints registers v for wiping and returns it unchanged.
func (s *Scope) Ints(v []int) []int {
	s.Defer(func() { Ints(v) })
	return v
}

// Defer registers an arbitrary release function. Functions run in reverse
// registration order. Registering after Release runs fn immediately.
func (s *Scope) Defer(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		fn()
		return
	}
	s.releases = append(s.releases, fn)
	s.mu.Unlock()
}

// Release wipes every registered buffer. It is safe to call more than once.
func (s *Scope) Release() {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.done = true
	s.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}
