// Package guard provides the critical sections that keep frame state and the
// payout drain single-writer.
package guard

import (
	"sync"
	"sync/atomic"
)

// Guard serializes mutations of shared state. Readers that need a
// consistent multi-field view take the read side.
type Guard struct {
	mu sync.RWMutex
}

// Do runs fn with exclusive access.
func (g *Guard) Do(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}

// Read runs fn with shared access.
func (g *Guard) Read(fn func()) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn()
}

// InFlight is a non-blocking flag: at most one holder at a time, and
// callers that lose the race skip their work instead of waiting.
type InFlight struct {
	busy atomic.Bool
}

// TryAcquire returns true if the caller now holds the flag.
func (f *InFlight) TryAcquire() bool {
	return f.busy.CompareAndSwap(false, true)
}

// Release clears the flag.
func (f *InFlight) Release() {
	f.busy.Store(false)
}

// Busy reports whether the flag is held.
func (f *InFlight) Busy() bool {
	return f.busy.Load()
}
