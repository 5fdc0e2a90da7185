// Package source provides orientation sources for the commutator: a live
// file-backed source that tails an append-only quaternion CSV, and a
// synthetic source for running without tracking hardware.
//
// A source owns a single background goroutine that accumulates unwrapped yaw
// into an unbounded rotation value. The accumulated position is written by
// that goroutine only and read by any number of callers, so it is held as an
// atomic float64 bit pattern rather than behind a lock.
package source

import (
	"math"
	"sync"
	"sync/atomic"
)

// Source is anything the synchronization loop can track.
type Source interface {
	// Position returns the accumulated rotation in radians since the source
	// was created. Unbounded; never wrapped.
	Position() float64

	// Name identifies the source for snapshots: the backing filename, or
	// "synthetic".
	Name() string

	// Err returns the fatal error that stopped this source's ingestion loop,
	// or nil while the source is healthy. Once non-nil the position is frozen
	// at its last value.
	Err() error

	// Close stops the background loop and releases the underlying file, if
	// any. Position remains readable after Close.
	Close() error
}

// atomicFloat64 is a float64 readable and writable without torn values.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat64) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

func (a *atomicFloat64) Add(d float64) {
	a.Store(a.Load() + d)
}

// errHolder is a write-once error slot shared by the source variants.
type errHolder struct {
	mu  sync.Mutex
	err error
}

func (h *errHolder) set(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func (h *errHolder) get() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
