package capture

import (
	"sync"
	"sync/atomic"

	"lan-screen-streamer/internal/frame"
)

// Reader is the buffer-receiving Surface handed to a Display. It keeps only
// the newest unprocessed buffer: a buffer that arrives before the previous
// one was acquired replaces it and the older one is released unprocessed.
type Reader struct {
	geometry frame.Geometry
	notify   func()

	mu       sync.Mutex
	pending  *frame.Raw
	closed   bool
	signaled atomic.Bool

	dropped atomic.Uint64
}

func newReader(g frame.Geometry, notify func()) *Reader {
	return &Reader{geometry: g, notify: notify}
}

// Queue accepts f when the reader is open and f matches the reader's size.
func (r *Reader) Queue(f *frame.Raw) bool {
	if f == nil {
		return false
	}
	r.mu.Lock()
	if r.closed || f.Width != r.geometry.Width || f.Height != r.geometry.Height {
		r.mu.Unlock()
		return false
	}
	prev := r.pending
	r.pending = f
	r.mu.Unlock()

	if prev != nil {
		prev.Release()
		r.dropped.Add(1)
	}
	if !r.signaled.Swap(true) && r.notify != nil {
		r.notify()
	}
	return true
}

// acquireLatest takes ownership of the newest buffer, or returns nil.
func (r *Reader) acquireLatest() *frame.Raw {
	r.signaled.Store(false)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	f := r.pending
	r.pending = nil
	return f
}

func (r *Reader) Geometry() frame.Geometry {
	return r.geometry
}

func (r *Reader) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Reader) close() {
	r.mu.Lock()
	r.closed = true
	f := r.pending
	r.pending = nil
	r.mu.Unlock()
	if f != nil {
		f.Release()
	}
}
