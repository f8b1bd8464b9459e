// Package broadcast hands the most recent encoded frame from the capture
// pipeline to any number of concurrent readers.
//
// It is a single slot, not a queue: every Publish overwrites the previous
// frame and readers that poll slower than the producer simply skip frames.
package broadcast

import (
	"sync/atomic"

	"lan-screen-streamer/internal/frame"
)

type Broadcaster struct {
	latest atomic.Pointer[frame.Encoded]
	seq    atomic.Uint64
}

func New() *Broadcaster {
	return &Broadcaster{}
}

// Publish replaces the held frame. It never waits on readers.
func (b *Broadcaster) Publish(f frame.Encoded) {
	b.latest.Store(&f)
	b.seq.Add(1)
}

// Latest returns the held frame, or false if nothing was published yet.
// Callers must treat the returned Data as read-only.
func (b *Broadcaster) Latest() (frame.Encoded, bool) {
	f := b.latest.Load()
	if f == nil {
		return frame.Encoded{}, false
	}
	return *f, true
}

func (b *Broadcaster) HasFrame() bool {
	f := b.latest.Load()
	return f != nil && !f.Empty()
}

// Seq counts publishes. Readers compare it to detect a fresh frame.
func (b *Broadcaster) Seq() uint64 {
	return b.seq.Load()
}
