package capture

import (
	"sync/atomic"
	"testing"

	"lan-screen-streamer/internal/frame"
)

func rawOf(w, h int, released *atomic.Int32) *frame.Raw {
	return frame.NewRaw(make([]byte, w*h*4), w, h, 4, w*4, func() { released.Add(1) })
}

func TestReaderKeepsLatest(t *testing.T) {
	var notified, released atomic.Int32
	r := newReader(frame.Geometry{Width: 2, Height: 2}, func() { notified.Add(1) })

	first := rawOf(2, 2, &released)
	second := rawOf(2, 2, &released)
	if !r.Queue(first) || !r.Queue(second) {
		t.Fatal("queue refused a matching buffer")
	}
	if notified.Load() != 1 {
		t.Errorf("notified %d times, want 1", notified.Load())
	}
	if !first.Released() || released.Load() != 1 {
		t.Error("replaced buffer was not released")
	}
	if r.Dropped() != 1 {
		t.Errorf("dropped = %d", r.Dropped())
	}

	if got := r.acquireLatest(); got != second {
		t.Fatal("acquireLatest did not return the newest buffer")
	}
	if r.acquireLatest() != nil {
		t.Error("buffer handed out twice")
	}

	r.Queue(rawOf(2, 2, &released))
	if notified.Load() != 2 {
		t.Errorf("no new notification after acquire")
	}
}

func TestReaderRejectsMismatchedSize(t *testing.T) {
	var released atomic.Int32
	r := newReader(frame.Geometry{Width: 4, Height: 2}, nil)
	stale := rawOf(2, 4, &released)
	if r.Queue(stale) {
		t.Fatal("accepted a buffer of the wrong size")
	}
	if stale.Released() {
		t.Error("rejected buffer must stay with the caller")
	}
	if r.Queue(nil) {
		t.Error("accepted nil")
	}
}

func TestReaderCloseReleasesPending(t *testing.T) {
	var released atomic.Int32
	r := newReader(frame.Geometry{Width: 1, Height: 1}, nil)
	pending := rawOf(1, 1, &released)
	r.Queue(pending)
	r.close()
	if !pending.Released() {
		t.Error("pending buffer leaked on close")
	}
	if r.acquireLatest() != nil {
		t.Error("closed reader handed out a buffer")
	}
	if r.Queue(rawOf(1, 1, &released)) {
		t.Error("closed reader accepted a buffer")
	}
}

func TestExecutorRunsInOrder(t *testing.T) {
	e := newExecutor("test", 4)
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		if !e.post(func() { order = append(order, i) }) {
			t.Fatal("post refused")
		}
	}
	e.run(func() {})
	e.quitSafely()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	if len(order) != 10 {
		t.Fatalf("ran %d tasks", len(order))
	}
	if e.post(func() {}) || e.run(func() {}) {
		t.Error("executor accepted work after quit")
	}
	e.quitSafely()
}
