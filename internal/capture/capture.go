// Package capture drives a platform display-capture backend and feeds every
// captured buffer through the encoder into the broadcaster.
//
// The platform side is reached only through Source, Projection, Display and
// Surface, so the controller can run against the desktop backend in
// capture/screen or the test pattern in capture/synthetic.
package capture

import (
	"errors"

	"lan-screen-streamer/internal/frame"
)

var (
	ErrAlreadyStarted = errors.New("capture already started")
	ErrNoProjection   = errors.New("capture source returned no projection")
)

// Source is the platform display-capture subsystem.
type Source interface {
	// Geometry reports the current metrics of the display to mirror.
	Geometry() (frame.Geometry, error)
	// Open starts a capture session using a platform authorization token.
	Open(auth string) (Projection, error)
}

// Projection is an authorized capture session.
type Projection interface {
	// CreateDisplay starts mirroring the screen into surface at geometry g.
	CreateDisplay(name string, g frame.Geometry, surface Surface) (Display, error)
	// Done is closed when the session ends outside of our control.
	Done() <-chan struct{}
	// GeometryChanges delivers display rotations and resolution changes.
	GeometryChanges() <-chan frame.Geometry
	Stop() error
}

// Display renders the mirrored screen into a Surface.
type Display interface {
	Resize(g frame.Geometry) error
	SetSurface(s Surface) error
	Release() error
}

// Surface receives raw buffers from a Display. Queue reports false when the
// surface no longer accepts buffers; the caller must then release f itself.
type Surface interface {
	Queue(f *frame.Raw) bool
}

// Encoder turns raw buffers into served images.
type Encoder interface {
	Encode(raw *frame.Raw) (frame.Encoded, error)
}

// Publisher receives every successfully encoded frame.
type Publisher interface {
	Publish(f frame.Encoded)
}
