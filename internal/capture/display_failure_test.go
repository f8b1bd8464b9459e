package capture_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"lan-screen-streamer/internal/broadcast"
	"lan-screen-streamer/internal/capture"
	"lan-screen-streamer/internal/frame"
)

// stubbornSource hands out a single display whose Resize or SetSurface can
// be made to fail.
type stubbornSource struct {
	g          frame.Geometry
	resizeErr  error
	surfaceErr error

	mu      sync.Mutex
	display *stubbornDisplay
}

func (s *stubbornSource) Geometry() (frame.Geometry, error) { return s.g, nil }

func (s *stubbornSource) Open(string) (capture.Projection, error) {
	return &stubbornProjection{src: s, done: make(chan struct{})}, nil
}

func (s *stubbornSource) emit() bool {
	s.mu.Lock()
	d := s.display
	s.mu.Unlock()
	return d.emit()
}

type stubbornProjection struct {
	src  *stubbornSource
	done chan struct{}
}

func (p *stubbornProjection) CreateDisplay(_ string, g frame.Geometry, surface capture.Surface) (capture.Display, error) {
	d := &stubbornDisplay{g: g, surface: surface, resizeErr: p.src.resizeErr, surfaceErr: p.src.surfaceErr}
	p.src.mu.Lock()
	p.src.display = d
	p.src.mu.Unlock()
	return d, nil
}

func (p *stubbornProjection) Done() <-chan struct{} { return p.done }
func (p *stubbornProjection) GeometryChanges() <-chan frame.Geometry { return nil }
func (p *stubbornProjection) Stop() error { return nil }

type stubbornDisplay struct {
	resizeErr  error
	surfaceErr error

	mu      sync.Mutex
	g       frame.Geometry
	surface capture.Surface
}

func (d *stubbornDisplay) emit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.surface == nil {
		return false
	}
	raw := frame.NewRaw(make([]byte, d.g.Width*d.g.Height*4), d.g.Width, d.g.Height, 4, d.g.Width*4, nil)
	if !d.surface.Queue(raw) {
		raw.Release()
		return false
	}
	return true
}

func (d *stubbornDisplay) Resize(g frame.Geometry) error {
	if d.resizeErr != nil {
		return d.resizeErr
	}
	d.mu.Lock()
	d.g = g
	d.mu.Unlock()
	return nil
}

func (d *stubbornDisplay) SetSurface(s capture.Surface) error {
	if d.surfaceErr != nil {
		return d.surfaceErr
	}
	d.mu.Lock()
	d.surface = s
	d.mu.Unlock()
	return nil
}

func (d *stubbornDisplay) Release() error {
	d.mu.Lock()
	d.surface = nil
	d.mu.Unlock()
	return nil
}

func TestRefusedDisplayResizeKeepsCapturing(t *testing.T) {
	small := frame.Geometry{Width: 4, Height: 4}
	src := &stubbornSource{g: small, resizeErr: errors.New("display busy")}
	frames := broadcast.New()
	c := capture.NewController(src, newGuardEncoder(), frames)
	if err := c.Start(""); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if err := c.Resize(frame.Geometry{Width: 8, Height: 8}); err == nil {
		t.Fatal("expected resize error")
	}
	if c.State() != capture.Capturing {
		t.Fatalf("state = %v", c.State())
	}
	if c.Geometry() != small {
		t.Errorf("geometry = %+v, want the size the display still has", c.Geometry())
	}

	for i := 0; i < 10; i++ {
		if !src.emit() {
			t.Fatalf("frame %d refused after failed resize", i)
		}
	}
	waitFor(t, "frame after failed resize", frames.HasFrame)
	f, _ := frames.Latest()
	if f.Width != 2 || f.Height != 2 {
		t.Errorf("published %dx%d", f.Width, f.Height)
	}
}

func TestSurfaceSwapFailureEndsRun(t *testing.T) {
	src := &stubbornSource{g: frame.Geometry{Width: 4, Height: 4}, surfaceErr: errors.New("surface lost")}
	c := capture.NewController(src, newGuardEncoder(), broadcast.New())
	if err := c.Start(""); err != nil {
		t.Fatal(err)
	}
	done := c.Done()

	if err := c.Resize(frame.Geometry{Width: 8, Height: 8}); err == nil {
		t.Fatal("expected resize error")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end after surface swap failure")
	}
	if c.State() != capture.Idle {
		t.Errorf("state = %v", c.State())
	}
	if err := c.Stop(); err != nil {
		t.Errorf("stop after failure: %v", err)
	}
}
