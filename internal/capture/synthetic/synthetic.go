// Package synthetic is a capture backend that renders a moving test pattern
// into padded RGBA buffers. It needs no display and tracks the lifetime of
// every buffer it hands out, which makes it the backend of choice for
// headless runs and tests.
package synthetic

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lan-screen-streamer/internal/capture"
	"lan-screen-streamer/internal/frame"
)

// PaddingByte fills the bytes past each row's visible pixels.
const PaddingByte = 0x7f

var ErrDenied = errors.New("capture authorization denied")

type Option func(*Source)

// WithRowPadding adds n bytes of alignment padding to every row.
func WithRowPadding(n int) Option {
	return func(s *Source) { s.padding = n }
}

// WithInterval makes every display emit a frame each d. Without it frames
// are only produced by Emit.
func WithInterval(d time.Duration) Option {
	return func(s *Source) { s.interval = d }
}

// WithDeniedToken makes Open fail for the given authorization token.
func WithDeniedToken(token string) Option {
	return func(s *Source) { s.denied = &token }
}

type Source struct {
	padding  int
	interval time.Duration
	denied   *string

	mu       sync.Mutex
	geometry frame.Geometry
	active   *Projection

	outstanding atomic.Int64
	emitted     atomic.Uint64
	rejected    atomic.Uint64
}

func New(g frame.Geometry, opts ...Option) *Source {
	s := &Source{geometry: g}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Geometry() (frame.Geometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geometry, nil
}

func (s *Source) Open(auth string) (capture.Projection, error) {
	if s.denied != nil && *s.denied == auth {
		return nil, ErrDenied
	}
	p := &Projection{
		source:  s,
		done:    make(chan struct{}),
		changes: make(chan frame.Geometry, 4),
	}
	s.mu.Lock()
	s.active = p
	s.mu.Unlock()
	return p, nil
}

// SetGeometry simulates a rotation or resolution change.
func (s *Source) SetGeometry(g frame.Geometry) {
	s.mu.Lock()
	s.geometry = g
	p := s.active
	s.mu.Unlock()
	if p != nil {
		p.notify(g)
	}
}

// Revoke simulates the user withdrawing capture permission.
func (s *Source) Revoke() {
	s.mu.Lock()
	p := s.active
	s.mu.Unlock()
	if p != nil {
		p.revoke()
	}
}

// Emit renders one frame on every live display and reports how many
// buffers were accepted.
func (s *Source) Emit() int {
	s.mu.Lock()
	p := s.active
	s.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.emit()
}

// Outstanding is the number of buffers handed out and not yet released.
func (s *Source) Outstanding() int64 {
	return s.outstanding.Load()
}

func (s *Source) Emitted() uint64 {
	return s.emitted.Load()
}

// Rejected counts buffers a surface refused.
func (s *Source) Rejected() uint64 {
	return s.rejected.Load()
}

func (s *Source) render(g frame.Geometry, seq uint64) *frame.Raw {
	rowStride := g.Width*frame.PixelStrideRGBA + s.padding
	pix := make([]byte, rowStride*g.Height)
	shade := byte(seq * 16)
	for y := 0; y < g.Height; y++ {
		row := pix[y*rowStride : (y+1)*rowStride]
		for x := 0; x < g.Width; x++ {
			i := x * frame.PixelStrideRGBA
			row[i] = byte(x) + shade
			row[i+1] = byte(y)
			row[i+2] = shade
			row[i+3] = 0xff
		}
		for i := g.Width * frame.PixelStrideRGBA; i < rowStride; i++ {
			row[i] = PaddingByte
		}
	}
	s.outstanding.Add(1)
	s.emitted.Add(1)
	return frame.NewRaw(pix, g.Width, g.Height, frame.PixelStrideRGBA, rowStride, func() {
		s.outstanding.Add(-1)
	})
}

type Projection struct {
	source *Source

	mu       sync.Mutex
	displays []*Display
	stopped  bool

	done     chan struct{}
	doneOnce sync.Once
	changes  chan frame.Geometry
}

func (p *Projection) CreateDisplay(name string, g frame.Geometry, surface capture.Surface) (capture.Display, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, errors.New("projection stopped")
	}
	d := &Display{
		name:     name,
		source:   p.source,
		geometry: g,
		surface:  surface,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	p.displays = append(p.displays, d)
	if p.source.interval > 0 {
		go d.run(p.source.interval)
	} else {
		close(d.exited)
	}
	return d, nil
}

func (p *Projection) Done() <-chan struct{} {
	return p.done
}

func (p *Projection) GeometryChanges() <-chan frame.Geometry {
	return p.changes
}

func (p *Projection) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.source.mu.Lock()
	if p.source.active == p {
		p.source.active = nil
	}
	p.source.mu.Unlock()
	return nil
}

func (p *Projection) notify(g frame.Geometry) {
	for {
		select {
		case p.changes <- g:
			return
		default:
		}
		select {
		case <-p.changes:
		default:
		}
	}
}

func (p *Projection) revoke() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Projection) emit() int {
	p.mu.Lock()
	displays := append([]*Display(nil), p.displays...)
	p.mu.Unlock()
	accepted := 0
	for _, d := range displays {
		if d.emit() {
			accepted++
		}
	}
	return accepted
}

type Display struct {
	name   string
	source *Source

	mu       sync.Mutex
	geometry frame.Geometry
	surface  capture.Surface
	seq      uint64
	released bool

	quit     chan struct{}
	exited   chan struct{}
	quitOnce sync.Once
}

func (d *Display) run(interval time.Duration) {
	defer close(d.exited)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			d.emit()
		}
	}
}

// emit renders at the display's current size into its current surface.
func (d *Display) emit() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released || d.surface == nil {
		return false
	}
	d.seq++
	raw := d.source.render(d.geometry, d.seq)
	if !d.surface.Queue(raw) {
		d.source.rejected.Add(1)
		raw.Release()
		return false
	}
	return true
}

func (d *Display) Resize(g frame.Geometry) error {
	if !g.Valid() {
		return errors.New("invalid geometry")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.geometry = g
	return nil
}

func (d *Display) SetSurface(s capture.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.surface = s
	return nil
}

// Release stops frame production and waits for the producer to exit.
func (d *Display) Release() error {
	d.mu.Lock()
	d.released = true
	d.surface = nil
	d.mu.Unlock()
	d.quitOnce.Do(func() { close(d.quit) })
	<-d.exited
	return nil
}

func (d *Display) Geometry() frame.Geometry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.geometry
}
