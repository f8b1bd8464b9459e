// Package screen captures a desktop display with kbinani/screenshot.
package screen

import (
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"lan-screen-streamer/internal/capture"
	"lan-screen-streamer/internal/frame"
	"lan-screen-streamer/pkg/config"

	"github.com/disintegration/imaging"
	"github.com/kbinani/screenshot"
)

// geometryPoll is how often the display bounds are checked for a change.
const geometryPoll = time.Second

type Source struct {
	displayIndex int
	density      int
	rate         time.Duration
}

func NewSource(cfg *config.Config) *Source {
	return &Source{
		displayIndex: cfg.DisplayIndex,
		density:      cfg.Density,
		rate:         time.Second / time.Duration(cfg.FrameRate),
	}
}

func (s *Source) bounds() (image.Rectangle, error) {
	n := screenshot.NumActiveDisplays()
	if s.displayIndex < 0 || s.displayIndex >= n {
		return image.Rectangle{}, fmt.Errorf("display %d not available (%d active). Check your monitor setup", s.displayIndex, n)
	}
	return screenshot.GetDisplayBounds(s.displayIndex), nil
}

func (s *Source) Geometry() (frame.Geometry, error) {
	b, err := s.bounds()
	if err != nil {
		return frame.Geometry{}, err
	}
	return frame.Geometry{Width: b.Dx(), Height: b.Dy(), Density: s.density}, nil
}

// Open starts watching the display. Desktop capture needs no platform
// authorization, so auth is ignored.
func (s *Source) Open(auth string) (capture.Projection, error) {
	g, err := s.Geometry()
	if err != nil {
		return nil, err
	}
	p := &projection{
		source:  s,
		last:    g,
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
		changes: make(chan frame.Geometry, 1),
	}
	go p.watch()
	return p, nil
}

type projection struct {
	source *Source
	last   frame.Geometry

	done     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
	changes  chan frame.Geometry
}

// watch reports bounds changes and closes done once the display disappears.
func (p *projection) watch() {
	ticker := time.NewTicker(geometryPoll)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			g, err := p.source.Geometry()
			if err != nil {
				log.Printf("[CAPTURE] display lost: %v", err)
				close(p.done)
				return
			}
			if g == p.last {
				continue
			}
			p.last = g
			select {
			case p.changes <- g:
			default:
				select {
				case <-p.changes:
				default:
				}
				p.changes <- g
			}
		}
	}
}

func (p *projection) CreateDisplay(name string, g frame.Geometry, surface capture.Surface) (capture.Display, error) {
	if !g.Valid() {
		return nil, errors.New("invalid geometry")
	}
	d := &display{
		name:     name,
		source:   p.source,
		geometry: g,
		surface:  surface,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go d.run()
	return d, nil
}

func (p *projection) Done() <-chan struct{} {
	return p.done
}

func (p *projection) GeometryChanges() <-chan frame.Geometry {
	return p.changes
}

func (p *projection) Stop() error {
	p.stopOnce.Do(func() { close(p.quit) })
	return nil
}

type display struct {
	name   string
	source *Source

	mu       sync.Mutex
	geometry frame.Geometry
	surface  capture.Surface

	quit        chan struct{}
	exited      chan struct{}
	releaseOnce sync.Once
}

func (d *display) run() {
	defer close(d.exited)
	ticker := time.NewTicker(d.source.rate)
	defer ticker.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			if err := d.captureOnce(); err != nil {
				log.Printf("[CAPTURE] %s: %v", d.name, err)
			}
		}
	}
}

func (d *display) captureOnce() error {
	bounds, err := d.source.bounds()
	if err != nil {
		return err
	}
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.surface == nil {
		return nil
	}
	raw := fit(img, d.geometry)
	if !d.surface.Queue(raw) {
		raw.Release()
	}
	return nil
}

// fit wraps img as a raw buffer of size g, rescaling when the captured
// bounds do not match the display size yet.
func fit(img *image.RGBA, g frame.Geometry) *frame.Raw {
	b := img.Bounds()
	if b.Dx() == g.Width && b.Dy() == g.Height {
		return frame.NewRaw(img.Pix, g.Width, g.Height, frame.PixelStrideRGBA, img.Stride, nil)
	}
	scaled := imaging.Resize(img, g.Width, g.Height, imaging.NearestNeighbor)
	return frame.NewRaw(scaled.Pix, g.Width, g.Height, frame.PixelStrideRGBA, scaled.Stride, nil)
}

func (d *display) Resize(g frame.Geometry) error {
	if !g.Valid() {
		return errors.New("invalid geometry")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.geometry = g
	return nil
}

func (d *display) SetSurface(s capture.Surface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.surface = s
	return nil
}

func (d *display) Release() error {
	d.mu.Lock()
	d.surface = nil
	d.mu.Unlock()
	d.releaseOnce.Do(func() { close(d.quit) })
	<-d.exited
	return nil
}
