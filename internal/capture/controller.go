package capture

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"lan-screen-streamer/internal/frame"

	"go.uber.org/multierr"
)

type State int

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	if s == Capturing {
		return "capturing"
	}
	return "idle"
}

const displayName = "ScreenCapture"

// Stats counts what happened to captured buffers since the controller was built.
type Stats struct {
	Encoded uint64
	Failed  uint64
	Dropped uint64
}

// Controller owns the capture session and the resources sized to the
// current display geometry.
type Controller struct {
	source  Source
	encoder Encoder
	sink    Publisher

	mu         sync.Mutex
	state      State
	projection Projection
	display    Display
	reader     *Reader
	geometry   frame.Geometry
	exec       *executor
	done       chan struct{}
	stopWatch  chan struct{}

	encoded atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewController(source Source, encoder Encoder, sink Publisher) *Controller {
	done := make(chan struct{})
	close(done)
	return &Controller{
		source:  source,
		encoder: encoder,
		sink:    sink,
		done:    done,
	}
}

// Start acquires a projection and begins mirroring the display.
func (c *Controller) Start(auth string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Capturing {
		return ErrAlreadyStarted
	}

	projection, err := c.source.Open(auth)
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}
	if projection == nil {
		return ErrNoProjection
	}

	g, err := c.source.Geometry()
	if err == nil && !g.Valid() {
		err = fmt.Errorf("invalid display geometry %dx%d", g.Width, g.Height)
	}
	if err != nil {
		return multierr.Append(fmt.Errorf("read display geometry: %w", err), projection.Stop())
	}

	exec := newExecutor("ScreenCaptureThread", 16)
	reader := c.newReader(exec, g)
	display, err := projection.CreateDisplay(displayName, g, reader)
	if err != nil {
		reader.close()
		exec.quitSafely()
		return multierr.Append(fmt.Errorf("create display: %w", err), projection.Stop())
	}

	c.projection = projection
	c.display = display
	c.reader = reader
	c.geometry = g
	c.exec = exec
	c.done = make(chan struct{})
	c.stopWatch = make(chan struct{})
	c.state = Capturing
	log.Printf("[CAPTURE] started %dx%d density=%d", g.Width, g.Height, g.Density)

	go c.watch(projection, c.stopWatch)
	return nil
}

func (c *Controller) newReader(exec *executor, g frame.Geometry) *Reader {
	var r *Reader
	r = newReader(g, func() {
		exec.post(func() { c.onImageAvailable(r) })
	})
	return r
}

// watch forwards the projection's notifications until the run ends.
func (c *Controller) watch(p Projection, stop <-chan struct{}) {
	changes := p.GeometryChanges()
	for {
		select {
		case <-stop:
			return
		case <-p.Done():
			log.Println("[CAPTURE] projection stopped")
			if err := c.Stop(); err != nil {
				log.Printf("[CAPTURE] teardown after projection stop: %v", err)
			}
			return
		case g, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if err := c.Resize(g); err != nil {
				log.Printf("[CAPTURE] resize to %dx%d failed: %v", g.Width, g.Height, err)
			}
		}
	}
}

// onImageAvailable runs on the capture executor for each signaled buffer.
func (c *Controller) onImageAvailable(r *Reader) {
	raw := r.acquireLatest()
	if raw == nil {
		return
	}
	defer raw.Release()

	encoded, err := c.encoder.Encode(raw)
	if err != nil {
		c.failed.Add(1)
		log.Printf("[CAPTURE] error processing screen frame: %v", err)
		return
	}
	c.encoded.Add(1)
	c.sink.Publish(encoded)
}

// Resize swaps the receiving surface for one sized to g and resizes the
// display to match. Invalid or unchanged geometry is ignored. When the
// display refuses the new size the old surface stays attached and capture
// continues at the old size. Failing to attach the new surface ends the run.
func (c *Controller) Resize(g frame.Geometry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Capturing || !g.Valid() || g == c.geometry {
		return nil
	}
	log.Printf("[CAPTURE] resizing %dx%d -> %dx%d density=%d",
		c.geometry.Width, c.geometry.Height, g.Width, g.Height, g.Density)

	var err error
	attached := true
	c.exec.run(func() {
		if rerr := c.display.Resize(g); rerr != nil {
			err = fmt.Errorf("resize display: %w", rerr)
			return
		}
		old := c.reader
		c.dropped.Add(old.Dropped())
		old.close()

		next := c.newReader(c.exec, g)
		c.reader = next
		c.geometry = g
		if serr := c.display.SetSurface(next); serr != nil {
			err = fmt.Errorf("set surface: %w", serr)
			attached = false
		}
	})
	if !attached {
		log.Printf("[CAPTURE] no surface attached after resize, stopping: %v", err)
		err = multierr.Append(err, c.stopLocked())
	}
	return err
}

// Stop releases every capture resource. It is safe to call repeatedly and
// concurrently with an asynchronous projection stop.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if c.state != Capturing {
		return nil
	}
	close(c.stopWatch)

	var err error
	err = multierr.Append(err, c.display.Release())
	c.exec.run(func() {
		c.dropped.Add(c.reader.Dropped())
		c.reader.close()
	})
	err = multierr.Append(err, c.projection.Stop())
	c.exec.quitSafely()

	c.display = nil
	c.reader = nil
	c.projection = nil
	c.exec = nil
	c.state = Idle
	close(c.done)
	log.Println("[CAPTURE] stopped")
	return err
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Geometry() frame.Geometry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.geometry
}

// Done is closed when the current capture run ends. It is already closed
// while the controller is idle.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Controller) Stats() Stats {
	s := Stats{
		Encoded: c.encoded.Load(),
		Failed:  c.failed.Load(),
		Dropped: c.dropped.Load(),
	}
	c.mu.Lock()
	if c.reader != nil {
		s.Dropped += c.reader.Dropped()
	}
	c.mu.Unlock()
	return s
}
