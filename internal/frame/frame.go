package frame

import "sync/atomic"

// PixelStrideRGBA is the byte width of one RGBA 8888 pixel.
const PixelStrideRGBA = 4

const (
	ContentTypeJPEG = "image/jpeg"
	ContentTypePNG  = "image/png"
)

// Raw is a view over a pixel buffer owned by the capture source.
// The buffer is only valid until Release is called.
type Raw struct {
	Pix         []byte
	Width       int
	Height      int
	PixelStride int
	RowStride   int

	release  func()
	released atomic.Bool
}

// NewRaw wraps pix. release, if non-nil, runs once when the frame is released.
func NewRaw(pix []byte, width, height, pixelStride, rowStride int, release func()) *Raw {
	return &Raw{
		Pix:         pix,
		Width:       width,
		Height:      height,
		PixelStride: pixelStride,
		RowStride:   rowStride,
		release:     release,
	}
}

// Release hands the buffer back to its owner. Safe to call more than once.
func (r *Raw) Release() {
	if r == nil || r.released.Swap(true) {
		return
	}
	if r.release != nil {
		r.release()
	}
}

func (r *Raw) Released() bool {
	return r != nil && r.released.Load()
}

// Encoded is a compressed image ready to be served.
type Encoded struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

func (e Encoded) Empty() bool {
	return len(e.Data) == 0
}

// Geometry describes a capture target.
type Geometry struct {
	Width   int
	Height  int
	Density int
}

func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0
}
