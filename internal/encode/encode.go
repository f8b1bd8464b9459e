package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log"
	"strings"
	"sync"
	"time"

	"lan-screen-streamer/internal/frame"
	"lan-screen-streamer/pkg/config"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

var (
	ErrNoPlanes  = errors.New("frame has no pixel data")
	ErrMalformed = errors.New("malformed frame")
)

var interpolations = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"lanczos3": resize.Lanczos3,
}

// Policy is the crop/resize/quality policy applied to every frame.
type Policy struct {
	Downscale int
	Quality   int
	// Resample defaults to nearest neighbour, the zero InterpolationFunction.
	Resample  resize.InterpolationFunction
	Format    imaging.Format
	// SlowAfter is the encode duration above which a warning is logged.
	SlowAfter time.Duration
}

func PolicyFromConfig(cfg *config.Config) Policy {
	p := Policy{
		Downscale: cfg.Downscale,
		Quality:   cfg.JpegQuality,
		Resample:  resize.Bilinear,
		Format:    imaging.JPEG,
		SlowAfter: time.Second / time.Duration(cfg.FrameRate) * 2,
	}
	if fn, ok := interpolations[strings.ToLower(cfg.Resample)]; ok {
		p.Resample = fn
	}
	if strings.EqualFold(cfg.Format, "png") {
		p.Format = imaging.PNG
	}
	return p
}

type Encoder struct {
	policy Policy
	bufs   sync.Pool
	pool   sync.Pool
}

func NewEncoder(cfg *config.Config) *Encoder {
	return NewEncoderWithPolicy(PolicyFromConfig(cfg))
}

func NewEncoderWithPolicy(p Policy) *Encoder {
	if p.Downscale < 1 {
		p.Downscale = 1
	}
	return &Encoder{
		policy: p,
		bufs: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
		pool: sync.Pool{
			New: func() any { return new(image.RGBA) },
		},
	}
}

// Encode turns one raw capture buffer into a compressed image. It does not
// take ownership of raw; the caller releases it.
func (e *Encoder) Encode(raw *frame.Raw) (frame.Encoded, error) {
	start := time.Now()
	if err := validate(raw); err != nil {
		return frame.Encoded{}, err
	}

	packed := e.pool.Get().(*image.RGBA)
	defer e.pool.Put(packed)
	pack(packed, raw)

	var img image.Image = packed
	tw, th := TargetSize(raw.Width, raw.Height, e.policy.Downscale)
	if tw != raw.Width || th != raw.Height {
		img = resize.Resize(uint(tw), uint(th), packed, e.policy.Resample)
	}

	buf := e.bufs.Get().(*bytes.Buffer)
	defer e.bufs.Put(buf)
	buf.Reset()

	var opts []imaging.EncodeOption
	if e.policy.Format == imaging.JPEG {
		opts = append(opts, imaging.JPEGQuality(e.policy.Quality))
	}
	if err := imaging.Encode(buf, img, e.policy.Format, opts...); err != nil {
		return frame.Encoded{}, fmt.Errorf("%s encoding: %w", contentType(e.policy.Format), err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	if elapsed := time.Since(start); e.policy.SlowAfter > 0 && elapsed > e.policy.SlowAfter {
		log.Printf("[WARN] encoding delay detected: %v", elapsed)
	}
	return frame.Encoded{
		Data:        out,
		ContentType: contentType(e.policy.Format),
		Width:       tw,
		Height:      th,
	}, nil
}

// TargetSize divides both axes by downscale, keeping the original size on
// any axis that would otherwise collapse to zero.
func TargetSize(width, height, downscale int) (int, int) {
	if downscale < 1 {
		downscale = 1
	}
	tw, th := width/downscale, height/downscale
	if tw <= 0 {
		tw = width
	}
	if th <= 0 {
		th = height
	}
	return tw, th
}

func validate(raw *frame.Raw) error {
	if raw == nil || len(raw.Pix) == 0 {
		return ErrNoPlanes
	}
	if raw.Released() {
		return fmt.Errorf("%w: buffer already released", ErrMalformed)
	}
	if raw.Width <= 0 || raw.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrMalformed, raw.Width, raw.Height)
	}
	if raw.PixelStride != frame.PixelStrideRGBA {
		return fmt.Errorf("%w: pixel stride %d", ErrMalformed, raw.PixelStride)
	}
	rowBytes := raw.Width * raw.PixelStride
	if raw.RowStride < rowBytes {
		return fmt.Errorf("%w: row stride %d < %d", ErrMalformed, raw.RowStride, rowBytes)
	}
	if need := raw.RowStride*(raw.Height-1) + rowBytes; len(raw.Pix) < need {
		return fmt.Errorf("%w: buffer holds %d bytes, need %d", ErrMalformed, len(raw.Pix), need)
	}
	return nil
}

// pack copies the visible columns of every padded row into dst, reusing
// dst's backing array when it is large enough.
func pack(dst *image.RGBA, raw *frame.Raw) {
	rowBytes := raw.Width * frame.PixelStrideRGBA
	n := rowBytes * raw.Height
	if cap(dst.Pix) < n {
		dst.Pix = make([]byte, n)
	}
	dst.Pix = dst.Pix[:n]
	dst.Stride = rowBytes
	dst.Rect = image.Rect(0, 0, raw.Width, raw.Height)

	for y := 0; y < raw.Height; y++ {
		src := raw.Pix[y*raw.RowStride : y*raw.RowStride+rowBytes]
		copy(dst.Pix[y*rowBytes:(y+1)*rowBytes], src)
	}
}

func contentType(f imaging.Format) string {
	if f == imaging.PNG {
		return frame.ContentTypePNG
	}
	return frame.ContentTypeJPEG
}
