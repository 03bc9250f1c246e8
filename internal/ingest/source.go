// Package ingest drives per-stream frame consumption: it defines the narrow
// seams to the external decode and motion primitives and runs the bounded
// retry loop that keeps a stream's lifecycle status honest.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Frame is one decoded video frame. Pixels holds the grayscale plane; the
// decode binding behind Source is responsible for any color conversion.
type Frame struct {
	Index  int
	Width  int
	Height int
	Pixels []byte
}

// Source opens decode sessions against a stream URL. The context carries the
// connect timeout; a hung source must not stall the caller's retry loop.
type Source interface {
	Open(ctx context.Context, url string, params map[string]string) (Reader, error)
}

// Reader yields decoded frames from one open session. ReadFrame returns
// io.EOF on a clean end of stream and any other error on decode failure.
type Reader interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Region is a rectangle within a frame where motion was observed.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detector reports whether motion is present in a frame.
type Detector interface {
	Detect(f Frame) (Region, bool)
}

// LuminanceDetector flags motion when the mean pixel value exceeds Threshold,
// reporting the full frame as the region. Crude, but cheap enough to run on
// every frame without a vision dependency.
type LuminanceDetector struct {
	Threshold float64
}

// Detect implements Detector.
func (d LuminanceDetector) Detect(f Frame) (Region, bool) {
	if len(f.Pixels) == 0 {
		return Region{}, false
	}
	var sum uint64
	for _, p := range f.Pixels {
		sum += uint64(p)
	}
	mean := float64(sum) / float64(len(f.Pixels))
	if mean <= d.Threshold {
		return Region{}, false
	}
	return Region{X: 0, Y: 0, Width: f.Width, Height: f.Height}, true
}

// Mux dispatches Open calls by URL scheme, so deployments can plug real
// decode bindings in next to the built-in synthetic source.
type Mux map[string]Source

// Open implements Source. An unregistered scheme is a connect failure and
// feeds the caller's retry/error path.
func (m Mux) Open(ctx context.Context, url string, params map[string]string) (Reader, error) {
	scheme, _, ok := strings.Cut(url, "://")
	if !ok {
		return nil, fmt.Errorf("malformed stream url %q", url)
	}
	src, ok := m[scheme]
	if !ok {
		return nil, fmt.Errorf("no source registered for scheme %q", scheme)
	}
	return src.Open(ctx, url, params)
}

// SynthSource serves mock:// URLs with synthesized grayscale frames, used for
// exercising the pipeline without a media backend. Every MotionEvery-th frame
// is bright enough to trip the luminance detector.
type SynthSource struct {
	Width       int
	Height      int
	FrameDelay  time.Duration
	MotionEvery int
}

// Open implements Source.
func (s *SynthSource) Open(ctx context.Context, url string, params map[string]string) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	width, height := s.Width, s.Height
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 48
	}
	motionEvery := s.MotionEvery
	if motionEvery <= 0 {
		motionEvery = 30
	}
	delay := s.FrameDelay
	if delay <= 0 {
		delay = 33 * time.Millisecond
	}
	return &synthReader{width: width, height: height, motionEvery: motionEvery, delay: delay}, nil
}

type synthReader struct {
	width       int
	height      int
	motionEvery int
	delay       time.Duration
	index       int
}

func (r *synthReader) ReadFrame(ctx context.Context) (Frame, error) {
	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
	}

	r.index++
	value := byte(40)
	if r.index%r.motionEvery == 0 {
		value = 200
	}
	pixels := make([]byte, r.width*r.height)
	for i := range pixels {
		pixels[i] = value
	}
	return Frame{Index: r.index, Width: r.width, Height: r.height, Pixels: pixels}, nil
}

func (r *synthReader) Close() error {
	return nil
}
