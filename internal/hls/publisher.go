package hls

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"rtap-server/internal/ingest"
)

// Encoder turns a group of decoded frames into one playable segment file.
// Real deployments back this with a media codec binding.
type Encoder interface {
	EncodeSegment(path string, frames []ingest.Frame) error
}

// RawEncoder writes the concatenated grayscale planes to the segment path.
// It keeps the publishing pipeline observable end to end when no codec
// binding is wired in.
type RawEncoder struct{}

// EncodeSegment implements Encoder.
func (RawEncoder) EncodeSegment(path string, frames []ingest.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if _, err := f.Write(frame.Pixels); err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
	}
	return f.Close()
}

// Config bounds the publisher's buffering and its independent retry loop.
type Config struct {
	SegmentFrames   int           // frames per segment group
	Window          int           // manifest sliding-window size
	SegmentDuration float64       // nominal seconds per segment
	MaxRetries      int           // connection attempts before giving up
	RetryDelay      time.Duration // sleep between attempts
	ConnectTimeout  time.Duration
}

// DefaultConfig matches ~2 second segments at 30 fps with a 3-entry window.
func DefaultConfig() Config {
	return Config{
		SegmentFrames:   60,
		Window:          3,
		SegmentDuration: 2.0,
		MaxRetries:      3,
		RetryDelay:      5 * time.Second,
		ConnectTimeout:  5 * time.Second,
	}
}

// Publisher consumes its own decode session for one stream and maintains the
// stream's segment directory and manifest. Its retry budget is independent of
// the ingestion task's, and it never touches the stream record's status.
type Publisher struct {
	StreamName string
	URL        string
	Parameters map[string]string
	Dir        string
	Source     ingest.Source
	Encoder    Encoder
	Log        *slog.Logger
	Config     Config

	// OnSegment and OnDrop, if set, are called per written segment and per
	// dropped frame group.
	OnSegment func()
	OnDrop    func()
}

// Run publishes segments until the retry budget is exhausted or ctx is
// cancelled. Encoder failures drop the affected group and the loop continues.
func (p *Publisher) Run(ctx context.Context) {
	cfg := p.Config
	def := DefaultConfig()
	if cfg.SegmentFrames <= 0 {
		cfg.SegmentFrames = def.SegmentFrames
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = def.SegmentDuration
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		p.Log.Error("create segment directory", slog.String("error", err.Error()))
		return
	}
	if err := WriteManifest(p.Dir, cfg.Window, cfg.SegmentDuration); err != nil {
		p.Log.Error("write initial manifest", slog.String("error", err.Error()))
	}

	seq := 0
	attempts := 0
	for attempts < cfg.MaxRetries && ctx.Err() == nil {
		openCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		reader, err := p.Source.Open(openCtx, p.URL, p.Parameters)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			attempts++
			p.Log.Error("publisher open failed",
				slog.Int("attempt", attempts),
				slog.Int("max_retries", cfg.MaxRetries),
				slog.String("error", err.Error()))
			if attempts >= cfg.MaxRetries || !sleepCtx(ctx, cfg.RetryDelay) {
				break
			}
			continue
		}

		err = p.publish(ctx, reader, cfg, &seq)
		reader.Close()

		switch {
		case err == nil || errors.Is(err, io.EOF):
			p.Log.Info("publisher reached end of stream")
			attempts = cfg.MaxRetries
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			attempts = cfg.MaxRetries
		default:
			attempts++
			p.Log.Error("publisher decode failed",
				slog.Int("attempt", attempts),
				slog.Int("max_retries", cfg.MaxRetries),
				slog.String("error", err.Error()))
			if attempts < cfg.MaxRetries && !sleepCtx(ctx, cfg.RetryDelay) {
				attempts = cfg.MaxRetries
			}
		}
	}

	p.Log.Info("publisher stopped")
}

// publish buffers frames into groups of SegmentFrames and encodes each full
// group as one segment. The sequence number advances even when a group is
// dropped, so segment names never collide and the manifest window math is
// unaffected by gaps.
func (p *Publisher) publish(ctx context.Context, reader ingest.Reader, cfg Config, seq *int) error {
	buffer := make([]ingest.Frame, 0, cfg.SegmentFrames)
	for {
		frame, err := reader.ReadFrame(ctx)
		if err != nil {
			return err
		}

		buffer = append(buffer, frame)
		if len(buffer) < cfg.SegmentFrames {
			continue
		}

		path := filepath.Join(p.Dir, SegmentName(*seq))
		if err := p.Encoder.EncodeSegment(path, buffer); err != nil {
			p.Log.Error("encode segment failed",
				slog.Int("sequence", *seq),
				slog.String("error", err.Error()))
			if p.OnDrop != nil {
				p.OnDrop()
			}
		} else {
			p.Log.Debug("segment written", slog.Int("sequence", *seq))
			if p.OnSegment != nil {
				p.OnSegment()
			}
			if err := WriteManifest(p.Dir, cfg.Window, cfg.SegmentDuration); err != nil {
				p.Log.Error("write manifest", slog.String("error", err.Error()))
			}
		}
		*seq++
		buffer = buffer[:0]
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
