package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"rtap-server/internal/rtap"
)

// EOFPolicy controls what a clean end-of-stream does to the retry budget.
type EOFPolicy int

const (
	// EOFStop ends the task on a clean end-of-stream without reconnecting.
	EOFStop EOFPolicy = iota
	// EOFRetry reconnects after a clean end-of-stream, consuming one retry
	// slot so a source that ends immediately cannot loop forever.
	EOFRetry
)

// Config bounds the ingestion retry loop.
type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	ConnectTimeout time.Duration
	OnEOF          EOFPolicy
}

// DefaultConfig returns the stock retry policy: 3 attempts, 5s backoff and
// connect timeout, reconnect on clean EOF.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		ConnectTimeout: 5 * time.Second,
		OnEOF:          EOFRetry,
	}
}

// Broadcaster receives every annotation the task emits, fanning it out to
// live subscribers.
type Broadcaster interface {
	Publish(streamName string, a *rtap.Annotation)
}

// Task owns the decode-and-annotate loop for one stream. It is the only
// writer of the stream's status and last-error fields.
type Task struct {
	Stream    *rtap.Stream
	Source    Source
	Detector  Detector
	Broadcast Broadcaster
	Log       *slog.Logger
	Config    Config

	// OnAnnotation, if set, is called after each emitted annotation.
	OnAnnotation func()
}

// Run consumes the stream's source until the retry budget is exhausted or
// ctx is cancelled, then leaves the stream inactive. All source and decode
// errors become stream state; none escape.
func (t *Task) Run(ctx context.Context) {
	cfg := t.Config
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	attempts := 0
	for attempts < cfg.MaxRetries && ctx.Err() == nil {
		openCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		reader, err := t.Source.Open(openCtx, t.Stream.URL, t.Stream.Parameters)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown, not a source failure.
				break
			}
			attempts++
			msg := fmt.Sprintf("open %s: %v", t.Stream.URL, err)
			t.Stream.SetError(msg)
			t.Log.Error("stream open failed",
				slog.Int("attempt", attempts),
				slog.Int("max_retries", cfg.MaxRetries),
				slog.String("error", err.Error()))
			if attempts >= cfg.MaxRetries || !sleepCtx(ctx, cfg.RetryDelay) {
				break
			}
			continue
		}

		t.Stream.SetActive()
		t.Log.Info("stream active", slog.String("url", t.Stream.URL))

		err = t.consume(ctx, reader)
		reader.Close()

		switch {
		case err == nil || errors.Is(err, io.EOF):
			t.Log.Info("end of stream reached")
			if cfg.OnEOF == EOFStop {
				attempts = cfg.MaxRetries
			} else {
				attempts++
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			attempts = cfg.MaxRetries
		default:
			attempts++
			msg := fmt.Sprintf("decode %s: %v", t.Stream.URL, err)
			t.Stream.SetError(msg)
			t.Log.Error("stream decode failed",
				slog.Int("attempt", attempts),
				slog.Int("max_retries", cfg.MaxRetries),
				slog.String("error", err.Error()))
			if attempts < cfg.MaxRetries && !sleepCtx(ctx, cfg.RetryDelay) {
				attempts = cfg.MaxRetries
			}
		}
	}

	t.Stream.SetInactive()
	t.Log.Info("ingestion stopped")
}

// consume reads frames until EOF, a decode error, or cancellation. Motion in
// a frame becomes a "motion" annotation handed to the broadcaster.
func (t *Task) consume(ctx context.Context, reader Reader) error {
	for {
		frame, err := reader.ReadFrame(ctx)
		if err != nil {
			return err
		}

		region, motion := t.Detector.Detect(frame)
		if !motion {
			continue
		}

		annotation, err := t.Stream.AddAnnotation("motion", map[string]any{
			"frame": frame.Index,
			"location": map[string]any{
				"x":      region.X,
				"y":      region.Y,
				"width":  region.Width,
				"height": region.Height,
			},
		}, rtap.Now())
		if err != nil {
			// Now() always yields a parseable timestamp; log and move on.
			t.Log.Error("record motion annotation", slog.String("error", err.Error()))
			continue
		}

		if t.Broadcast != nil {
			t.Broadcast.Publish(t.Stream.Name, annotation)
		}
		if t.OnAnnotation != nil {
			t.OnAnnotation()
		}
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first; returns false on
// cancellation.
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
