// Package orchestrator wires the registry, ingestion tasks, segment
// publishers, broadcast hub, and HTTP surface together.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rtap-server/internal/hls"
	"rtap-server/internal/ingest"
	"rtap-server/internal/platform/logger"
	"rtap-server/internal/platform/metrics"
	"rtap-server/internal/rtap"
	"rtap-server/internal/ws"
)

// Options configures a Service. Registry, Hub, Source, Detector, Encoder,
// HLSRoot, and Log are required; Metrics may be nil.
type Options struct {
	Registry *rtap.Registry
	Hub      *ws.Hub
	Source   ingest.Source
	Detector ingest.Detector
	Encoder  hls.Encoder
	HLSRoot  string
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	IngestConfig    ingest.Config
	HLSConfig       hls.Config
	CleanupInterval time.Duration
	SegmentMaxAge   time.Duration
}

// streamTasks holds the cancellation handles for one stream's background
// units.
type streamTasks struct {
	cancelIngest  context.CancelFunc
	cancelPublish context.CancelFunc
}

// Service owns every per-stream background unit. Each registered stream gets
// one ingestion task and one segment publisher under its own cancellable
// contexts, tracked by name so shutdown is deterministic.
type Service struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]streamTasks
}

// NewService builds a service and recreates the HLS root directory, dropping
// any segments left over from a previous run.
func NewService(opts Options) (*Service, error) {
	if err := os.RemoveAll(opts.HLSRoot); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.HLSRoot, 0o755); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]streamTasks),
	}, nil
}

// Registry returns the stream registry.
func (s *Service) Registry() *rtap.Registry {
	return s.opts.Registry
}

// Hub returns the broadcast hub.
func (s *Service) Hub() *ws.Hub {
	return s.opts.Hub
}

// Metrics returns the metrics sink, which may be nil.
func (s *Service) Metrics() *metrics.Metrics {
	return s.opts.Metrics
}

// HLSDir returns the segment directory for a stream.
func (s *Service) HLSDir(streamName string) string {
	return filepath.Join(s.opts.HLSRoot, streamName)
}

// AddStream atomically registers a stream and starts its ingestion task and
// segment publisher. Returns rtap.ErrStreamExists if the name is taken; the
// existing record is untouched.
func (s *Service) AddStream(name, url, description string, parameters map[string]string) (*rtap.Stream, error) {
	stream, err := s.opts.Registry.Add(name, url, description, parameters)
	if err != nil {
		return nil, err
	}

	log := logger.ForStream(s.opts.Log, name)

	ingestCtx, cancelIngest := context.WithCancel(s.ctx)
	publishCtx, cancelPublish := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.tasks[name] = streamTasks{cancelIngest: cancelIngest, cancelPublish: cancelPublish}
	s.mu.Unlock()

	task := &ingest.Task{
		Stream:    stream,
		Source:    s.opts.Source,
		Detector:  s.opts.Detector,
		Broadcast: s.opts.Hub,
		Log:       log,
		Config:    s.opts.IngestConfig,
	}
	if s.opts.Metrics != nil {
		task.OnAnnotation = s.opts.Metrics.IncAnnotations
	}

	publisher := &hls.Publisher{
		StreamName: name,
		URL:        url,
		Parameters: stream.Parameters,
		Dir:        s.HLSDir(name),
		Source:     s.opts.Source,
		Encoder:    s.opts.Encoder,
		Log:        log,
		Config:     s.opts.HLSConfig,
	}
	if s.opts.Metrics != nil {
		publisher.OnSegment = s.opts.Metrics.IncSegmentsWritten
		publisher.OnDrop = s.opts.Metrics.IncSegmentsDropped
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		task.Run(ingestCtx)
	}()
	go func() {
		defer s.wg.Done()
		publisher.Run(publishCtx)
	}()

	s.opts.Log.Info("stream registered", slog.String("stream", name), slog.String("url", url))
	return stream, nil
}

// StartJanitor runs the shared segment cleanup sweep until shutdown.
func (s *Service) StartJanitor() {
	janitor := &hls.Janitor{
		Root:            s.opts.HLSRoot,
		Interval:        s.opts.CleanupInterval,
		MaxAge:          s.opts.SegmentMaxAge,
		Window:          s.opts.HLSConfig.Window,
		SegmentDuration: s.opts.HLSConfig.SegmentDuration,
		Log:             s.opts.Log,
	}
	if s.opts.Metrics != nil {
		janitor.OnPruned = s.opts.Metrics.AddSegmentsPruned
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		janitor.Run(s.ctx)
	}()
}

// Shutdown cancels every per-stream task and the janitor, waits for them to
// exit, disconnects all subscribers, and removes the on-disk segment root.
func (s *Service) Shutdown() {
	s.cancel()

	s.mu.Lock()
	for name, tasks := range s.tasks {
		tasks.cancelIngest()
		tasks.cancelPublish()
		delete(s.tasks, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.Hub.Close()

	if err := os.RemoveAll(s.opts.HLSRoot); err != nil {
		s.opts.Log.Error("remove segment root", slog.String("error", err.Error()))
	}

	s.opts.Log.Info("orchestrator stopped")
}
