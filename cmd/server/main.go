package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"rtap-server/internal/hls"
	"rtap-server/internal/ingest"
	"rtap-server/internal/orchestrator"
	"rtap-server/internal/platform/config"
	"rtap-server/internal/platform/logger"
	"rtap-server/internal/platform/metrics"
	"rtap-server/internal/rtap"
	"rtap-server/internal/ws"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	host := config.GetEnv("RTAP_HOST", "0.0.0.0")
	port := config.GetEnv("RTAP_PORT", "9000")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	hlsRoot := config.GetEnv("HLS_DIR", filepath.Join(os.TempDir(), "rtap_hls"))
	annotationLimit := config.GetEnvInt("ANNOTATION_LIMIT", 1000)
	motionThreshold := config.GetEnvInt("MOTION_THRESHOLD", 127)

	ingestCfg := ingest.Config{
		MaxRetries:     config.GetEnvInt("MAX_RETRIES", 3),
		RetryDelay:     config.GetEnvDuration("RETRY_DELAY", 5*time.Second),
		ConnectTimeout: config.GetEnvDuration("CONNECT_TIMEOUT", 5*time.Second),
		OnEOF:          ingest.EOFRetry,
	}
	if !config.GetEnvBool("EOF_CONSUMES_RETRY", true) {
		ingestCfg.OnEOF = ingest.EOFStop
	}

	hlsCfg := hls.Config{
		SegmentFrames:   config.GetEnvInt("SEGMENT_FRAMES", 60),
		Window:          config.GetEnvInt("MANIFEST_WINDOW", 3),
		SegmentDuration: float64(config.GetEnvInt("SEGMENT_DURATION", 2)),
		MaxRetries:      config.GetEnvInt("MAX_RETRIES", 3),
		RetryDelay:      config.GetEnvDuration("RETRY_DELAY", 5*time.Second),
		ConnectTimeout:  config.GetEnvDuration("CONNECT_TIMEOUT", 5*time.Second),
	}

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	registry := rtap.NewRegistry(annotationLimit)
	hub := ws.NewHub(log)
	hub.OnClientChange = met.SetWSClients
	hub.OnDrop = met.IncBroadcastDropped

	source := ingest.Mux{
		"mock": &ingest.SynthSource{},
	}
	detector := ingest.LuminanceDetector{Threshold: float64(motionThreshold)}

	svc, err := orchestrator.NewService(orchestrator.Options{
		Registry:        registry,
		Hub:             hub,
		Source:          source,
		Detector:        detector,
		Encoder:         hls.RawEncoder{},
		HLSRoot:         hlsRoot,
		Log:             log,
		Metrics:         met,
		IngestConfig:    ingestCfg,
		HLSConfig:       hlsCfg,
		CleanupInterval: config.GetEnvDuration("CLEANUP_INTERVAL", 10*time.Second),
		SegmentMaxAge:   config.GetEnvDuration("SEGMENT_MAX_AGE", 60*time.Second),
	})
	if err != nil {
		log.Error("init orchestrator", "error", err)
		os.Exit(1)
	}
	svc.StartJanitor()

	if streamsFile := config.GetEnv("STREAMS_FILE", ""); streamsFile != "" {
		defs, err := config.LoadStreamDefs(streamsFile)
		if err != nil {
			log.Error("load streams file", "path", streamsFile, "error", err)
			os.Exit(1)
		}
		for _, def := range defs {
			if _, err := svc.AddStream(def.Name, def.URL, def.Description, def.Parameters); err != nil {
				log.Error("bootstrap stream", "stream", def.Name, "error", err)
			}
		}
	}

	h := orchestrator.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(registry.ActiveCount())
			met.SetWSClients(hub.Count())
		}).ServeHTTP(w, req)
	})
	h.RegisterRoutes(r)

	addr := host + ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"addr", addr,
		"hls_dir", hlsRoot,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	svc.Shutdown()
	log.Info("server stopped")
}
