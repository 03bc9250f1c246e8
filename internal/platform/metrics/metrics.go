package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the RTAP server.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	annotationsTotal      prometheus.Counter
	segmentsWrittenTotal  prometheus.Counter
	segmentsDroppedTotal  prometheus.Counter
	segmentsPrunedTotal   prometheus.Counter
	broadcastDroppedTotal prometheus.Counter
	activeStreams         prometheus.Gauge
	wsClients             prometheus.Gauge
}

// New creates and registers Prometheus metrics for the server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtap_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtap_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	annotationsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtap_annotations_total",
		Help: "Total number of annotations recorded across all streams",
	})
	segmentsWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtap_segments_written_total",
		Help: "Total number of HLS segments encoded and written to disk",
	})
	segmentsDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtap_segments_dropped_total",
		Help: "Total number of frame groups dropped due to encoder failures",
	})
	segmentsPrunedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtap_segments_pruned_total",
		Help: "Total number of aged-out HLS segments removed by the janitor",
	})
	broadcastDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtap_broadcast_dropped_total",
		Help: "Total number of subscribers dropped on a failed or stalled send",
	})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtap_active_streams",
		Help: "Number of streams currently in the active state",
	})
	wsClients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtap_ws_clients",
		Help: "Number of currently connected live subscribers",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		annotationsTotal,
		segmentsWrittenTotal,
		segmentsDroppedTotal,
		segmentsPrunedTotal,
		broadcastDroppedTotal,
		activeStreams,
		wsClients,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		annotationsTotal:      annotationsTotal,
		segmentsWrittenTotal:  segmentsWrittenTotal,
		segmentsDroppedTotal:  segmentsDroppedTotal,
		segmentsPrunedTotal:   segmentsPrunedTotal,
		broadcastDroppedTotal: broadcastDroppedTotal,
		activeStreams:         activeStreams,
		wsClients:             wsClients,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncAnnotations increments the annotations counter.
func (m *Metrics) IncAnnotations() {
	m.annotationsTotal.Inc()
}

// IncSegmentsWritten increments the segments written counter.
func (m *Metrics) IncSegmentsWritten() {
	m.segmentsWrittenTotal.Inc()
}

// IncSegmentsDropped increments the dropped frame group counter.
func (m *Metrics) IncSegmentsDropped() {
	m.segmentsDroppedTotal.Inc()
}

// AddSegmentsPruned adds n to the pruned segments counter.
func (m *Metrics) AddSegmentsPruned(n int) {
	m.segmentsPrunedTotal.Add(float64(n))
}

// IncBroadcastDropped increments the dropped subscriber counter.
func (m *Metrics) IncBroadcastDropped() {
	m.broadcastDroppedTotal.Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetWSClients sets the connected subscribers gauge.
func (m *Metrics) SetWSClients(n int) {
	m.wsClients.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
