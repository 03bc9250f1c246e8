package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"rtap-server/internal/rtap"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The live feed is open to any origin, matching the permissive CORS
	// policy on the HLS endpoints.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler exposes the RTAP HTTP and websocket surface.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler backed by the given service.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// RegisterRoutes attaches every API route to the router. Used by main and by
// handler tests so the two never drift.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/streams", func(r chi.Router) {
		r.Post("/", h.AddStream)
		r.Get("/", h.ListStreams)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.GetStream)
			r.Post("/annotations", h.AddAnnotation)
			r.Get("/annotations", h.GetAnnotations)
			r.Get("/annotations/ws", h.ServeWS) // legacy live-feed path
			r.Post("/annotations/{type}", h.AddAnnotation)
			r.Get("/annotations/{type}", h.GetAnnotations)
		})
	})
	r.Get("/hls/{name}/{file}", h.ServeHLS)
	r.Get("/ws", h.ServeWS)
}

type addStreamRequest struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
}

// AddStream handles POST /api/streams.
func (h *Handler) AddStream(w http.ResponseWriter, r *http.Request) {
	var req addStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	stream, err := h.svc.AddStream(req.Name, req.URL, req.Description, req.Parameters)
	if err != nil {
		if errors.Is(err, rtap.ErrStreamExists) {
			writeError(w, http.StatusConflict, fmt.Sprintf("stream '%s' already exists", req.Name))
			return
		}
		h.log.Error("add stream failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, stream)
}

// ListStreams handles GET /api/streams. Annotation bodies are summarized as
// per-type counts to keep the list view small.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.svc.Registry().List()
	out := make(map[string]any, len(streams))
	for name, stream := range streams {
		out[name] = stream.Summary()
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStream handles GET /api/streams/{name}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stream, err := h.svc.Registry().Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("stream '%s' not found", name))
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

// AddAnnotation handles POST /api/streams/{name}/annotations[/{type}]. The
// annotation type comes from the path, falling back to the "type" query
// parameter. The full request body becomes the annotation data; a missing
// timestamp is replaced with the current time, a malformed one is rejected.
func (h *Handler) AddAnnotation(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	annotationType := chi.URLParam(r, "type")
	if annotationType == "" {
		annotationType = r.URL.Query().Get("type")
	}
	if annotationType == "" {
		writeError(w, http.StatusBadRequest, "annotation type is required")
		return
	}

	stream, err := h.svc.Registry().Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("stream '%s' not found", name))
		return
	}

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	timestamp, _ := data["timestamp"].(string)
	if timestamp == "" {
		timestamp = rtap.Now()
	}

	annotation, err := stream.AddAnnotation(annotationType, data, timestamp)
	if err != nil {
		if errors.Is(err, rtap.ErrInvalidTimestamp) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timestamp '%s'", timestamp))
			return
		}
		h.log.Error("add annotation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.svc.Hub().Publish(name, annotation)
	if m := h.svc.Metrics(); m != nil {
		m.IncAnnotations()
	}

	writeJSON(w, http.StatusOK, annotation)
}

// GetAnnotations handles GET /api/streams/{name}/annotations[/{type}]. Query
// parameters become the filter; a type path segment narrows to that type and
// overrides any "type" query key.
func (h *Handler) GetAnnotations(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stream, err := h.svc.Registry().Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("stream '%s' not found", name))
		return
	}

	filter := rtap.ParseQuery(r.URL.Query())
	if pathType := chi.URLParam(r, "type"); pathType != "" {
		filter["type"] = pathType
	}

	annotations := stream.GetAnnotations(filter)
	if annotations == nil {
		annotations = []*rtap.Annotation{}
	}
	writeJSON(w, http.StatusOK, annotations)
}

// ServeHLS handles GET /hls/{name}/{file}: the stream manifest or one
// segment, with permissive CORS and caching disabled so players always see
// the current window.
func (h *Handler) ServeHLS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	file := chi.URLParam(r, "file")

	if _, err := h.svc.Registry().Get(name); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("stream '%s' not found", name))
		return
	}

	// Only bare file names inside the stream's own directory are servable.
	if file != filepath.Base(file) || strings.Contains(file, "..") {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	var contentType string
	switch {
	case strings.HasSuffix(file, ".m3u8"):
		contentType = manifestContentType
	case strings.HasSuffix(file, ".ts"):
		contentType = segmentContentType
	default:
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	path := filepath.Join(h.svc.HLSDir(name), file)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

// ServeWS upgrades the connection and registers it as a live subscriber.
// Served at /ws and at the legacy per-stream path; both receive the full
// feed, tagged by stream name.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if name := chi.URLParam(r, "name"); name != "" {
		if _, err := h.svc.Registry().Get(name); err != nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("stream '%s' not found", name))
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.svc.Hub().Subscribe(conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing useful left to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
