package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"rtap-server/internal/hls"
	"rtap-server/internal/ingest"
	"rtap-server/internal/rtap"
	"rtap-server/internal/ws"
)

// idleSource blocks in Open until the context ends, keeping registered
// streams parked without consuming their retry budgets.
type idleSource struct{}

func (idleSource) Open(ctx context.Context, url string, params map[string]string) (ingest.Reader, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestHandler(t *testing.T) (*Handler, *Service) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewService(Options{
		Registry: rtap.NewRegistry(0),
		Hub:      ws.NewHub(log),
		Source:   idleSource{},
		Detector: ingest.LuminanceDetector{Threshold: 127},
		Encoder:  hls.RawEncoder{},
		HLSRoot:  filepath.Join(t.TempDir(), "hls"),
		Log:      log,
		IngestConfig: ingest.Config{
			MaxRetries:     3,
			RetryDelay:     time.Minute,
			ConnectTimeout: time.Hour,
		},
		HLSConfig: hls.Config{
			SegmentFrames:   60,
			Window:          3,
			SegmentDuration: 2.0,
			MaxRetries:      3,
			RetryDelay:      time.Minute,
			ConnectTimeout:  time.Hour,
		},
		CleanupInterval: time.Minute,
		SegmentMaxAge:   time.Minute,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Shutdown)

	return NewHandler(svc, log), svc
}

func newTestRouter(t *testing.T) (chi.Router, *Service) {
	t.Helper()
	h, svc := newTestHandler(t)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, svc
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func addStream(t *testing.T, r http.Handler, name string) {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/streams", map[string]any{
		"name": name,
		"url":  "mock://" + name,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add stream %s: status %d, body %s", name, rec.Code, rec.Body.String())
	}
}

func TestAddStream(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		r, _ := newTestRouter(t)
		rec := doJSON(t, r, http.MethodPost, "/api/streams", map[string]any{
			"name":        "cam1",
			"url":         "mock://cam1",
			"description": "front door",
			"parameters":  map[string]string{"fps": "30"},
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["name"] != "cam1" || body["url"] != "mock://cam1" {
			t.Errorf("unexpected stream body: %v", body)
		}
		if body["status"] != "inactive" {
			t.Errorf("new stream should start inactive, got %v", body["status"])
		}
	})

	t.Run("invalid_json", func(t *testing.T) {
		r, _ := newTestRouter(t)
		req := httptest.NewRequest(http.MethodPost, "/api/streams", strings.NewReader("{nope"))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if _, ok := decodeBody(t, rec)["error"]; !ok {
			t.Error("error responses carry an error field")
		}
	})

	t.Run("missing_fields", func(t *testing.T) {
		r, _ := newTestRouter(t)
		rec := doJSON(t, r, http.MethodPost, "/api/streams", map[string]any{"name": "cam1"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for missing url, got %d", rec.Code)
		}
	})

	t.Run("duplicate_name", func(t *testing.T) {
		r, _ := newTestRouter(t)
		addStream(t, r, "cam1")
		rec := doJSON(t, r, http.MethodPost, "/api/streams", map[string]any{
			"name": "cam1",
			"url":  "mock://other",
		})
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})
}

func TestListStreams(t *testing.T) {
	r, svc := newTestRouter(t)
	addStream(t, r, "cam1")
	addStream(t, r, "cam2")

	stream, err := svc.Registry().Get("cam1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.AddAnnotation("motion", map[string]any{"frame": 1}, rtap.Now()); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, r, http.MethodGet, "/api/streams", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if len(body) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(body))
	}

	cam1, ok := body["cam1"].(map[string]any)
	if !ok {
		t.Fatalf("cam1 missing from list: %v", body)
	}
	counts, ok := cam1["annotations"].(map[string]any)
	if !ok {
		t.Fatalf("list view should summarize annotations as counts: %v", cam1)
	}
	if counts["motion"] != float64(1) {
		t.Errorf("expected motion count 1, got %v", counts["motion"])
	}
}

func TestGetStream(t *testing.T) {
	r, _ := newTestRouter(t)
	addStream(t, r, "cam1")

	rec := doJSON(t, r, http.MethodGet, "/api/streams/cam1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeBody(t, rec)["name"] != "cam1" {
		t.Error("expected full stream record")
	}

	rec = doJSON(t, r, http.MethodGet, "/api/streams/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stream, got %d", rec.Code)
	}
}

func TestAddAnnotation(t *testing.T) {
	t.Run("type_from_path", func(t *testing.T) {
		r, _ := newTestRouter(t)
		addStream(t, r, "cam1")

		rec := doJSON(t, r, http.MethodPost, "/api/streams/cam1/annotations/transcript", map[string]any{
			"text": "hello",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["type"] != "transcript" {
			t.Errorf("expected type transcript, got %v", body["type"])
		}
		data, _ := body["data"].(map[string]any)
		if data["text"] != "hello" {
			t.Errorf("request body becomes annotation data: %v", body)
		}
		ts, _ := body["timestamp"].(string)
		if _, ok := rtap.ParseTimestamp(ts); !ok {
			t.Errorf("missing timestamp should default to now, got %q", ts)
		}
	})

	t.Run("type_from_query", func(t *testing.T) {
		r, _ := newTestRouter(t)
		addStream(t, r, "cam1")

		rec := doJSON(t, r, http.MethodPost, "/api/streams/cam1/annotations?type=custom", map[string]any{
			"note": "x",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if decodeBody(t, rec)["type"] != "custom" {
			t.Error("expected query type to apply")
		}
	})

	t.Run("missing_type", func(t *testing.T) {
		r, _ := newTestRouter(t)
		addStream(t, r, "cam1")

		rec := doJSON(t, r, http.MethodPost, "/api/streams/cam1/annotations", map[string]any{"a": 1})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown_stream", func(t *testing.T) {
		r, _ := newTestRouter(t)
		rec := doJSON(t, r, http.MethodPost, "/api/streams/ghost/annotations/motion", map[string]any{"a": 1})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("explicit_timestamp_preserved", func(t *testing.T) {
		r, _ := newTestRouter(t)
		addStream(t, r, "cam1")

		rec := doJSON(t, r, http.MethodPost, "/api/streams/cam1/annotations/motion", map[string]any{
			"timestamp": "2026-08-29T10:00:00Z",
			"frame":     3,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if decodeBody(t, rec)["timestamp"] != "2026-08-29T10:00:00Z" {
			t.Error("supplied timestamp must be kept verbatim")
		}
	})

	t.Run("malformed_timestamp", func(t *testing.T) {
		r, _ := newTestRouter(t)
		addStream(t, r, "cam1")

		rec := doJSON(t, r, http.MethodPost, "/api/streams/cam1/annotations/motion", map[string]any{
			"timestamp": "yesterday-ish",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestGetAnnotations(t *testing.T) {
	r, svc := newTestRouter(t)
	addStream(t, r, "cam1")

	stream, err := svc.Registry().Get("cam1")
	if err != nil {
		t.Fatal(err)
	}
	seed := []struct {
		typ  string
		data map[string]any
		ts   string
	}{
		{"motion", map[string]any{"frame": 1}, "2026-08-29T10:00:00Z"},
		{"motion", map[string]any{"frame": 2}, "2026-08-29T10:00:10Z"},
		{"transcript", map[string]any{"text": "hi"}, "2026-08-29T10:00:05Z"},
	}
	for _, s := range seed {
		if _, err := stream.AddAnnotation(s.typ, s.data, s.ts); err != nil {
			t.Fatal(err)
		}
	}

	decodeList := func(rec *httptest.ResponseRecorder) []map[string]any {
		var out []map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode list %q: %v", rec.Body.String(), err)
		}
		return out
	}

	t.Run("all_sorted_by_timestamp", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/api/streams/cam1/annotations", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		got := decodeList(rec)
		if len(got) != 3 {
			t.Fatalf("expected 3 annotations, got %d", len(got))
		}
		want := []string{"motion", "transcript", "motion"}
		for i, typ := range want {
			if got[i]["type"] != typ {
				t.Errorf("position %d: expected %s, got %v", i, typ, got[i]["type"])
			}
		}
	})

	t.Run("path_type_filters", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/api/streams/cam1/annotations/transcript", nil)
		got := decodeList(rec)
		if len(got) != 1 || got[0]["type"] != "transcript" {
			t.Fatalf("expected only transcript annotations: %v", got)
		}
	})

	t.Run("time_range", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet,
			"/api/streams/cam1/annotations/motion?start=2026-08-29T10:00:05Z", nil)
		got := decodeList(rec)
		if len(got) != 1 {
			t.Fatalf("expected 1 motion annotation after 10:00:05, got %d", len(got))
		}
	})

	t.Run("no_matches_is_empty_list", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/api/streams/cam1/annotations/object", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Errorf("expected empty JSON array, got %q", rec.Body.String())
		}
	})

	t.Run("unknown_stream", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/api/streams/ghost/annotations", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestServeHLS(t *testing.T) {
	r, svc := newTestRouter(t)
	addStream(t, r, "cam1")

	dir := svc.HLSDir("cam1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "#EXTM3U\n#EXT-X-VERSION:3\n"
	if err := os.WriteFile(filepath.Join(dir, "stream.m3u8"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "segment_0.ts"), []byte("tsdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("manifest", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/hls/cam1/stream.m3u8", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
			t.Errorf("unexpected content type %q", got)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("expected permissive CORS")
		}
		if rec.Header().Get("Cache-Control") != "no-cache" {
			t.Error("manifests must not be cached")
		}
		if rec.Body.String() != manifest {
			t.Errorf("unexpected manifest body %q", rec.Body.String())
		}
	})

	t.Run("segment", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/hls/cam1/segment_0.ts", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := rec.Header().Get("Content-Type"); got != "video/mp2t" {
			t.Errorf("unexpected content type %q", got)
		}
	})

	t.Run("unknown_stream", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/hls/ghost/stream.m3u8", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/hls/cam1/segment_99.ts", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("unservable_extension", func(t *testing.T) {
		rec := doJSON(t, r, http.MethodGet, "/hls/cam1/notes.txt", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestServeWS(t *testing.T) {
	t.Run("feed_receives_posted_annotation", func(t *testing.T) {
		r, svc := newTestRouter(t)
		addStream(t, r, "cam1")

		srv := httptest.NewServer(r)
		defer srv.Close()

		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()

		// The hub registers the subscriber just after the handshake; wait for
		// it before publishing.
		deadline := time.Now().Add(2 * time.Second)
		for svc.Hub().Count() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if svc.Hub().Count() == 0 {
			t.Fatal("subscriber never registered")
		}

		rec := doJSON(t, r, http.MethodPost, "/api/streams/cam1/annotations/motion", map[string]any{
			"frame": 42,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("post annotation: %d %s", rec.Code, rec.Body.String())
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		var event ws.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("decode broadcast %q: %v", payload, err)
		}
		if event.StreamName != "cam1" {
			t.Errorf("expected stream_name cam1, got %q", event.StreamName)
		}
		if event.Annotation == nil || event.Annotation.Type != "motion" {
			t.Errorf("unexpected annotation in broadcast: %+v", event.Annotation)
		}
	})

	t.Run("legacy_path_unknown_stream", func(t *testing.T) {
		r, _ := newTestRouter(t)
		rec := doJSON(t, r, http.MethodGet, "/api/streams/ghost/annotations/ws", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}
