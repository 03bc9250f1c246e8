package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("RTAP_TEST_STR", "value")
	if got := GetEnv("RTAP_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
	if got := GetEnv("RTAP_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("RTAP_TEST_INT", "42")
	if got := GetEnvInt("RTAP_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("RTAP_TEST_INT", "not-a-number")
	if got := GetEnvInt("RTAP_TEST_INT", 7); got != 7 {
		t.Errorf("expected fallback on garbage, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("RTAP_TEST_DUR", "1m30s")
	if got := GetEnvDuration("RTAP_TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	// Bare integers are seconds.
	t.Setenv("RTAP_TEST_DUR", "10")
	if got := GetEnvDuration("RTAP_TEST_DUR", time.Second); got != 10*time.Second {
		t.Errorf("expected 10s, got %v", got)
	}
	t.Setenv("RTAP_TEST_DUR", "soon")
	if got := GetEnvDuration("RTAP_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("expected fallback on garbage, got %v", got)
	}
}

func TestLoadStreamDefs(t *testing.T) {
	t.Run("valid_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "streams.yaml")
		doc := `streams:
  - name: cam1
    url: rtsp://host/stream
    description: front door
    parameters:
      rtsp_transport: tcp
  - name: cam2
    url: mock://cam2
`
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}

		defs, err := LoadStreamDefs(path)
		if err != nil {
			t.Fatalf("LoadStreamDefs: %v", err)
		}
		if len(defs) != 2 {
			t.Fatalf("expected 2 streams, got %d", len(defs))
		}
		if defs[0].Name != "cam1" || defs[0].URL != "rtsp://host/stream" {
			t.Errorf("unexpected first stream: %+v", defs[0])
		}
		if defs[0].Parameters["rtsp_transport"] != "tcp" {
			t.Errorf("expected parameters to parse: %+v", defs[0].Parameters)
		}
	})

	t.Run("missing_url_rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "streams.yaml")
		if err := os.WriteFile(path, []byte("streams:\n  - name: cam1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadStreamDefs(path); err == nil {
			t.Fatal("expected an error for a stream without a url")
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		if _, err := LoadStreamDefs(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatal("expected an error for a missing file")
		}
	})
}
