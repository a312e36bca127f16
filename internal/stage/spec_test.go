package stage

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestSpec_DerivedURLsKeepServiceBasePath(t *testing.T) {
	s := NewSpec("transcription", PayloadDeviceDate,
		"https://api.hey-watch.me/vibe-transcriber", "/fetch-and-transcribe",
		http.MethodPost, time.Second)
	s.Async = true
	s.StatusPath = "/status"

	if got, want := s.Endpoint(), "https://api.hey-watch.me/vibe-transcriber/fetch-and-transcribe"; got != want {
		t.Errorf("Endpoint() = %q, want %q", got, want)
	}
	if got, want := s.HealthURL(), "https://api.hey-watch.me/vibe-transcriber/health"; got != want {
		t.Errorf("HealthURL() = %q, want %q", got, want)
	}
	if got, want := s.StatusURL("t1"), "https://api.hey-watch.me/vibe-transcriber/status/t1"; got != want {
		t.Errorf("StatusURL() = %q, want %q", got, want)
	}
}

func TestSpec_MultiSegmentEndpointPath(t *testing.T) {
	s := NewSpec("event-aggregation", PayloadDeviceDate,
		"https://api.hey-watch.me/behavior-aggregator", "/analysis/sed",
		http.MethodPost, time.Second)

	if got, want := s.HealthURL(), "https://api.hey-watch.me/behavior-aggregator/health"; got != want {
		t.Errorf("HealthURL() = %q, want %q", got, want)
	}
}

func TestSpec_TrailingSlashBase(t *testing.T) {
	s := NewSpec("scoring", PayloadDeviceDate,
		"https://api.hey-watch.me/vibe-scorer/", "/analyze-vibegraph-supabase",
		http.MethodPost, time.Second)

	if got, want := s.Endpoint(), "https://api.hey-watch.me/vibe-scorer/analyze-vibegraph-supabase"; got != want {
		t.Errorf("Endpoint() = %q, want %q", got, want)
	}
}

func TestMillis_MarshalsAsMilliseconds(t *testing.T) {
	res := Result{
		Stage:   "scoring",
		Success: true,
		Elapsed: Millis(1500 * time.Millisecond),
	}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"elapsed_ms":1500`) {
		t.Errorf("expected elapsed_ms in milliseconds, got %s", data)
	}
}
