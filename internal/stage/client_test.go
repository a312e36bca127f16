package stage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testSpec(name, base, path string) Spec {
	return NewSpec(name, PayloadDeviceDate, base, path, http.MethodPost, 5*time.Second)
}

func TestCall_SuccessParsesPayload(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "success", "count": 3})
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	res, handle := c.Call(context.Background(), testSpec("scoring", srv.URL, "/analyze"), Context{DeviceID: "dev-1", Date: "2025-07-01"})

	if !res.Success {
		t.Fatalf("expected success, got failure: %s", res.Message)
	}
	if handle != nil {
		t.Fatalf("expected no task handle for sync stage")
	}
	if res.Payload["status"] != "success" {
		t.Errorf("expected payload to be parsed, got %v", res.Payload)
	}
	if gotBody["device_id"] != "dev-1" || gotBody["date"] != "2025-07-01" {
		t.Errorf("expected device/date payload, got %v", gotBody)
	}
	if res.Liveness == nil || !res.Liveness.OK {
		t.Errorf("expected passing liveness probe, got %+v", res.Liveness)
	}
}

func TestCall_Non2xxIsStageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	res, _ := c.Call(context.Background(), testSpec("scoring", srv.URL, "/analyze"), Context{DeviceID: "dev-1", Date: "2025-07-01"})

	if res.Success {
		t.Fatal("expected failure for 500 response")
	}
	if !strings.Contains(res.Message, "500") {
		t.Errorf("expected message to carry status code, got %q", res.Message)
	}
	if !strings.Contains(res.Message, "upstream exploded") {
		t.Errorf("expected message to carry body text, got %q", res.Message)
	}
}

func TestCall_TransportFailureIsStageFailure(t *testing.T) {
	// closed server: connection refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(200 * time.Millisecond)
	res, _ := c.Call(context.Background(), testSpec("transcription", url, "/run"), Context{DeviceID: "dev-1", Date: "2025-07-01"})

	if res.Success {
		t.Fatal("expected failure for unreachable endpoint")
	}
	if !strings.Contains(res.Message, "transport error") {
		t.Errorf("expected transport error message, got %q", res.Message)
	}
	if res.Liveness == nil || res.Liveness.OK {
		t.Errorf("expected failed liveness probe, got %+v", res.Liveness)
	}
}

func TestCall_ProbeFailureDoesNotAbortCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	res, _ := c.Call(context.Background(), testSpec("scoring", srv.URL, "/analyze"), Context{DeviceID: "dev-1", Date: "2025-07-01"})

	if !res.Success {
		t.Fatalf("probe failure must not fail the stage: %s", res.Message)
	}
	if res.Liveness == nil || res.Liveness.OK {
		t.Errorf("expected failed probe result attached, got %+v", res.Liveness)
	}
}

func TestCall_AsyncReturnsTaskHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"task_id": "task-42"})
	}))
	defer srv.Close()

	spec := testSpec("transcription", srv.URL, "/fetch-and-transcribe")
	spec.Async = true
	spec.StatusPath = "/status"

	c := NewClient(time.Second)
	res, handle := c.Call(context.Background(), spec, Context{DeviceID: "dev-1", Date: "2025-07-01"})

	if !res.Success {
		t.Fatalf("expected success, got %s", res.Message)
	}
	if handle == nil {
		t.Fatal("expected task handle")
	}
	if handle.TaskID != "task-42" {
		t.Errorf("expected task id task-42, got %s", handle.TaskID)
	}
	if !strings.HasSuffix(handle.StatusURL, "/status/task-42") {
		t.Errorf("unexpected status URL %s", handle.StatusURL)
	}
}

func TestCall_AsyncWithoutTaskIDFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "accepted"})
	}))
	defer srv.Close()

	spec := testSpec("transcription", srv.URL, "/fetch-and-transcribe")
	spec.Async = true

	c := NewClient(time.Second)
	res, handle := c.Call(context.Background(), spec, Context{DeviceID: "dev-1", Date: "2025-07-01"})

	if res.Success {
		t.Fatal("expected failure when async response has no task_id")
	}
	if handle != nil {
		t.Fatal("expected no handle")
	}
}

func TestCall_GetStageSendsQueryParams(t *testing.T) {
	var gotQuery map[string][]string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		gotQuery = r.URL.Query()
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	spec := NewSpec("prompt-generation", PayloadDeviceDate, srv.URL, "/generate", http.MethodGet, 5*time.Second)
	c := NewClient(time.Second)
	res, _ := c.Call(context.Background(), spec, Context{DeviceID: "dev-1", Date: "2025-07-01"})

	if !res.Success {
		t.Fatalf("expected success, got %s", res.Message)
	}
	if len(gotQuery["device_id"]) != 1 || gotQuery["device_id"][0] != "dev-1" {
		t.Errorf("expected device_id query param, got %v", gotQuery)
	}
	if len(gotQuery["date"]) != 1 || gotQuery["date"][0] != "2025-07-01" {
		t.Errorf("expected date query param, got %v", gotQuery)
	}
	if len(gotBody) != 0 {
		t.Errorf("GET request must not carry a body, got %q", gotBody)
	}
}

func TestSpec_External(t *testing.T) {
	if !testSpec("s", "https://api.example.com", "/run").External() {
		t.Error("absolute URL should be external")
	}
	if testSpec("s", "", "/api/local/run").External() {
		t.Error("relative path should not be external")
	}
}
