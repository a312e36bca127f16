package stage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPoller(interval, maxWait time.Duration) *Poller {
	p := NewPoller(interval, maxWait)
	return p
}

func TestAwait_PendingThenCompleted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 4 {
			json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "completed",
			"result": map[string]any{"transcribed": 5},
		})
	}))
	defer srv.Close()

	p := newTestPoller(10*time.Millisecond, time.Second)
	start := time.Now()
	res := p.Await(context.Background(), "transcription", TaskHandle{TaskID: "t1", StatusURL: srv.URL})
	elapsed := time.Since(start)

	if !res.Success {
		t.Fatalf("expected success, got %s", res.Message)
	}
	if res.Payload["transcribed"] != float64(5) {
		t.Errorf("expected reshaped result payload, got %v", res.Payload)
	}
	if res.Payload["task_id"] != "t1" {
		t.Errorf("expected task_id in payload, got %v", res.Payload)
	}
	// three pending responses => at least three sleep intervals
	if elapsed < 30*time.Millisecond {
		t.Errorf("poller returned before pending ticks elapsed: %s", elapsed)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("expected 4 status checks, got %d", got)
	}
}

func TestAwait_AlwaysPendingTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
	}))
	defer srv.Close()

	maxWait := 100 * time.Millisecond
	p := newTestPoller(10*time.Millisecond, maxWait)
	start := time.Now()
	res := p.Await(context.Background(), "transcription", TaskHandle{TaskID: "t1", StatusURL: srv.URL})
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Message, "timed out") {
		t.Errorf("expected distinct timeout message, got %q", res.Message)
	}
	if elapsed < maxWait {
		t.Errorf("poller timed out early: %s < %s", elapsed, maxWait)
	}
}

func TestAwait_FailedTaskReturnsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "whisper crashed"})
	}))
	defer srv.Close()

	p := newTestPoller(10*time.Millisecond, time.Second)
	res := p.Await(context.Background(), "transcription", TaskHandle{TaskID: "t1", StatusURL: srv.URL})

	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Message, "whisper crashed") {
		t.Errorf("expected upstream error text, got %q", res.Message)
	}
}

func TestAwait_404IsFatalImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newTestPoller(50*time.Millisecond, 5*time.Second)
	start := time.Now()
	res := p.Await(context.Background(), "transcription", TaskHandle{TaskID: "gone", StatusURL: srv.URL})

	if res.Success {
		t.Fatal("expected task-lost failure")
	}
	if !strings.Contains(res.Message, "lost") {
		t.Errorf("expected task-lost message, got %q", res.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("404 must not be retried, got %d calls", calls.Load())
	}
	if time.Since(start) > time.Second {
		t.Error("404 must return immediately")
	}
}

func TestAwait_TransientErrorsAreSwallowed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "completed"})
	}))
	defer srv.Close()

	p := newTestPoller(10*time.Millisecond, time.Second)
	res := p.Await(context.Background(), "transcription", TaskHandle{TaskID: "t1", StatusURL: srv.URL})

	if !res.Success {
		t.Fatalf("expected success after transient flakiness, got %s", res.Message)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 status checks, got %d", calls.Load())
	}
}

func TestAwait_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	p := newTestPoller(20*time.Millisecond, 10*time.Second)
	res := p.Await(ctx, "transcription", TaskHandle{TaskID: "t1", StatusURL: srv.URL})

	if res.Success {
		t.Fatal("expected cancellation failure")
	}
	if !strings.Contains(res.Message, "canceled") {
		t.Errorf("expected cancellation message, got %q", res.Message)
	}
}
