// Package stage issues calls to the external processing services and polls
// their asynchronous tasks. A stage call never returns a Go error to the
// pipeline: every outcome, including transport failures, is folded into a
// Result so the trace stays complete.
package stage

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PayloadKind selects the request body shape a stage expects. The set is
// closed; each spec binds exactly one kind at configuration time.
type PayloadKind string

const (
	// PayloadDeviceDate sends {device_id, date}.
	PayloadDeviceDate PayloadKind = "device_date"
	// PayloadTranscribeBatch sends {device_id, file_paths, model}.
	PayloadTranscribeBatch PayloadKind = "transcribe_batch"
	// PayloadNone sends no body (GET stages).
	PayloadNone PayloadKind = "none"
)

// Context is the job context a stage call operates on: one device, one day.
type Context struct {
	DeviceID string `json:"device_id"`
	Date     string `json:"date"`
}

// Millis is a duration reported as whole milliseconds on the wire.
type Millis time.Duration

func (m Millis) String() string { return time.Duration(m).String() }

func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(m).Milliseconds(), 10)), nil
}

// Spec describes one stage of a pipeline. Specs are static configuration;
// the payload builder is resolved from Kind once, when the spec is built.
// BaseURL is the service root (it may carry a mount prefix such as
// /vibe-transcriber); Path is the stage endpoint under it.
type Spec struct {
	Name    string
	Kind    PayloadKind
	BaseURL string
	Path    string
	Method  string
	Timeout time.Duration
	Async   bool

	// StatusPath is the status-check path for async stages, relative to the
	// service base URL. The task id is appended.
	StatusPath string

	build func(Context) any
}

// NewSpec builds a spec and binds the payload builder for its kind.
func NewSpec(name string, kind PayloadKind, baseURL, path, method string, timeout time.Duration) Spec {
	s := Spec{
		Name:    name,
		Kind:    kind,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Path:    path,
		Method:  method,
		Timeout: timeout,
	}
	switch kind {
	case PayloadDeviceDate:
		s.build = func(jc Context) any {
			return map[string]any{"device_id": jc.DeviceID, "date": jc.Date}
		}
	case PayloadNone:
		s.build = func(Context) any { return nil }
	default:
		// batch payloads are built by the caller (slot reconciliation owns
		// the file list); a pipeline run sends the device/date form
		s.build = func(jc Context) any {
			return map[string]any{"device_id": jc.DeviceID, "date": jc.Date}
		}
	}
	return s
}

// Endpoint is the stage's primary request URL.
func (s Spec) Endpoint() string {
	return s.BaseURL + s.Path
}

// External reports whether the service base is an absolute external URL,
// which is what makes the stage eligible for a liveness probe.
func (s Spec) External() bool {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

// HealthURL derives the liveness endpoint for the stage's service. Services
// mount their health check under the same prefix as the stage endpoints.
func (s Spec) HealthURL() string {
	return s.BaseURL + "/health"
}

// StatusURL builds the status-check URL for a task id, under the service base.
func (s Spec) StatusURL(taskID string) string {
	path := s.StatusPath
	if path == "" {
		path = "/status"
	}
	return s.BaseURL + strings.TrimRight(path, "/") + "/" + taskID
}

// ProbeResult is the outcome of one liveness probe. Probe failure is
// informational: it never aborts the stage call.
type ProbeResult struct {
	Endpoint string `json:"endpoint"`
	OK       bool   `json:"ok"`
	Message  string `json:"message"`
	Elapsed  Millis `json:"elapsed_ms"`
}

// Result is one entry of a pipeline trace.
type Result struct {
	Stage    string         `json:"stage"`
	Probe    bool           `json:"probe,omitempty"`
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Payload  map[string]any `json:"payload,omitempty"`
	Liveness *ProbeResult   `json:"liveness,omitempty"`
	Elapsed  Millis         `json:"elapsed_ms"`
}

// TaskHandle references asynchronous upstream work that must be polled.
type TaskHandle struct {
	TaskID    string
	StatusURL string
}

func failure(stageName, format string, args ...any) Result {
	return Result{
		Stage:   stageName,
		Success: false,
		Message: fmt.Sprintf(format, args...),
	}
}
