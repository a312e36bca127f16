package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultStageTimeout = 300 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Client calls one stage endpoint per invocation. Transport and upstream
// failures fail the Result, never the process.
type Client struct {
	http         *http.Client
	probeTimeout time.Duration
}

func NewClient(probeTimeout time.Duration) *Client {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &Client{
		// per-call deadlines come from context; no client-wide timeout
		http:         &http.Client{},
		probeTimeout: probeTimeout,
	}
}

// Call executes the stage's primary request for the given job context. For an
// async spec whose response carries a task id, the returned handle must be
// polled before the stage can be considered finished.
func (c *Client) Call(ctx context.Context, spec Spec, jc Context) (Result, *TaskHandle) {
	return c.CallWithBody(ctx, spec, jc, spec.build(jc))
}

// CallWithBody is Call with an explicit request body, used when the caller
// owns the payload (slot reconciliation batches).
func (c *Client) CallWithBody(ctx context.Context, spec Spec, jc Context, body any) (Result, *TaskHandle) {
	var probe *ProbeResult
	if spec.External() {
		p := c.probe(ctx, spec)
		probe = &p
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}

	endpoint := spec.Endpoint()
	var reader io.Reader
	if body != nil {
		if method == http.MethodGet {
			// GET stages carry the payload as query parameters; bodies on
			// GET are dropped by intermediaries
			if params, ok := body.(map[string]any); ok {
				q := url.Values{}
				for k, v := range params {
					q.Set(k, fmt.Sprint(v))
				}
				endpoint += "?" + q.Encode()
			}
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				res := failure(spec.Name, "failed to marshal payload: %v", err)
				res.Liveness = probe
				return res, nil
			}
			reader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
	if err != nil {
		res := failure(spec.Name, "failed to build request: %v", err)
		res.Liveness = probe
		return res, nil
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("stage call transport failure", "stage", spec.Name, "url", endpoint, "err", err)
		res := failure(spec.Name, "transport error: %v", err)
		res.Liveness = probe
		res.Elapsed = Millis(time.Since(start))
		return res, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		res := failure(spec.Name, "failed to read response: %v", err)
		res.Liveness = probe
		res.Elapsed = Millis(time.Since(start))
		return res, nil
	}

	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("stage call failed", "stage", spec.Name, "status", resp.StatusCode)
		res := failure(spec.Name, "upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		res.Liveness = probe
		res.Elapsed = Millis(elapsed)
		return res, nil
	}

	payload := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			res := failure(spec.Name, "malformed response: %v", err)
			res.Liveness = probe
			res.Elapsed = Millis(elapsed)
			return res, nil
		}
	}

	res := Result{
		Stage:    spec.Name,
		Success:  true,
		Message:  fmt.Sprintf("%s completed", spec.Name),
		Payload:  payload,
		Liveness: probe,
		Elapsed:  Millis(elapsed),
	}

	if spec.Async {
		taskID, ok := payload["task_id"].(string)
		if !ok || taskID == "" {
			res.Success = false
			res.Message = "async stage returned no task_id"
			return res, nil
		}
		res.Message = fmt.Sprintf("%s accepted task %s", spec.Name, taskID)
		return res, &TaskHandle{TaskID: taskID, StatusURL: spec.StatusURL(taskID)}
	}

	slog.Info("stage completed", "stage", spec.Name, "elapsed", elapsed)
	return res, nil
}

func (c *Client) probe(ctx context.Context, spec Spec) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	endpoint := spec.HealthURL()
	start := time.Now()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProbeResult{Endpoint: endpoint, OK: false, Message: err.Error()}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Debug("liveness probe failed", "stage", spec.Name, "endpoint", endpoint, "err", err)
		return ProbeResult{
			Endpoint: endpoint,
			OK:       false,
			Message:  fmt.Sprintf("probe failed: %v", err),
			Elapsed:  Millis(time.Since(start)),
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProbeResult{
			Endpoint: endpoint,
			OK:       false,
			Message:  fmt.Sprintf("probe returned %d", resp.StatusCode),
			Elapsed:  Millis(time.Since(start)),
		}
	}
	return ProbeResult{
		Endpoint: endpoint,
		OK:       true,
		Message:  "healthy",
		Elapsed:  Millis(time.Since(start)),
	}
}
