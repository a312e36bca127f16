package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollMaxWait  = 300 * time.Second

	taskStatusPending   = "pending"
	taskStatusCompleted = "completed"
	taskStatusFailed    = "failed"
)

// pollState drives the poller's explicit state machine.
type pollState int

const (
	statePolling pollState = iota
	stateCompleted
	stateFailed
	stateTimedOut
)

// Poller waits for an asynchronous stage task to reach a terminal state. The
// wall-clock budget is fixed at Await entry from a monotonic deadline; slow
// status checks do not extend it.
type Poller struct {
	Interval time.Duration
	MaxWait  time.Duration

	http *http.Client
	now  func() time.Time
}

func NewPoller(interval, maxWait time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = defaultPollMaxWait
	}
	return &Poller{
		Interval: interval,
		MaxWait:  maxWait,
		http:     &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

type taskStatus struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

// Await polls the task's status endpoint until it completes, fails, is lost
// (404), or the wait budget runs out. Transient status-check errors are
// swallowed and count against the budget.
func (p *Poller) Await(ctx context.Context, stageName string, h TaskHandle) Result {
	deadline := p.now().Add(p.MaxWait)
	state := statePolling

	var last Result
	for state == statePolling {
		res, terminal := p.check(ctx, stageName, h)
		switch {
		case terminal && res.Success:
			state = stateCompleted
			last = res
		case terminal:
			state = stateFailed
			last = res
		case p.now().After(deadline):
			state = stateTimedOut
		default:
			select {
			case <-ctx.Done():
				return failure(stageName, "polling canceled: %v", ctx.Err())
			case <-time.After(p.Interval):
			}
			if p.now().After(deadline) {
				state = stateTimedOut
			}
		}
	}

	if state == stateTimedOut {
		return failure(stageName, "timed out after %s waiting for task %s; upstream may still be running", p.MaxWait, h.TaskID)
	}
	return last
}

// check performs one status request. terminal is false for pending states and
// for transient errors, which the caller retries.
func (p *Poller) check(ctx context.Context, stageName string, h TaskHandle) (Result, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.StatusURL, nil)
	if err != nil {
		return failure(stageName, "bad status URL: %v", err), true
	}

	resp, err := p.http.Do(req)
	if err != nil {
		// transient transport flakiness on the status endpoint only
		return Result{}, false
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, false
	}

	if resp.StatusCode == http.StatusNotFound {
		return failure(stageName, "task %s lost: status endpoint returned 404", h.TaskID), true
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, false
	}

	var st taskStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return Result{}, false
	}

	switch strings.ToLower(st.Status) {
	case taskStatusCompleted:
		payload := st.Result
		if payload == nil {
			payload = map[string]any{}
		}
		payload["task_id"] = h.TaskID
		return Result{
			Stage:   stageName,
			Success: true,
			Message: fmt.Sprintf("task %s completed", h.TaskID),
			Payload: payload,
		}, true
	case taskStatusFailed:
		msg := st.Error
		if msg == "" {
			msg = "task failed with no error detail"
		}
		return failure(stageName, "task %s failed: %s", h.TaskID, msg), true
	default:
		return Result{}, false
	}
}
