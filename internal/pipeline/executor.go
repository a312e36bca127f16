package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/watchme/admin/internal/common"
	"github.com/watchme/admin/internal/stage"
)

// RunReport is the outcome of one pipeline run: overall success plus the
// flat, time-ordered trace an operator can scan top to bottom.
type RunReport struct {
	Pipeline  string         `json:"pipeline"`
	DeviceID  string         `json:"device_id"`
	Date      string         `json:"date"`
	Success   bool           `json:"success"`
	Trace     []stage.Result `json:"trace"`
	StartedAt time.Time      `json:"started_at"`
	Elapsed   stage.Millis   `json:"elapsed_ms"`
}

// FailedStage names the stage that halted the run, or "" on success.
func (r *RunReport) FailedStage() string {
	for _, res := range r.Trace {
		if !res.Probe && !res.Success {
			return res.Stage
		}
	}
	return ""
}

// Executor runs pipelines against the static definition table.
type Executor struct {
	client *stage.Client
	poller *stage.Poller
	defs   map[string][]stage.Spec
}

func NewExecutor(client *stage.Client, poller *stage.Poller, defs map[string][]stage.Spec) *Executor {
	return &Executor{
		client: client,
		poller: poller,
		defs:   defs,
	}
}

// Specs returns the stage sequence for a pipeline name.
func (e *Executor) Specs(name string) ([]stage.Spec, bool) {
	specs, ok := e.defs[name]
	return specs, ok
}

// Run executes the named pipeline's stages strictly in order, stopping at the
// first stage failure. Liveness probe sub-results are appended to the trace
// immediately before the stage they probe. An unknown pipeline name is the
// only condition reported as a Go error; stage failures are data.
func (e *Executor) Run(ctx context.Context, name string, jc stage.Context) (*RunReport, error) {
	specs, ok := e.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrPipelineNotFound, name)
	}

	report := &RunReport{
		Pipeline:  name,
		DeviceID:  jc.DeviceID,
		Date:      jc.Date,
		Success:   true,
		StartedAt: time.Now(),
	}
	start := time.Now()

	slog.Info("pipeline run started", "pipeline", name, "device_id", jc.DeviceID, "date", jc.Date)

	for _, spec := range specs {
		res, handle := e.client.Call(ctx, spec, jc)

		if res.Liveness != nil {
			report.Trace = append(report.Trace, stage.Result{
				Stage:   spec.Name + "/health",
				Probe:   true,
				Success: res.Liveness.OK,
				Message: res.Liveness.Message,
				Elapsed: res.Liveness.Elapsed,
			})
		}

		if res.Success && handle != nil {
			res = e.poller.Await(ctx, spec.Name, *handle)
		}

		report.Trace = append(report.Trace, res)

		if !res.Success {
			report.Success = false
			report.Elapsed = stage.Millis(time.Since(start))
			slog.Warn("pipeline halted",
				"pipeline", name,
				"device_id", jc.DeviceID,
				"stage", spec.Name,
				"message", res.Message)
			return report, nil
		}
	}

	report.Elapsed = stage.Millis(time.Since(start))
	slog.Info("pipeline run completed",
		"pipeline", name,
		"device_id", jc.DeviceID,
		"stages", len(specs),
		"elapsed", report.Elapsed)
	return report, nil
}
