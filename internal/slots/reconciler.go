package slots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/watchme/admin/internal/datastore"
	"github.com/watchme/admin/internal/models"
)

// Store is the slice of the data store contract the reconciler needs.
type Store interface {
	Select(ctx context.Context, table string, opts datastore.SelectOptions) ([]map[string]any, error)
}

// Summary reports one reconciliation pass. Message is what lands in the job
// log.
type Summary struct {
	Checked   int    `json:"checked"`
	Missing   int    `json:"missing"`
	Skipped   int    `json:"skipped"`
	Pending   int    `json:"pending"`
	Processed int    `json:"processed"`
	Errored   int    `json:"errored"`
	Message   string `json:"message"`
}

// Reconciler scans the trailing 24 hours of slots for a device and submits
// the still-pending ones to the transcription service in a single batch. No
// per-file retry happens here; a slot still pending after one pass is picked
// up on the next.
type Reconciler struct {
	store          Store
	http           *http.Client
	transcriberURL string
	model          string
	timeout        time.Duration
	now            func() time.Time
}

func NewReconciler(store Store, transcriberURL, model string, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &Reconciler{
		store:          store,
		http:           &http.Client{},
		transcriberURL: strings.TrimRight(transcriberURL, "/"),
		model:          model,
		timeout:        timeout,
		now:            time.Now,
	}
}

type transcribeResponse struct {
	Status  string `json:"status"`
	Summary struct {
		Processed int `json:"processed"`
		Errors    int `json:"errors"`
	} `json:"summary"`
}

// Run performs one reconciliation pass for the device as of now.
func (r *Reconciler) Run(ctx context.Context, deviceID string) (*Summary, error) {
	descriptors := Generate(deviceID, r.now())
	summary := &Summary{Checked: len(descriptors)}

	var batch []string
	for _, d := range descriptors {
		records, err := r.store.Select(ctx, models.TableAudioFiles, datastore.SelectOptions{
			Filters: map[string]string{
				"device_id": deviceID,
				"file_path": d.FilePath,
			},
		})
		if err != nil {
			return summary, fmt.Errorf("slot lookup %s/%s: %w", d.Date, d.Block, err)
		}
		if len(records) == 0 {
			summary.Missing++
			continue
		}
		file := models.AudioFileFromRecord(records[0])
		if file.TranscriptionsStatus != models.StatusPending {
			summary.Skipped++
			continue
		}
		summary.Pending++
		batch = append(batch, d.FilePath)
	}

	if len(batch) == 0 {
		summary.Message = fmt.Sprintf("nothing to do: no pending slots (checked %d, missing %d, handled %d)",
			summary.Checked, summary.Missing, summary.Skipped)
		slog.Info("slot reconciliation found no pending slots", "device_id", deviceID, "checked", summary.Checked)
		return summary, nil
	}

	slog.Info("submitting pending slots for transcription",
		"device_id", deviceID, "pending", len(batch))

	resp, err := r.submit(ctx, deviceID, batch)
	if err != nil {
		return summary, err
	}

	summary.Processed = resp.Summary.Processed
	summary.Errored = resp.Summary.Errors
	summary.Message = fmt.Sprintf("submitted %d pending slots: processed %d, errored %d",
		len(batch), summary.Processed, summary.Errored)
	return summary, nil
}

func (r *Reconciler) submit(ctx context.Context, deviceID string, filePaths []string) (*transcribeResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"device_id":  deviceID,
		"file_paths": filePaths,
		"model":      r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	url := r.transcriberURL + "/fetch-and-transcribe"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription batch call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("transcription service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out transcribeResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("malformed transcription response: %w", err)
		}
	}
	return &out, nil
}
