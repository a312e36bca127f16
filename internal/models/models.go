package models

import "time"

// Table names in the Supabase data store.
const (
	TableAudioFiles = "audio_files"
	TableDevices    = "devices"
)

// Processing status values carried by audio_files rows. A slot is only
// submitted for transcription while it is still pending.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// AudioFile is the typed view of an audio_files row. The data store returns
// schema-free records; Reconciler decodes only the fields it needs.
type AudioFile struct {
	DeviceID             string
	FilePath             string
	RecordedAt           *time.Time
	TranscriptionsStatus string
}

// AudioFileFromRecord pulls the reconciliation-relevant fields out of a raw
// data store record.
func AudioFileFromRecord(rec map[string]any) AudioFile {
	f := AudioFile{}
	if v, ok := rec["device_id"].(string); ok {
		f.DeviceID = v
	}
	if v, ok := rec["file_path"].(string); ok {
		f.FilePath = v
	}
	if v, ok := rec["transcriptions_status"].(string); ok {
		f.TranscriptionsStatus = v
	}
	if v, ok := rec["recorded_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.RecordedAt = &t
		}
	}
	return f
}

// Device is the typed view of a devices row.
type Device struct {
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
	Status     string `json:"status"`
}

func DeviceFromRecord(rec map[string]any) Device {
	d := Device{}
	if v, ok := rec["device_id"].(string); ok {
		d.DeviceID = v
	}
	if v, ok := rec["device_type"].(string); ok {
		d.DeviceType = v
	}
	if v, ok := rec["status"].(string); ok {
		d.Status = v
	}
	return d
}
