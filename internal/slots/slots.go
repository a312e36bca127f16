// Package slots reconstructs the rolling 24-hour grid of half-hour recording
// slots and reconciles it against the data store's per-slot processing state.
package slots

import (
	"fmt"
	"time"
)

// SlotCount covers the trailing 24 hours at 30-minute granularity.
const SlotCount = 48

// Descriptor addresses one half-hour recording slot. Descriptors are derived
// from the clock and never persisted.
type Descriptor struct {
	FilePath string
	Date     string
	Block    string
	SlotTime time.Time
}

// Generate returns the 48 descriptors covering the trailing 24 hours for a
// device, newest first, starting at the half-hour boundary at or before now.
// Labels are deterministic: date "2006-01-02" and block "HH-MM".
func Generate(deviceID string, now time.Time) []Descriptor {
	boundary := now.Truncate(time.Minute)
	if boundary.Minute() >= 30 {
		boundary = boundary.Add(-time.Duration(boundary.Minute()-30) * time.Minute)
	} else {
		boundary = boundary.Add(-time.Duration(boundary.Minute()) * time.Minute)
	}

	out := make([]Descriptor, 0, SlotCount)
	for i := 0; i < SlotCount; i++ {
		slot := boundary.Add(-time.Duration(i) * 30 * time.Minute)
		date := slot.Format("2006-01-02")
		block := fmt.Sprintf("%02d-%02d", slot.Hour(), slot.Minute())
		out = append(out, Descriptor{
			FilePath: fmt.Sprintf("files/%s/%s/%s/audio.wav", deviceID, date, block),
			Date:     date,
			Block:    block,
			SlotTime: slot,
		})
	}
	return out
}
