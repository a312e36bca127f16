package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Log entry status tokens.
const (
	LogStarted          = "started"
	LogCompleted        = "completed"
	LogFailed           = "failed"
	LogSchedulerStarted = "scheduler_started"
	LogSchedulerStopped = "scheduler_stopped"
)

// Execution kinds distinguish what triggered a run.
const (
	ExecScheduled = "scheduled"
	ExecManual    = "manual"
	ExecSystem    = "system"
)

// logCapacity bounds each job key's ring so memory stays flat regardless of
// job age.
const logCapacity = 100

// LogEntry records one scheduler event for a job key. Entries are append-only.
type LogEntry struct {
	ID         uuid.UUID  `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	JobKind    string     `json:"job_kind"`
	DeviceID   string     `json:"device_id"`
	Status     string     `json:"status"`
	Message    string     `json:"message"`
	Execution  string     `json:"execution"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RunLog is a bounded ring of the newest logCapacity entries for one job key,
// safe for concurrent append and read. Total counts every entry ever written.
type RunLog struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	total   int
}

func newRunLog() *RunLog {
	return &RunLog{entries: make([]LogEntry, 0, logCapacity)}
}

func (l *RunLog) append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) < logCapacity {
		l.entries = append(l.entries, e)
	} else {
		l.entries[l.start] = e
		l.start = (l.start + 1) % logCapacity
	}
	l.total++
}

// Recent returns up to limit entries, newest first, plus the total ever
// recorded for the key.
func (l *RunLog) Recent(limit int) ([]LogEntry, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if n == 0 {
		return []LogEntry{}, l.total
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]LogEntry, 0, limit)
	for i := 0; i < limit; i++ {
		// walk backward from the newest entry
		idx := (l.start + n - 1 - i + n) % n
		out = append(out, l.entries[idx])
	}
	return out, l.total
}
