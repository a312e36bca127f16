// Package scheduler owns the process-wide registry of recurring jobs. Each
// job is keyed by (job kind, device id), fires on a cron-managed schedule,
// and keeps a bounded in-memory log of its runs. Logs survive a job's stop
// and are only lost on process restart.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/watchme/admin/internal/common"
)

// Key identifies one recurring job. At most one job exists per key.
type Key struct {
	Kind     string `json:"job_kind"`
	DeviceID string `json:"device_id"`
}

func (k Key) String() string {
	return k.Kind + ":" + k.DeviceID
}

// RunnerFunc executes one tick for a job key. The returned message lands in
// the "completed" log entry; a non-nil error lands in a "failed" entry.
// Errors never propagate past the tick boundary.
type RunnerFunc func(ctx context.Context, key Key, date string) (string, error)

// JobStatus is the read-only view of a registry entry.
type JobStatus struct {
	JobKind   string     `json:"job_kind"`
	DeviceID  string     `json:"device_id"`
	Interval  string     `json:"interval,omitempty"`
	CronSpec  string     `json:"cron_spec,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run"`
	NextRun   *time.Time `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
}

type jobEntry struct {
	key       Key
	interval  time.Duration
	cronSpec  string
	enabled   bool
	entryID   cron.EntryID
	scheduled bool
	lastRun   *time.Time
	nextRun   *time.Time
	createdAt time.Time
}

// Scheduler is the only component that creates timers. One registry-wide
// mutex guards the jobs map and the log map; ticks run outside the lock.
type Scheduler struct {
	run         RunnerFunc
	tickTimeout time.Duration
	now         func() time.Time

	cron *cron.Cron

	mu   sync.Mutex
	jobs map[Key]*jobEntry
	logs map[Key]*RunLog
}

func New(run RunnerFunc, tickTimeout time.Duration) *Scheduler {
	if tickTimeout <= 0 {
		tickTimeout = 15 * time.Minute
	}
	return &Scheduler{
		run:         run,
		tickTimeout: tickTimeout,
		now:         time.Now,
		cron:        cron.New(),
		jobs:        make(map[Key]*jobEntry),
		logs:        make(map[Key]*RunLog),
	}
}

// Run starts the underlying cron loop.
func (s *Scheduler) Run() {
	s.cron.Start()
}

// Shutdown stops the cron loop and returns once in-flight ticks have been
// dispatched. Running ticks are allowed to finish.
func (s *Scheduler) Shutdown() {
	<-s.cron.Stop().Done()
}

// Start registers a recurring job under (kind, deviceID), firing every
// interval. An existing job under the same key is replaced: its timer is
// cancelled, its log retained. Disabled jobs are registered without a timer.
func (s *Scheduler) Start(kind, deviceID string, interval time.Duration, enabled bool) JobStatus {
	key := Key{Kind: kind, DeviceID: deviceID}
	now := s.now()

	s.mu.Lock()
	if old, ok := s.jobs[key]; ok && old.scheduled {
		s.cron.Remove(old.entryID)
	}

	entry := &jobEntry{
		key:       key,
		interval:  interval,
		enabled:   enabled,
		createdAt: now,
	}
	if enabled {
		entry.entryID = s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
			s.tick(key, ExecScheduled)
		}))
		entry.scheduled = true
		next := now.Add(interval)
		entry.nextRun = &next
	}
	s.jobs[key] = entry
	log := s.logLocked(key)
	st := s.statusOf(entry)
	s.mu.Unlock()

	log.append(s.systemEntry(key, LogSchedulerStarted,
		fmt.Sprintf("scheduler started, interval %s, enabled %t", interval, enabled)))
	slog.Info("recurring job started", "job_kind", kind, "device_id", deviceID, "interval", interval, "enabled", enabled)
	return st
}

// StartCron registers a recurring job bound to a cron expression instead of a
// plain interval. Replace semantics match Start.
func (s *Scheduler) StartCron(kind, deviceID, spec string, enabled bool) (JobStatus, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return JobStatus{}, fmt.Errorf("%w: bad cron spec %q: %v", common.ErrBadRequest, spec, err)
	}

	key := Key{Kind: kind, DeviceID: deviceID}
	now := s.now()

	s.mu.Lock()
	if old, ok := s.jobs[key]; ok && old.scheduled {
		s.cron.Remove(old.entryID)
	}

	entry := &jobEntry{
		key:       key,
		cronSpec:  spec,
		enabled:   enabled,
		createdAt: now,
	}
	if enabled {
		entry.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
			s.tick(key, ExecScheduled)
		}))
		entry.scheduled = true
		next := schedule.Next(now)
		entry.nextRun = &next
	}
	s.jobs[key] = entry
	log := s.logLocked(key)
	st := s.statusOf(entry)
	s.mu.Unlock()

	log.append(s.systemEntry(key, LogSchedulerStarted,
		fmt.Sprintf("scheduler started, cron %q, enabled %t", spec, enabled)))
	slog.Info("recurring job started", "job_kind", kind, "device_id", deviceID, "cron", spec, "enabled", enabled)
	return st, nil
}

// Stop cancels the job's timer and removes its registry entry. A missing key
// returns false without error. An in-flight tick completes and still writes
// its log entry.
func (s *Scheduler) Stop(kind, deviceID string) bool {
	key := Key{Kind: kind, DeviceID: deviceID}

	s.mu.Lock()
	entry, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if entry.scheduled {
		s.cron.Remove(entry.entryID)
	}
	delete(s.jobs, key)
	log := s.logLocked(key)
	s.mu.Unlock()

	log.append(s.systemEntry(key, LogSchedulerStopped, "scheduler stopped"))
	slog.Info("recurring job stopped", "job_kind", kind, "device_id", deviceID)
	return true
}

// Status returns the job's registry view, or ok=false when the key is absent.
func (s *Scheduler) Status(kind, deviceID string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[Key{Kind: kind, DeviceID: deviceID}]
	if !ok {
		return JobStatus{}, false
	}
	return s.statusOf(entry), true
}

// ListAll snapshots every registered job, ordered by key for stable output.
func (s *Scheduler) ListAll() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		out = append(out, s.statusOf(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobKind != out[j].JobKind {
			return out[i].JobKind < out[j].JobKind
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Logs returns the newest limit entries for the key (default 50) plus the
// total ever recorded. Logs exist for stopped jobs too.
func (s *Scheduler) Logs(kind, deviceID string, limit int) ([]LogEntry, int) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	log, ok := s.logs[Key{Kind: kind, DeviceID: deviceID}]
	s.mu.Unlock()
	if !ok {
		return []LogEntry{}, 0
	}
	return log.Recent(limit)
}

// RunNow fires a manual tick for a registered job. The tick may race the
// key's own scheduled tick; both append to the shared log independently.
func (s *Scheduler) RunNow(kind, deviceID string) error {
	key := Key{Kind: kind, DeviceID: deviceID}
	s.mu.Lock()
	_, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrJobNotFound, key)
	}
	go s.tick(key, ExecManual)
	return nil
}

// JobCount reports the number of registered jobs, for health reporting.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// tick runs one execution for a key. Every failure mode, panics included, is
// captured into the log instead of reaching the cron loop.
func (s *Scheduler) tick(key Key, execution string) {
	s.mu.Lock()
	_, ok := s.jobs[key]
	var log *RunLog
	if ok {
		log = s.logLocked(key)
	}
	s.mu.Unlock()
	if !ok {
		// stopped between firing and running
		return
	}

	started := s.now()
	date := started.Format("2006-01-02")

	log.append(LogEntry{
		ID:        uuid.New(),
		Timestamp: started,
		JobKind:   key.Kind,
		DeviceID:  key.DeviceID,
		Status:    LogStarted,
		Message:   fmt.Sprintf("run started for %s", date),
		Execution: execution,
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.tickTimeout)
	defer cancel()

	var message string
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("panic: %v", r)
			}
		}()
		message, runErr = s.run(ctx, key, date)
	}()

	elapsed := s.now().Sub(started)
	elapsedMs := elapsed.Milliseconds()

	s.mu.Lock()
	if current, ok := s.jobs[key]; ok {
		t := started
		current.lastRun = &t
		if current.scheduled {
			next := s.cron.Entry(current.entryID).Next
			if !next.IsZero() {
				current.nextRun = &next
			}
		}
	}
	s.mu.Unlock()

	if runErr != nil {
		log.append(LogEntry{
			ID:         uuid.New(),
			Timestamp:  s.now(),
			JobKind:    key.Kind,
			DeviceID:   key.DeviceID,
			Status:     LogFailed,
			Message:    fmt.Sprintf("run failed after %s", elapsed),
			Execution:  execution,
			DurationMs: &elapsedMs,
			Error:      runErr.Error(),
		})
		slog.Error("recurring job run failed", "job_kind", key.Kind, "device_id", key.DeviceID, "err", runErr)
		return
	}

	if message == "" {
		message = "run completed"
	}
	log.append(LogEntry{
		ID:         uuid.New(),
		Timestamp:  s.now(),
		JobKind:    key.Kind,
		DeviceID:   key.DeviceID,
		Status:     LogCompleted,
		Message:    message,
		Execution:  execution,
		DurationMs: &elapsedMs,
	})
	slog.Info("recurring job run completed", "job_kind", key.Kind, "device_id", key.DeviceID, "elapsed", elapsed)
}

// logLocked returns the key's log ring, creating it if needed. Caller holds mu.
func (s *Scheduler) logLocked(key Key) *RunLog {
	log, ok := s.logs[key]
	if !ok {
		log = newRunLog()
		s.logs[key] = log
	}
	return log
}

func (s *Scheduler) systemEntry(key Key, status, message string) LogEntry {
	return LogEntry{
		ID:        uuid.New(),
		Timestamp: s.now(),
		JobKind:   key.Kind,
		DeviceID:  key.DeviceID,
		Status:    status,
		Message:   message,
		Execution: ExecSystem,
	}
}

func (s *Scheduler) statusOf(entry *jobEntry) JobStatus {
	st := JobStatus{
		JobKind:   entry.key.Kind,
		DeviceID:  entry.key.DeviceID,
		CronSpec:  entry.cronSpec,
		Enabled:   entry.enabled,
		LastRun:   entry.lastRun,
		NextRun:   entry.nextRun,
		CreatedAt: entry.createdAt,
	}
	if entry.interval > 0 {
		st.Interval = entry.interval.String()
	}
	return st
}
