package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sophia-intel/knowledge-service/internal/core"
	"github.com/sophia-intel/knowledge-service/internal/knowledge"
)

// Health states derived from the consecutive-failure counter.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// Run states of the scheduler.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPartial = "partial"
)

const (
	incrementalMisfireGrace = 5 * time.Minute
	fullMisfireGrace        = time.Hour
	cleanupInterval         = 24 * time.Hour
	historyRetention        = 7 * 24 * time.Hour
	maxHistoryEntries       = 100
)

// SchedulerConfig holds the scheduler's tunables.
type SchedulerConfig struct {
	IncrementalInterval    time.Duration
	FullSyncCron           string
	MaxConsecutiveFailures int
	AutoSyncEnabled        bool
}

// DefaultSchedulerConfig returns the default schedule: hourly incremental,
// full sync at 02:00 daily, circuit break after 3 failures.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		IncrementalInterval:    time.Hour,
		FullSyncCron:           "0 2 * * *",
		MaxConsecutiveFailures: 3,
		AutoSyncEnabled:        true,
	}
}

// HistoryEntry is one completed sync run in the in-memory history.
type HistoryEntry struct {
	Type              string     `json:"type"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           time.Time  `json:"end_time"`
	DurationSeconds   float64    `json:"duration_seconds"`
	RecordsSynced     int        `json:"records_synced"`
	ConflictsDetected int        `json:"conflicts_detected"`
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
	OperationID       string     `json:"operation_id,omitempty"`
}

// Status is the scheduler's externally visible state.
type Status struct {
	CurrentStatus          string        `json:"current_status"`
	SyncHealth             string        `json:"sync_health"`
	ConsecutiveFailures    int           `json:"consecutive_failures"`
	LastSyncTime           *time.Time    `json:"last_sync_time,omitempty"`
	LastSyncResult         *HistoryEntry `json:"last_sync_result,omitempty"`
	SchedulerRunning       bool          `json:"scheduler_running"`
	AutoSyncEnabled        bool          `json:"auto_sync_enabled"`
	Paused                 bool          `json:"paused"`
	IncrementalIntervalMin int           `json:"incremental_interval_minutes"`
	FullSyncSchedule       string        `json:"full_sync_schedule"`
	NextIncrementalRun     *time.Time    `json:"next_incremental_run,omitempty"`
	NextFullRun            *time.Time    `json:"next_full_run,omitempty"`
	HistoryCount           int           `json:"history_count"`
}

// Scheduler drives periodic incremental and full syncs from a single task
// loop, with single-flight execution, misfire grace, and a circuit breaker
// on consecutive failures.
type Scheduler struct {
	config  SchedulerConfig
	service *Service
	manager *knowledge.Manager
	logger  *slog.Logger

	fullSchedule cron.Schedule

	mu                  sync.Mutex
	running             bool
	paused              bool
	started             bool
	currentStatus       string
	consecutiveFailures int
	lastSyncTime        *time.Time
	lastResult          *HistoryEntry
	history             []HistoryEntry
	nextIncremental     time.Time
	nextFull            time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler; the cron expression is validated here.
func NewScheduler(config SchedulerConfig, service *Service, manager *knowledge.Manager, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = 3
	}
	if config.IncrementalInterval <= 0 {
		config.IncrementalInterval = time.Hour
	}
	if config.FullSyncCron == "" {
		config.FullSyncCron = "0 2 * * *"
	}

	schedule, err := cron.ParseStandard(config.FullSyncCron)
	if err != nil {
		return nil, fmt.Errorf("parse full sync cron %q: %w", config.FullSyncCron, err)
	}

	return &Scheduler{
		config:        config,
		service:       service,
		manager:       manager,
		logger:        logger,
		fullSchedule:  schedule,
		currentStatus: StatusIdle,
		stopCh:        make(chan struct{}),
	}, nil
}

// Start launches the task loop and runs the initial sync: full when the
// store is empty, incremental otherwise.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.AutoSyncEnabled {
		s.logger.Info("Auto-sync is disabled, scheduler will not start")
		return nil
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	now := time.Now()
	s.nextIncremental = now.Add(s.config.IncrementalInterval)
	s.nextFull = s.fullSchedule.Next(now)
	s.mu.Unlock()

	s.logger.Info("Sync scheduler starting",
		"incremental_interval", s.config.IncrementalInterval,
		"full_sync_cron", s.config.FullSyncCron)

	s.wg.Add(1)
	go s.loop()

	s.runInitialSync(ctx)
	return nil
}

// Stop halts the task loop, waiting for any in-flight sync to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Sync scheduler stopped")
}

// loop is the single scheduler task: it sleeps until the nearest deadline
// and fires whichever job is due.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		s.mu.Lock()
		nextInc := s.nextIncremental
		nextFull := s.nextFull
		s.mu.Unlock()

		next := nextInc
		if nextFull.Before(next) {
			next = nextFull
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-cleanup.C:
			timer.Stop()
			s.cleanupHistory()
		case now := <-timer.C:
			s.fireDue(now)
		}
	}
}

// fireDue runs whichever scheduled jobs are due at now, honoring misfire
// grace: a trigger missed by more than its grace window is skipped until the
// next occurrence.
func (s *Scheduler) fireDue(now time.Time) {
	ctx := context.Background()

	s.mu.Lock()
	runFull := false
	if !now.Before(s.nextFull) {
		if now.Sub(s.nextFull) <= fullMisfireGrace {
			runFull = true
		}
		s.nextFull = s.fullSchedule.Next(now)
	}
	runIncremental := false
	if !now.Before(s.nextIncremental) {
		if now.Sub(s.nextIncremental) <= incrementalMisfireGrace {
			runIncremental = true
		}
		s.nextIncremental = now.Add(s.config.IncrementalInterval)
	}
	paused := s.paused
	s.mu.Unlock()

	if paused {
		return
	}

	// Full runs first. Both runs are synchronous, so when both are due the
	// incremental starts only after the full sync has finished.
	if runFull {
		s.runScheduled(ctx, core.SyncFull)
	}
	if runIncremental {
		s.runScheduled(ctx, core.SyncIncremental)
	}
}

// runInitialSync picks the startup sync kind from the store contents.
func (s *Scheduler) runInitialSync(ctx context.Context) {
	count, err := s.manager.CountEntities(ctx)
	if err != nil {
		s.logger.Error("Failed to count entities for initial sync", "error", err)
		return
	}
	if count == 0 {
		s.logger.Info("Empty knowledge base detected, running full sync")
		s.runScheduled(ctx, core.SyncFull)
	} else {
		s.logger.Info("Existing data found, running incremental sync")
		s.runScheduled(ctx, core.SyncIncremental)
	}
}

// runScheduled executes one sync under single-flight: a run that fires while
// another is active is coalesced (dropped).
func (s *Scheduler) runScheduled(ctx context.Context, kind core.SyncKind) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Sync already in progress, coalescing", "kind", kind)
		return
	}
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.currentStatus = StatusRunning
	s.mu.Unlock()

	s.execute(ctx, kind)
}

// TriggerManual runs the requested sync synchronously. It fails fast when a
// sync is already running.
func (s *Scheduler) TriggerManual(ctx context.Context, kind core.SyncKind) (*HistoryEntry, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, core.ErrSyncInProgress
	}
	s.running = true
	s.currentStatus = StatusRunning
	s.mu.Unlock()

	s.execute(ctx, kind)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult, nil
}

// execute runs the sync and records its outcome. Callers must have claimed
// the running flag.
func (s *Scheduler) execute(ctx context.Context, kind core.SyncKind) {
	start := time.Now().UTC()

	var op *core.SyncOperation
	var err error
	syncType := "incremental"
	switch kind {
	case core.SyncFull:
		syncType = "full"
		op, err = s.service.FullSync(ctx)
	default:
		since := s.incrementalSince()
		op, err = s.service.IncrementalSync(ctx, &since)
	}

	end := time.Now().UTC()
	entry := HistoryEntry{
		Type:            syncType,
		StartTime:       start,
		EndTime:         end,
		DurationSeconds: end.Sub(start).Seconds(),
	}
	if op != nil {
		entry.RecordsSynced = op.RecordsProcessed
		entry.ConflictsDetected = op.ConflictsFound
		entry.OperationID = op.ID
	}

	success := false
	switch {
	case err != nil:
		entry.Status = StatusFailed
		entry.Error = err.Error()
	case op != nil && op.Status == core.SyncCompleted:
		entry.Status = StatusSuccess
		success = true
	case op != nil && op.Status == core.SyncPartial:
		entry.Status = StatusPartial
	default:
		entry.Status = StatusFailed
	}

	s.mu.Lock()
	s.running = false
	s.currentStatus = entry.Status
	s.lastResult = &entry
	s.history = append(s.history, entry)
	if len(s.history) > maxHistoryEntries {
		s.history = s.history[len(s.history)-maxHistoryEntries:]
	}

	if success {
		s.consecutiveFailures = 0
		s.lastSyncTime = &end
	} else {
		s.consecutiveFailures++
		if s.consecutiveFailures >= s.config.MaxConsecutiveFailures && !s.paused {
			s.paused = true
			s.logger.Error("Pausing scheduled syncs after repeated failures",
				"consecutive_failures", s.consecutiveFailures)
		}
	}
	s.mu.Unlock()

	s.logger.Info("Sync run recorded",
		"type", syncType, "status", entry.Status,
		"records", entry.RecordsSynced, "conflicts", entry.ConflictsDetected)
}

// incrementalSince returns the last successful sync's completion time, or an
// hour ago when there is none.
func (s *Scheduler) incrementalSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSyncTime != nil {
		return *s.lastSyncTime
	}
	return time.Now().UTC().Add(-time.Hour)
}

// Resume re-enables paused jobs, clears the failure counter, and refreshes
// the foundational cache.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	s.paused = false
	s.consecutiveFailures = 0
	s.currentStatus = StatusIdle
	s.mu.Unlock()

	if err := s.manager.RefreshCache(ctx); err != nil {
		s.logger.Warn("Cache refresh after resume failed", "error", err)
	}
	s.logger.Info("Sync scheduler resumed")
}

// Status reports the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	health := HealthHealthy
	if s.consecutiveFailures > 0 {
		health = HealthDegraded
	}
	if s.consecutiveFailures >= s.config.MaxConsecutiveFailures {
		health = HealthCritical
	}

	status := Status{
		CurrentStatus:          s.currentStatus,
		SyncHealth:             health,
		ConsecutiveFailures:    s.consecutiveFailures,
		LastSyncTime:           s.lastSyncTime,
		LastSyncResult:         s.lastResult,
		SchedulerRunning:       s.started,
		AutoSyncEnabled:        s.config.AutoSyncEnabled,
		Paused:                 s.paused,
		IncrementalIntervalMin: int(s.config.IncrementalInterval / time.Minute),
		FullSyncSchedule:       s.config.FullSyncCron,
		HistoryCount:           len(s.history),
	}
	if s.started && !s.paused {
		inc, full := s.nextIncremental, s.nextFull
		status.NextIncrementalRun = &inc
		status.NextFullRun = &full
	}
	return status
}

// History returns up to limit most recent sync runs, newest last.
func (s *Scheduler) History(limit int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]HistoryEntry, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

// cleanupHistory drops in-memory entries older than the retention window and
// prunes persisted sync-operation rows to match.
func (s *Scheduler) cleanupHistory() {
	cutoff := time.Now().UTC().Add(-historyRetention)

	s.mu.Lock()
	kept := s.history[:0]
	for _, entry := range s.history {
		if entry.StartTime.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	s.history = kept
	remaining := len(kept)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deleted, err := s.service.store.DeleteSyncOperationsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("Sync history cleanup failed", "error", err)
		return
	}
	s.logger.Debug("Cleaned up sync history",
		"in_memory_remaining", remaining, "rows_deleted", deleted)
}
