package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophia-intel/knowledge-service/internal/cache"
	"github.com/sophia-intel/knowledge-service/internal/core"
	"github.com/sophia-intel/knowledge-service/internal/knowledge"
	"github.com/sophia-intel/knowledge-service/internal/knowledge/classify"
	"github.com/sophia-intel/knowledge-service/internal/knowledge/versioning"
	"github.com/sophia-intel/knowledge-service/internal/storage"
)

// flakyAirtable fails every request with a permanent error until healed.
type flakyAirtable struct {
	failing atomic.Bool
}

func (f *flakyAirtable) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.failing.Load() {
			// 400 is permanent for the client, keeping failure tests fast.
			http.Error(w, `{"error": "bad request"}`, http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"records": []AirtableRecord{}})
	})
}

func newTestScheduler(t *testing.T, fake *flakyAirtable, config SchedulerConfig) (*Scheduler, *knowledge.Manager) {
	t.Helper()

	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	store := storage.NewSQLiteStore(":memory:", nil)
	ctx := context.Background()
	require.NoError(t, store.Connect(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close(context.Background()) })

	manager := knowledge.NewManager(store, versioning.NewEngine(store, nil),
		classify.NewEngine(), cache.NewMemoryCache(), nil)

	client := NewAirtableClient(server.URL, "appTESTBASE", "test-key", nil)
	service := NewService(client, manager, store, knowledge.StrategyAuto, nil)

	scheduler, err := NewScheduler(config, service, manager, nil)
	require.NoError(t, err)
	return scheduler, manager
}

func TestScheduler_InitialStatus(t *testing.T) {
	scheduler, _ := newTestScheduler(t, &flakyAirtable{}, DefaultSchedulerConfig())

	status := scheduler.Status()
	assert.Equal(t, StatusIdle, status.CurrentStatus)
	assert.Equal(t, HealthHealthy, status.SyncHealth)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.False(t, status.SchedulerRunning)
	assert.Equal(t, 60, status.IncrementalIntervalMin)
	assert.Equal(t, "0 2 * * *", status.FullSyncSchedule)
}

func TestScheduler_InvalidCron(t *testing.T) {
	config := DefaultSchedulerConfig()
	config.FullSyncCron = "not a cron"

	store := storage.NewSQLiteStore(":memory:", nil)
	manager := knowledge.NewManager(store, versioning.NewEngine(store, nil),
		classify.NewEngine(), cache.NewMemoryCache(), nil)

	_, err := NewScheduler(config, nil, manager, nil)
	assert.Error(t, err)
}

func TestScheduler_CircuitBreakAndResume(t *testing.T) {
	fake := &flakyAirtable{}
	fake.failing.Store(true)
	scheduler, _ := newTestScheduler(t, fake, DefaultSchedulerConfig())
	ctx := context.Background()

	// Three consecutive failures trip the breaker.
	for i := 1; i <= 3; i++ {
		result, err := scheduler.TriggerManual(ctx, core.SyncIncremental)
		require.NoError(t, err, "manual trigger itself succeeds; the run is recorded as failed")
		assert.Equal(t, StatusFailed, result.Status)

		status := scheduler.Status()
		assert.Equal(t, i, status.ConsecutiveFailures)
		if i < 3 {
			assert.Equal(t, HealthDegraded, status.SyncHealth)
			assert.False(t, status.Paused)
		}
	}

	status := scheduler.Status()
	assert.Equal(t, HealthCritical, status.SyncHealth)
	assert.True(t, status.Paused, "scheduled jobs pause after repeated failures")

	// Resume clears the counter and unpauses.
	scheduler.Resume(ctx)
	status = scheduler.Status()
	assert.Equal(t, HealthHealthy, status.SyncHealth)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.False(t, status.Paused)

	// A subsequent successful sync keeps the counter at zero and records
	// the sync time.
	fake.failing.Store(false)
	result, err := scheduler.TriggerManual(ctx, core.SyncIncremental)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)

	status = scheduler.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.NotNil(t, status.LastSyncTime)
}

func TestScheduler_PausedSkipsScheduledRuns(t *testing.T) {
	fake := &flakyAirtable{}
	scheduler, _ := newTestScheduler(t, fake, DefaultSchedulerConfig())

	scheduler.mu.Lock()
	scheduler.paused = true
	scheduler.mu.Unlock()

	scheduler.runScheduled(context.Background(), core.SyncIncremental)

	status := scheduler.Status()
	assert.Nil(t, status.LastSyncResult, "paused scheduler must not run")
}

func TestScheduler_SingleFlight(t *testing.T) {
	scheduler, _ := newTestScheduler(t, &flakyAirtable{}, DefaultSchedulerConfig())

	scheduler.mu.Lock()
	scheduler.running = true
	scheduler.mu.Unlock()

	_, err := scheduler.TriggerManual(context.Background(), core.SyncFull)
	assert.ErrorIs(t, err, core.ErrSyncInProgress)

	// Scheduled runs coalesce instead of erroring.
	scheduler.runScheduled(context.Background(), core.SyncIncremental)
	status := scheduler.Status()
	assert.Nil(t, status.LastSyncResult)
}

func TestScheduler_ManualFullSync(t *testing.T) {
	scheduler, _ := newTestScheduler(t, &flakyAirtable{}, DefaultSchedulerConfig())

	result, err := scheduler.TriggerManual(context.Background(), core.SyncFull)
	require.NoError(t, err)
	assert.Equal(t, "full", result.Type)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestScheduler_History(t *testing.T) {
	scheduler, _ := newTestScheduler(t, &flakyAirtable{}, DefaultSchedulerConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := scheduler.TriggerManual(ctx, core.SyncIncremental)
		require.NoError(t, err)
	}

	assert.Len(t, scheduler.History(0), 3)
	assert.Len(t, scheduler.History(2), 2)
	assert.Equal(t, 3, scheduler.Status().HistoryCount)
}

func TestScheduler_HistoryBounded(t *testing.T) {
	scheduler, _ := newTestScheduler(t, &flakyAirtable{}, DefaultSchedulerConfig())

	scheduler.mu.Lock()
	for i := 0; i < maxHistoryEntries+20; i++ {
		scheduler.history = append(scheduler.history, HistoryEntry{Type: "incremental"})
	}
	scheduler.mu.Unlock()

	_, err := scheduler.TriggerManual(context.Background(), core.SyncIncremental)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(scheduler.History(0)), maxHistoryEntries)
}

func TestScheduler_CleanupHistory(t *testing.T) {
	scheduler, _ := newTestScheduler(t, &flakyAirtable{}, DefaultSchedulerConfig())

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	fresh := time.Now().UTC()
	scheduler.mu.Lock()
	scheduler.history = []HistoryEntry{
		{Type: "incremental", StartTime: old},
		{Type: "incremental", StartTime: fresh},
	}
	scheduler.mu.Unlock()

	scheduler.cleanupHistory()

	history := scheduler.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, fresh.Unix(), history[0].StartTime.Unix())
}

func TestScheduler_StartRunsInitialSync(t *testing.T) {
	fake := &flakyAirtable{}
	scheduler, _ := newTestScheduler(t, fake, DefaultSchedulerConfig())
	ctx := context.Background()

	require.NoError(t, scheduler.Start(ctx))
	defer scheduler.Stop()

	// The store is empty, so startup runs a full sync.
	status := scheduler.Status()
	require.NotNil(t, status.LastSyncResult)
	assert.Equal(t, "full", status.LastSyncResult.Type)
	assert.True(t, status.SchedulerRunning)
	assert.NotNil(t, status.NextIncrementalRun)
	assert.NotNil(t, status.NextFullRun)
}

func TestScheduler_DisabledAutoSync(t *testing.T) {
	config := DefaultSchedulerConfig()
	config.AutoSyncEnabled = false
	scheduler, _ := newTestScheduler(t, &flakyAirtable{}, config)

	require.NoError(t, scheduler.Start(context.Background()))
	assert.False(t, scheduler.Status().SchedulerRunning)
	scheduler.Stop()
}
