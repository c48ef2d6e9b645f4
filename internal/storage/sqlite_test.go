package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophia-intel/knowledge-service/internal/core"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store := NewSQLiteStore(":memory:", nil)
	ctx := context.Background()
	require.NoError(t, store.Connect(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close(context.Background()) })
	return store
}

func testEntity(name string) *core.Entity {
	e := core.NewEntity(name, "general", core.Document{"summary": "test content for " + name})
	e.Normalize()
	return e
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := testEntity("Mission Statement")
	entity.Classification = core.ClassificationFoundational
	entity.Normalize()
	entity.PayReadyContext = core.DefaultPayReadyContext()
	sourceID := "rec001"
	entity.SourceID = &sourceID

	require.NoError(t, store.CreateEntity(ctx, entity))

	got, err := store.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.Name, got.Name)
	assert.Equal(t, core.ClassificationFoundational, got.Classification)
	assert.True(t, got.IsFoundational)
	assert.Equal(t, core.PriorityHigh, got.Priority)
	assert.True(t, entity.Content.Equal(got.Content))
	require.NotNil(t, got.SourceID)
	assert.Equal(t, "rec001", *got.SourceID)
	require.NotNil(t, got.PayReadyContext)
	assert.Equal(t, "Pay Ready", got.PayReadyContext.Company)
}

func TestSQLiteStore_CreateDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := testEntity("dup")
	require.NoError(t, store.CreateEntity(ctx, entity))

	err := store.CreateEntity(ctx, entity)
	assert.True(t, core.IsConflict(err), "expected ErrAlreadyExists, got %v", err)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetEntity(context.Background(), "no-such-id")
	assert.True(t, core.IsNotFound(err))
}

func TestSQLiteStore_Update(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := testEntity("update-me")
	require.NoError(t, store.CreateEntity(ctx, entity))

	before := entity.UpdatedAt
	time.Sleep(5 * time.Millisecond)

	entity.Name = "renamed"
	entity.Content = core.Document{"summary": "changed"}
	entity.Version = 2
	require.NoError(t, store.UpdateEntity(ctx, entity))

	got, err := store.GetEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 2, got.Version)
	assert.True(t, got.UpdatedAt.After(before), "updated_at must advance")

	t.Run("missing entity", func(t *testing.T) {
		ghost := testEntity("ghost")
		err := store.UpdateEntity(ctx, ghost)
		assert.True(t, core.IsNotFound(err))
	})
}

func TestSQLiteStore_DeleteCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := testEntity("doomed")
	require.NoError(t, store.CreateEntity(ctx, entity))
	require.NoError(t, store.AppendVersion(ctx, versionFor(entity, 1)))

	deleted, err := store.DeleteEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	versions, err := store.ListVersions(ctx, entity.ID)
	require.NoError(t, err)
	assert.Empty(t, versions, "version rows must cascade")

	deleted, err = store.DeleteEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSQLiteStore_ListEntities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	low := testEntity("low")
	low.Priority = core.PriorityLow
	critical := testEntity("critical")
	critical.Priority = core.PriorityCritical
	inactive := testEntity("inactive")
	inactive.IsActive = false
	strategic := testEntity("strategic")
	strategic.Classification = core.ClassificationStrategic
	strategic.Normalize()

	for _, e := range []*core.Entity{low, critical, inactive, strategic} {
		require.NoError(t, store.CreateEntity(ctx, e))
	}

	t.Run("ordered by priority desc", func(t *testing.T) {
		entities, err := store.ListEntities(ctx, ListFilter{}, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, entities)
		assert.Equal(t, "critical", entities[0].Name)
	})

	t.Run("classification filter", func(t *testing.T) {
		classification := core.ClassificationStrategic
		entities, err := store.ListEntities(ctx, ListFilter{Classification: &classification}, 0, 0)
		require.NoError(t, err)
		require.Len(t, entities, 1)
		assert.Equal(t, "strategic", entities[0].Name)
	})

	t.Run("is_active filter", func(t *testing.T) {
		active := true
		entities, err := store.ListEntities(ctx, ListFilter{IsActive: &active}, 0, 0)
		require.NoError(t, err)
		for _, e := range entities {
			assert.True(t, e.IsActive)
		}
		assert.Len(t, entities, 3)
	})

	t.Run("limit and offset", func(t *testing.T) {
		page1, err := store.ListEntities(ctx, ListFilter{}, 2, 0)
		require.NoError(t, err)
		assert.Len(t, page1, 2)

		page2, err := store.ListEntities(ctx, ListFilter{}, 2, 2)
		require.NoError(t, err)
		assert.Len(t, page2, 2)
		assert.NotEqual(t, page1[0].ID, page2[0].ID)
	})
}

func TestSQLiteStore_SearchEntities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mission := testEntity("Pay Ready Mission")
	mission.Priority = core.PriorityCritical
	roadmap := core.NewEntity("Roadmap", "general", core.Document{"summary": "the MISSION continues"})
	inactive := core.NewEntity("Mission Archive", "general", core.Document{})
	inactive.IsActive = false

	for _, e := range []*core.Entity{mission, roadmap, inactive} {
		require.NoError(t, store.CreateEntity(ctx, e))
	}

	t.Run("matches name and content case-insensitively", func(t *testing.T) {
		results, err := store.SearchEntities(ctx, "mission")
		require.NoError(t, err)
		require.Len(t, results, 2, "inactive rows are excluded")
		assert.Equal(t, "Pay Ready Mission", results[0].Name, "ordered by priority desc")
	})

	t.Run("no match", func(t *testing.T) {
		results, err := store.SearchEntities(ctx, "zzz-nothing")
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("caps results at twenty", func(t *testing.T) {
		for i := 0; i < 25; i++ {
			e := core.NewEntity("bulk", "general", core.Document{"summary": "findable-needle"})
			require.NoError(t, store.CreateEntity(ctx, e))
		}
		results, err := store.SearchEntities(ctx, "findable-needle")
		require.NoError(t, err)
		assert.Len(t, results, 20)
	})
}

func versionFor(e *core.Entity, number int) *core.Version {
	return &core.Version{
		VersionID:     e.ID + "-v" + string(rune('0'+number)),
		EntityID:      e.ID,
		VersionNumber: number,
		Content:       e.Content.Clone(),
		Metadata:      map[string]any{"name": e.Name},
		ChangeSummary: "test",
		ChangedBy:     "test",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestSQLiteStore_Versions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entity := testEntity("versioned")
	require.NoError(t, store.CreateEntity(ctx, entity))

	require.NoError(t, store.AppendVersion(ctx, versionFor(entity, 1)))
	require.NoError(t, store.AppendVersion(ctx, versionFor(entity, 2)))

	t.Run("duplicate version number rejected", func(t *testing.T) {
		err := store.AppendVersion(ctx, versionFor(entity, 2))
		assert.True(t, core.IsConflict(err))
	})

	t.Run("list newest first", func(t *testing.T) {
		versions, err := store.ListVersions(ctx, entity.ID)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 2, versions[0].VersionNumber)
		assert.Equal(t, 1, versions[1].VersionNumber)
	})

	t.Run("get specific version", func(t *testing.T) {
		v, err := store.GetVersion(ctx, entity.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, v.VersionNumber)
		assert.Equal(t, "versioned", v.Metadata["name"])

		_, err = store.GetVersion(ctx, entity.ID, 99)
		assert.True(t, core.IsNotFound(err))
	})
}

func TestSQLiteStore_SyncOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	op := core.NewSyncOperation(core.SyncFull, "airtable")
	require.NoError(t, store.CreateSyncOperation(ctx, op))

	op.Complete(10, 2)
	require.NoError(t, store.UpdateSyncOperation(ctx, op))

	ops, err := store.ListSyncOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, core.SyncCompleted, ops[0].Status)
	assert.Equal(t, 10, ops[0].RecordsProcessed)
	assert.Equal(t, 2, ops[0].ConflictsFound)

	t.Run("cleanup old operations", func(t *testing.T) {
		deleted, err := store.DeleteSyncOperationsBefore(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		ops, err := store.ListSyncOperations(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})
}

func TestSQLiteStore_SyncConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	local := testEntity("local")
	remote := testEntity("remote")
	remote.ID = local.ID

	conflict := core.NewSyncConflict("op-1", local, remote, core.ConflictContent)
	require.NoError(t, store.CreateSyncConflict(ctx, conflict))

	conflict.MarkResolved(core.ResolutionAutoResolved, "system")
	require.NoError(t, store.UpdateSyncConflict(ctx, conflict))

	t.Run("updating unknown conflict fails", func(t *testing.T) {
		ghost := core.NewSyncConflict("op-2", local, remote, core.ConflictContent)
		err := store.UpdateSyncConflict(ctx, ghost)
		assert.True(t, core.IsNotFound(err))
	})
}

func TestSQLiteStore_Statistics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	foundational := testEntity("f")
	foundational.Classification = core.ClassificationFoundational
	foundational.Normalize()
	operational := testEntity("o")

	require.NoError(t, store.CreateEntity(ctx, foundational))
	require.NoError(t, store.CreateEntity(ctx, operational))

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.FoundationalNum)
	assert.Equal(t, 1, stats.OperationalNum)
	assert.Equal(t, 1, stats.ByClassification["foundational"])
	assert.Equal(t, 1, stats.ByClassification["operational"])
	assert.Equal(t, 2, stats.ByCategory["general"])
}

func TestSQLiteStore_QueryStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEntity(ctx, testEntity("counted")))
	_, err := store.CountEntities(ctx)
	require.NoError(t, err)

	stats := store.QueryStats()
	assert.GreaterOrEqual(t, stats.QueryCount, int64(2))
	assert.GreaterOrEqual(t, stats.TotalQueryTime, time.Duration(0))
	assert.Empty(t, stats.SlowQueries)
}
