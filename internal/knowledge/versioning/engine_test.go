package versioning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sophia-intel/knowledge-service/internal/core"
	"github.com/sophia-intel/knowledge-service/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()

	store := storage.NewSQLiteStore(":memory:", nil)
	ctx := context.Background()
	require.NoError(t, store.Connect(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close(context.Background()) })

	return NewEngine(store, nil), store
}

func createEntity(t *testing.T, store storage.Store, content core.Document) *core.Entity {
	t.Helper()
	e := core.NewEntity("Pay Ready Mission", "company_overview", content)
	e.Classification = core.ClassificationFoundational
	e.Normalize()
	require.NoError(t, store.CreateEntity(context.Background(), e))
	return e
}

func TestCreateVersion_Numbering(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	entity := createEntity(t, store, core.Document{"mission": "platform"})

	v1, err := engine.CreateVersion(ctx, entity, "tester", "Initial version")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.Equal(t, "Initial version", v1.ChangeSummary)
	assert.Equal(t, "tester", v1.ChangedBy)

	entity.Content = core.Document{"mission": "platform", "employees": 100}
	v2, err := engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.Equal(t, "system", v2.ChangedBy)
	assert.Contains(t, v2.ChangeSummary, "Added 1 field(s)")

	// Version numbers 1..n with no gaps.
	history, err := engine.History(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].VersionNumber)
	assert.Equal(t, 1, history[1].VersionNumber)
}

func TestCreateVersion_MetadataSnapshot(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	entity := createEntity(t, store, core.Document{"mission": "platform"})
	v, err := engine.CreateVersion(ctx, entity, "tester", "")
	require.NoError(t, err)

	assert.Equal(t, "Pay Ready Mission", v.Metadata["name"])
	assert.Equal(t, "company_overview", v.Metadata["category"])
	assert.Equal(t, "foundational", v.Metadata["classification"])
	assert.Equal(t, true, v.Metadata["is_foundational"])
	assert.Equal(t, "Initial version", v.ChangeSummary)
}

func TestCreateVersion_SummaryForChanges(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	entity := createEntity(t, store, core.Document{"a": 1, "b": 2})
	_, err := engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)

	entity.Content = core.Document{"a": 9, "c": 3}
	entity.Priority = core.PriorityCritical
	v, err := engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)

	assert.Contains(t, v.ChangeSummary, "Added 1 field(s)")
	assert.Contains(t, v.ChangeSummary, "Removed 1 field(s)")
	assert.Contains(t, v.ChangeSummary, "Modified 1 field(s)")
	assert.Contains(t, v.ChangeSummary, "Priority: 4 -> 5")
}

func TestRollback(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	entity := createEntity(t, store, core.Document{"mission": "platform", "scale": "$20B+"})
	_, err := engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)

	// Second version with an extra field.
	entity.Content = core.Document{"mission": "platform", "scale": "$20B+", "employees": 100}
	entity.Version = 2
	_, err = engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)
	require.NoError(t, store.UpdateEntity(ctx, entity))

	restored, err := engine.Rollback(ctx, entity.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, 3, restored.Version)
	assert.NotContains(t, restored.Content, "employees")
	assert.Equal(t, entity.Version, restored.Metadata["rolled_back_from"])
	assert.Equal(t, 1, restored.Metadata["rolled_back_to"])

	history, err := engine.History(ctx, entity.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "Rolled back from version 2 to version 1", history[0].ChangeSummary)

	t.Run("rollback round-trip has empty diff", func(t *testing.T) {
		comparison, err := engine.Compare(ctx, entity.ID, 1, 3)
		require.NoError(t, err)
		assert.True(t, comparison.ContentDiff.Empty())
	})

	t.Run("current entity matches restored state", func(t *testing.T) {
		current, err := store.GetEntity(ctx, entity.ID)
		require.NoError(t, err)
		v1, err := engine.GetVersion(ctx, entity.ID, 1)
		require.NoError(t, err)
		assert.True(t, current.Content.Equal(v1.Content))
	})
}

func TestRollback_MissingVersion(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	entity := createEntity(t, store, core.Document{"a": 1})
	_, err := engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)

	_, err = engine.Rollback(ctx, entity.ID, 42)
	assert.True(t, core.IsNotFound(err))

	_, err = engine.Rollback(ctx, "no-such-entity", 1)
	assert.True(t, core.IsNotFound(err))
}

func TestCompare(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	entity := createEntity(t, store, core.Document{"a": 1, "b": 2})
	_, err := engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)

	entity.Content = core.Document{"a": 1, "b": 3, "c": 4}
	entity.Name = "Renamed"
	_, err = engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)

	comparison, err := engine.Compare(ctx, entity.ID, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, 1, comparison.Version1)
	assert.Equal(t, 2, comparison.Version2)
	assert.Contains(t, comparison.ContentDiff.Added, "c")
	assert.Contains(t, comparison.ContentDiff.Modified, "b")
	assert.Empty(t, comparison.ContentDiff.Removed)
	assert.Contains(t, comparison.MetadataChanges.Modified, "name")

	_, err = engine.Compare(ctx, entity.ID, 1, 99)
	assert.True(t, core.IsNotFound(err))
}

func TestLatestChanges(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	entity := createEntity(t, store, core.Document{"a": 1})
	_, err := engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)

	entity.Content = core.Document{"a": 2}
	_, err = engine.CreateVersion(ctx, entity, "", "")
	require.NoError(t, err)

	changes, err := engine.LatestChanges(ctx, entity.ID, 5)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, 2, changes[0].Version)
	require.NotNil(t, changes[0].Diff)
	assert.Contains(t, changes[0].Diff.Modified, "a")
	assert.Nil(t, changes[1].Diff)
}
