package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntity_Normalize(t *testing.T) {
	tests := []struct {
		name               string
		classification     Classification
		priority           Priority
		wantFoundational   bool
		wantPriority       Priority
	}{
		{"foundational gets flag and priority floor", ClassificationFoundational, PriorityLow, true, PriorityHigh},
		{"strategic gets flag and priority floor", ClassificationStrategic, PriorityMedium, true, PriorityHigh},
		{"foundational keeps critical priority", ClassificationFoundational, PriorityCritical, true, PriorityCritical},
		{"operational keeps priority", ClassificationOperational, PriorityLow, false, PriorityLow},
		{"reference keeps priority", ClassificationReference, PriorityArchive, false, PriorityArchive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEntity("test", "general", Document{})
			e.Classification = tt.classification
			e.Priority = tt.priority
			e.Normalize()

			assert.Equal(t, tt.wantFoundational, e.IsFoundational)
			assert.Equal(t, tt.wantPriority, e.Priority)
		})
	}
}

func TestNewEntity_Defaults(t *testing.T) {
	e := NewEntity("Pay Ready Mission", "company_overview", Document{"mission": "platform"})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, ClassificationOperational, e.Classification)
	assert.Equal(t, PriorityMedium, e.Priority)
	assert.Equal(t, "manual", e.Source)
	assert.True(t, e.IsActive)
	assert.Equal(t, 1, e.Version)
	assert.False(t, e.UpdatedAt.Before(e.CreatedAt))
}

func TestEntity_Clone(t *testing.T) {
	sourceID := "rec123"
	now := time.Now().UTC()
	e := NewEntity("test", "general", Document{"key": "value"})
	e.SourceID = &sourceID
	e.SyncedAt = &now
	e.PayReadyContext = DefaultPayReadyContext()

	clone := e.Clone()
	clone.Content["key"] = "mutated"
	clone.Metadata["new"] = true
	*clone.SourceID = "other"

	assert.Equal(t, "value", e.Content["key"])
	assert.NotContains(t, e.Metadata, "new")
	assert.Equal(t, "rec123", *e.SourceID)
}

func TestSyncOperation_Lifecycle(t *testing.T) {
	op := NewSyncOperation(SyncFull, "airtable")
	assert.Equal(t, SyncInProgress, op.Status)
	assert.Nil(t, op.CompletedAt)

	op.Complete(42, 3)
	assert.Equal(t, SyncCompleted, op.Status)
	require.NotNil(t, op.CompletedAt)
	assert.Equal(t, 42, op.RecordsProcessed)
	assert.Equal(t, 3, op.ConflictsFound)

	failed := NewSyncOperation(SyncIncremental, "airtable")
	failed.Fail("remote returned 503")
	assert.Equal(t, SyncFailed, failed.Status)
	assert.Equal(t, "remote returned 503", failed.ErrorDetails["error"])
}

func TestSyncConflict_MarkResolved(t *testing.T) {
	local := NewEntity("local", "general", Document{})
	remote := NewEntity("remote", "general", Document{})
	remote.ID = local.ID

	conflict := NewSyncConflict("op-1", local, remote, ConflictContent)
	assert.Equal(t, ResolutionPending, conflict.ResolutionStatus)

	conflict.MarkResolved(ResolutionAutoResolved, "system")
	assert.Equal(t, ResolutionAutoResolved, conflict.ResolutionStatus)
	assert.Equal(t, "system", conflict.ResolvedBy)
	assert.NotNil(t, conflict.ResolvedAt)
}

func TestPriority_Ordering(t *testing.T) {
	assert.True(t, PriorityCritical > PriorityHigh)
	assert.True(t, PriorityHigh > PriorityMedium)
	assert.True(t, PriorityMedium > PriorityLow)
	assert.True(t, PriorityLow > PriorityArchive)
}

func TestClassification_Valid(t *testing.T) {
	assert.True(t, ClassificationFoundational.Valid())
	assert.False(t, Classification("bogus").Valid())
}
