// Package versioning maintains the append-only version log for knowledge
// entities: history queries, rollback, and version comparison.
package versioning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sophia-intel/knowledge-service/internal/core"
	"github.com/sophia-intel/knowledge-service/internal/storage"
)

// Engine layers history and rollback on top of the store. Apart from
// Rollback, which loads and rewrites the entity row, it only reads and writes
// version rows; other entity writes go through the store in the caller's flow.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
}

// NewEngine creates a versioning engine on the given store.
func NewEngine(store storage.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// CreateVersion appends a snapshot of the entity to its version log. The
// version number is count+1; an empty changeSummary is auto-generated by
// diffing against the most recent version.
func (e *Engine) CreateVersion(ctx context.Context, entity *core.Entity, changedBy, changeSummary string) (*core.Version, error) {
	existing, err := e.store.ListVersions(ctx, entity.ID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	versionNumber := len(existing) + 1

	if changeSummary == "" {
		if len(existing) > 0 {
			changeSummary = generateChangeSummary(existing[0], entity)
		} else {
			changeSummary = "Initial version"
		}
	}
	if changedBy == "" {
		changedBy = "system"
	}

	version := &core.Version{
		VersionID:     uuid.New().String(),
		EntityID:      entity.ID,
		VersionNumber: versionNumber,
		Content:       entity.Content.Clone(),
		Metadata: map[string]any{
			"name":            entity.Name,
			"category":        entity.Category,
			"classification":  string(entity.Classification),
			"priority":        int(entity.Priority),
			"is_foundational": entity.IsFoundational,
		},
		ChangeSummary: changeSummary,
		ChangedBy:     changedBy,
		CreatedAt:     time.Now().UTC(),
	}

	if err := e.store.AppendVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("append version: %w", err)
	}

	e.logger.Info("Created version", "entity_id", entity.ID, "version", versionNumber)
	return version, nil
}

// History returns the complete version log, newest first.
func (e *Engine) History(ctx context.Context, entityID string) ([]*core.Version, error) {
	return e.store.ListVersions(ctx, entityID)
}

// GetVersion returns one version of an entity.
func (e *Engine) GetVersion(ctx context.Context, entityID string, versionNumber int) (*core.Version, error) {
	return e.store.GetVersion(ctx, entityID, versionNumber)
}

// Rollback restores an entity to the state captured in a past version. The
// restore itself is recorded as a new version, so history stays linear.
func (e *Engine) Rollback(ctx context.Context, entityID string, versionNumber int) (*core.Entity, error) {
	target, err := e.store.GetVersion(ctx, entityID, versionNumber)
	if err != nil {
		return nil, fmt.Errorf("load target version: %w", err)
	}

	current, err := e.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("load current entity: %w", err)
	}

	restored := current.Clone()
	restored.Name = metaString(target.Metadata, "name", current.Name)
	restored.Category = metaString(target.Metadata, "category", current.Category)
	restored.Classification = core.Classification(
		metaString(target.Metadata, "classification", string(current.Classification)))
	restored.Priority = metaPriority(target.Metadata, current.Priority)
	restored.Content = target.Content.Clone()
	restored.Normalize()

	if restored.Metadata == nil {
		restored.Metadata = map[string]any{}
	}
	restored.Metadata["rolled_back_from"] = current.Version
	restored.Metadata["rolled_back_to"] = versionNumber
	restored.Metadata["rollback_timestamp"] = time.Now().UTC().Format(time.RFC3339)
	restored.Version = current.Version + 1

	if err := e.store.UpdateEntity(ctx, restored); err != nil {
		return nil, fmt.Errorf("persist rollback: %w", err)
	}

	summary := fmt.Sprintf("Rolled back from version %d to version %d", current.Version, versionNumber)
	if _, err := e.CreateVersion(ctx, restored, "system", summary); err != nil {
		return nil, fmt.Errorf("record rollback version: %w", err)
	}

	e.logger.Info("Rolled back entity", "entity_id", entityID, "to_version", versionNumber)
	return restored, nil
}

// Comparison is the result of comparing two versions of an entity.
type Comparison struct {
	EntityID        string             `json:"entity_id"`
	Version1        int                `json:"version_1"`
	Version2        int                `json:"version_2"`
	Timestamp1      time.Time          `json:"timestamp_1"`
	Timestamp2      time.Time          `json:"timestamp_2"`
	ContentDiff     *core.DocumentDiff `json:"content_diff"`
	MetadataChanges *MetadataDiff      `json:"metadata_changes"`
}

// MetadataDiff describes metadata-snapshot changes between two versions.
type MetadataDiff struct {
	Added    map[string]any `json:"added"`
	Removed  map[string]any `json:"removed"`
	Modified map[string]any `json:"modified"`
}

// Compare loads both versions and diffs their content and metadata.
func (e *Engine) Compare(ctx context.Context, entityID string, v1, v2 int) (*Comparison, error) {
	version1, err := e.store.GetVersion(ctx, entityID, v1)
	if err != nil {
		return nil, fmt.Errorf("load version %d: %w", v1, err)
	}
	version2, err := e.store.GetVersion(ctx, entityID, v2)
	if err != nil {
		return nil, fmt.Errorf("load version %d: %w", v2, err)
	}

	return &Comparison{
		EntityID:        entityID,
		Version1:        v1,
		Version2:        v2,
		Timestamp1:      version1.CreatedAt,
		Timestamp2:      version2.CreatedAt,
		ContentDiff:     version1.Content.Diff(version2.Content),
		MetadataChanges: compareMetadata(version1.Metadata, version2.Metadata),
	}, nil
}

// Change summarizes one entry in an entity's recent history.
type Change struct {
	Version   int                `json:"version"`
	Timestamp time.Time          `json:"timestamp"`
	ChangedBy string             `json:"changed_by"`
	Summary   string             `json:"summary"`
	Diff      *core.DocumentDiff `json:"diff,omitempty"`
}

// LatestChanges returns up to limit recent changes with diffs against their
// predecessors.
func (e *Engine) LatestChanges(ctx context.Context, entityID string, limit int) ([]*Change, error) {
	versions, err := e.store.ListVersions(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var changes []*Change
	for i := 0; i < len(versions) && i < limit; i++ {
		current := versions[i]
		change := &Change{
			Version:   current.VersionNumber,
			Timestamp: current.CreatedAt,
			ChangedBy: current.ChangedBy,
			Summary:   current.ChangeSummary,
		}
		if i+1 < len(versions) {
			change.Diff = versions[i+1].Content.Diff(current.Content)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// generateChangeSummary builds a short description of what changed between
// the previous version and the new entity state.
func generateChangeSummary(previous *core.Version, entity *core.Entity) string {
	var changes []string

	diff := previous.Content.Diff(entity.Content)
	if n := len(diff.Added); n > 0 {
		changes = append(changes, fmt.Sprintf("Added %d field(s)", n))
	}
	if n := len(diff.Removed); n > 0 {
		changes = append(changes, fmt.Sprintf("Removed %d field(s)", n))
	}
	if n := len(diff.Modified); n > 0 {
		changes = append(changes, fmt.Sprintf("Modified %d field(s)", n))
	}

	if previous.Metadata != nil {
		oldClass := metaString(previous.Metadata, "classification", "")
		if oldClass != "" && oldClass != string(entity.Classification) {
			changes = append(changes, fmt.Sprintf("Classification: %s -> %s", oldClass, entity.Classification))
		}
		oldPriority := metaPriority(previous.Metadata, 0)
		if oldPriority != 0 && oldPriority != entity.Priority {
			changes = append(changes, fmt.Sprintf("Priority: %d -> %d", oldPriority, entity.Priority))
		}
	}

	if len(changes) == 0 {
		return "Content updated"
	}
	return joinSummary(changes)
}

func joinSummary(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}

func compareMetadata(meta1, meta2 map[string]any) *MetadataDiff {
	diff := &MetadataDiff{
		Added:    map[string]any{},
		Removed:  map[string]any{},
		Modified: map[string]any{},
	}
	for key, v2 := range meta2 {
		if v1, ok := meta1[key]; !ok {
			diff.Added[key] = v2
		} else if fmt.Sprint(v1) != fmt.Sprint(v2) {
			diff.Modified[key] = map[string]any{"old": v1, "new": v2}
		}
	}
	for key, v1 := range meta1 {
		if _, ok := meta2[key]; !ok {
			diff.Removed[key] = v1
		}
	}
	return diff
}

func metaString(meta map[string]any, key, fallback string) string {
	if meta == nil {
		return fallback
	}
	if s, ok := meta[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// metaPriority reads the priority snapshot, which deserializes as float64
// from JSON and as int when freshly built.
func metaPriority(meta map[string]any, fallback core.Priority) core.Priority {
	if meta == nil {
		return fallback
	}
	switch v := meta["priority"].(type) {
	case int:
		return core.Priority(v)
	case float64:
		return core.Priority(int(v))
	}
	return fallback
}
