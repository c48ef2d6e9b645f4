// Package knowledge provides the manager: the single operation-level facade
// over store, versioning, cache, and classification. The HTTP edge and the
// sync engine only ever talk to the manager, which keeps cache and version
// state consistent.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sophia-intel/knowledge-service/internal/cache"
	"github.com/sophia-intel/knowledge-service/internal/core"
	"github.com/sophia-intel/knowledge-service/internal/knowledge/classify"
	"github.com/sophia-intel/knowledge-service/internal/knowledge/versioning"
	"github.com/sophia-intel/knowledge-service/internal/storage"
)

const cacheKeyPrefix = "fk:"

// ResolutionStrategy selects how sync conflicts are resolved.
type ResolutionStrategy string

const (
	StrategyRemoteWins ResolutionStrategy = "remote_wins"
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyAuto       ResolutionStrategy = "auto"
)

// Manager orchestrates the knowledge subsystems behind one API.
type Manager struct {
	store      storage.Store
	versioning *versioning.Engine
	classifier *classify.Engine
	cache      cache.Cache
	logger     *slog.Logger
	payReady   *core.PayReadyContext

	// Writes to a single entity are serialized; the single-writer model
	// makes one process-wide mutex sufficient.
	writeMu sync.Mutex
}

// NewManager wires the manager from its collaborators.
func NewManager(store storage.Store, versioner *versioning.Engine, classifier *classify.Engine, c cache.Cache, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		versioning: versioner,
		classifier: classifier,
		cache:      c,
		logger:     logger,
		payReady:   core.DefaultPayReadyContext(),
	}
}

// Create stores a new entity with automatic classification, the initial
// version row, and cache population for foundational entries.
func (m *Manager) Create(ctx context.Context, entity *core.Entity, changedBy string) (*core.Entity, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	// Operational is the default tier, so an unset or operational
	// classification triggers auto-classification.
	if entity.Classification == "" || entity.Classification == core.ClassificationOperational {
		entity.Classification = m.classifier.ClassifyTier(entity)
	}
	entity.Normalize()

	if entity.IsFoundational && entity.PayReadyContext == nil {
		entity.PayReadyContext = m.payReady
	}

	if err := m.store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}
	if _, err := m.versioning.CreateVersion(ctx, entity, changedBy, "Initial version"); err != nil {
		return nil, err
	}

	if entity.IsFoundational {
		m.cacheEntity(ctx, entity)
	}

	m.logger.Info("Created knowledge entity",
		"entity_id", entity.ID, "classification", entity.Classification)
	return entity, nil
}

// Get loads an entity, consulting the cache first. Foundational entities
// found in the store are cached on the way out.
func (m *Manager) Get(ctx context.Context, id string) (*core.Entity, error) {
	var cached core.Entity
	if err := m.cache.Get(ctx, cacheKeyPrefix+id, &cached); err == nil {
		return &cached, nil
	} else if !cache.IsMiss(err) {
		m.logger.Warn("Cache read failed", "entity_id", id, "error", err)
	}

	entity, err := m.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if entity.IsFoundational {
		m.cacheEntity(ctx, entity)
	}
	return entity, nil
}

// Update persists the entity, recording a new version when the content
// changed. The cache is refreshed for foundational entities and invalidated
// otherwise.
func (m *Manager) Update(ctx context.Context, entity *core.Entity, changedBy string) (*core.Entity, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current, err := m.store.GetEntity(ctx, entity.ID)
	if err != nil {
		return nil, err
	}

	entity.Normalize()
	entity.Version = current.Version

	if !current.Content.Equal(entity.Content) {
		entity.Version = current.Version + 1
		if _, err := m.versioning.CreateVersion(ctx, entity, changedBy, ""); err != nil {
			return nil, err
		}
	}

	if err := m.store.UpdateEntity(ctx, entity); err != nil {
		return nil, err
	}

	if entity.IsFoundational {
		m.cacheEntity(ctx, entity)
	} else {
		m.invalidate(ctx, entity.ID)
	}

	m.logger.Info("Updated knowledge entity", "entity_id", entity.ID, "version", entity.Version)
	return entity, nil
}

// Delete removes the entity and its cache entry. It reports whether a row
// was actually removed.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.invalidate(ctx, id)
	deleted, err := m.store.DeleteEntity(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		m.logger.Info("Deleted knowledge entity", "entity_id", id)
	}
	return deleted, nil
}

// List returns entities matching the filter.
func (m *Manager) List(ctx context.Context, filter storage.ListFilter, limit, offset int) ([]*core.Entity, error) {
	return m.store.ListEntities(ctx, filter, limit, offset)
}

// ListFoundational returns active foundational entities.
func (m *Manager) ListFoundational(ctx context.Context, limit int) ([]*core.Entity, error) {
	classification := core.ClassificationFoundational
	active := true
	return m.store.ListEntities(ctx, storage.ListFilter{
		Classification: &classification,
		IsActive:       &active,
	}, limit, 0)
}

// GetByCategory returns all entities in a category.
func (m *Manager) GetByCategory(ctx context.Context, category string) ([]*core.Entity, error) {
	return m.store.ListEntities(ctx, storage.ListFilter{Category: &category}, 0, 0)
}

// Search runs a substring search; unless includeOperational is set, results
// are narrowed to foundational and strategic tiers.
func (m *Manager) Search(ctx context.Context, query string, includeOperational bool) ([]*core.Entity, error) {
	results, err := m.store.SearchEntities(ctx, query)
	if err != nil {
		return nil, err
	}
	if includeOperational {
		return results, nil
	}
	filtered := results[:0]
	for _, e := range results {
		if e.Classification == core.ClassificationFoundational ||
			e.Classification == core.ClassificationStrategic {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// PayReadyContextView is the aggregated business context response.
type PayReadyContextView struct {
	Company      string                      `json:"company"`
	Mission      string                      `json:"mission"`
	Metrics      map[string]any              `json:"metrics"`
	Foundational map[string][]map[string]any `json:"foundational_knowledge"`
}

// GetPayReadyContext returns the business context with foundational entities
// grouped by category.
func (m *Manager) GetPayReadyContext(ctx context.Context) (*PayReadyContextView, error) {
	foundational, err := m.ListFoundational(ctx, 100)
	if err != nil {
		return nil, err
	}

	view := &PayReadyContextView{
		Company:      m.payReady.Company,
		Mission:      m.payReady.Mission,
		Metrics:      m.payReady.Metrics,
		Foundational: map[string][]map[string]any{},
	}
	for _, e := range foundational {
		view.Foundational[e.Category] = append(view.Foundational[e.Category], map[string]any{
			"name":         e.Name,
			"priority":     int(e.Priority),
			"content":      e.Content,
			"last_updated": e.UpdatedAt.Format(time.RFC3339),
		})
	}
	return view, nil
}

// VersionHistory returns the version log, newest first.
func (m *Manager) VersionHistory(ctx context.Context, id string) ([]*core.Version, error) {
	return m.versioning.History(ctx, id)
}

// Rollback restores the entity to a past version and refreshes the cache.
func (m *Manager) Rollback(ctx context.Context, id string, versionNumber int) (*core.Entity, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	entity, err := m.versioning.Rollback(ctx, id, versionNumber)
	if err != nil {
		return nil, err
	}
	if entity.IsFoundational {
		m.cacheEntity(ctx, entity)
	} else {
		m.invalidate(ctx, id)
	}
	return entity, nil
}

// CompareVersions diffs two versions of an entity.
func (m *Manager) CompareVersions(ctx context.Context, id string, v1, v2 int) (*versioning.Comparison, error) {
	return m.versioning.Compare(ctx, id, v1, v2)
}

// RefreshCache re-caches every foundational entity; used at startup and
// after scheduler resumption.
func (m *Manager) RefreshCache(ctx context.Context) error {
	foundational, err := m.ListFoundational(ctx, 0)
	if err != nil {
		return err
	}
	for _, e := range foundational {
		m.cacheEntity(ctx, e)
	}
	m.logger.Info("Refreshed foundational cache", "entries", len(foundational))
	return nil
}

// Statistics returns knowledge base aggregates.
func (m *Manager) Statistics(ctx context.Context) (*core.Statistics, error) {
	return m.store.Statistics(ctx)
}

// CountEntities returns the total entity count; the scheduler uses it to
// pick the initial sync kind.
func (m *Manager) CountEntities(ctx context.Context) (int, error) {
	return m.store.CountEntities(ctx)
}

// HandleSyncConflict resolves the conflict with the given strategy, persists
// the winning snapshot, and finalizes the conflict record. The conflict row
// always leaves the pending state.
func (m *Manager) HandleSyncConflict(ctx context.Context, conflict *core.SyncConflict, strategy ResolutionStrategy) (*core.Entity, error) {
	local := conflict.LocalSnapshot
	remote := conflict.RemoteSnapshot

	if strategy == StrategyAuto {
		switch {
		case local.IsFoundational && !remote.IsFoundational:
			// Foundational knowledge is domain truth; remote must not
			// silently overwrite it.
			strategy = StrategyLocalWins
		case remote.IsFoundational && !local.IsFoundational:
			strategy = StrategyRemoteWins
		default:
			strategy = StrategyMerge
		}
	}

	var resolved *core.Entity
	switch strategy {
	case StrategyRemoteWins:
		resolved = remote.Clone()
	case StrategyLocalWins:
		resolved = local.Clone()
	case StrategyMerge:
		// Shallow merge with remote precedence: every top-level field is
		// present in both snapshots, so remote wins field-wise, and the
		// merge is flagged in metadata.
		resolved = remote.Clone()
		if resolved.Metadata == nil {
			resolved.Metadata = map[string]any{}
		}
		resolved.Metadata["conflict_merged"] = true
	default:
		return nil, fmt.Errorf("unknown resolution strategy: %s", strategy)
	}

	conflict.MarkResolved(core.ResolutionAutoResolved, "system")
	if err := m.store.UpdateSyncConflict(ctx, conflict); err != nil {
		m.logger.Warn("Failed to persist conflict resolution", "conflict_id", conflict.ID, "error", err)
	}

	updated, err := m.Update(ctx, resolved, "sync")
	if err != nil {
		return nil, err
	}

	m.logger.Info("Resolved sync conflict",
		"conflict_id", conflict.ID, "entity_id", conflict.EntityID, "strategy", strategy)
	return updated, nil
}

// cacheEntity writes the entity through to the cache; failures are logged
// and ignored because the cache is a strict optimization.
func (m *Manager) cacheEntity(ctx context.Context, entity *core.Entity) {
	if err := m.cache.Set(ctx, cacheKeyPrefix+entity.ID, entity, cache.DefaultTTL); err != nil {
		m.logger.Warn("Cache write failed", "entity_id", entity.ID, "error", err)
	}
}

func (m *Manager) invalidate(ctx context.Context, id string) {
	if err := m.cache.Delete(ctx, cacheKeyPrefix+id); err != nil {
		m.logger.Warn("Cache invalidation failed", "entity_id", id, "error", err)
	}
}
