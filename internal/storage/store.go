// Package storage provides durable persistence for knowledge entities,
// version logs, and sync records, with an embedded SQLite backend and a
// networked PostgreSQL backend behind the same contract.
package storage

import (
	"context"
	"time"

	"github.com/sophia-intel/knowledge-service/internal/core"
)

// ListFilter narrows ListEntities results. Nil fields are not applied.
type ListFilter struct {
	Classification *core.Classification
	Category       *string
	IsActive       *bool
}

// Store is the persistence contract shared by both backends.
type Store interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	// Entity operations
	CreateEntity(ctx context.Context, e *core.Entity) error
	GetEntity(ctx context.Context, id string) (*core.Entity, error)
	UpdateEntity(ctx context.Context, e *core.Entity) error
	DeleteEntity(ctx context.Context, id string) (bool, error)
	ListEntities(ctx context.Context, filter ListFilter, limit, offset int) ([]*core.Entity, error)
	SearchEntities(ctx context.Context, query string) ([]*core.Entity, error)
	CountEntities(ctx context.Context) (int, error)
	Statistics(ctx context.Context) (*core.Statistics, error)

	// Version operations
	AppendVersion(ctx context.Context, v *core.Version) error
	ListVersions(ctx context.Context, entityID string) ([]*core.Version, error)
	GetVersion(ctx context.Context, entityID string, versionNumber int) (*core.Version, error)

	// Sync operation records
	CreateSyncOperation(ctx context.Context, op *core.SyncOperation) error
	UpdateSyncOperation(ctx context.Context, op *core.SyncOperation) error
	ListSyncOperations(ctx context.Context, limit int) ([]*core.SyncOperation, error)
	DeleteSyncOperationsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Sync conflict records
	CreateSyncConflict(ctx context.Context, c *core.SyncConflict) error
	UpdateSyncConflict(ctx context.Context, c *core.SyncConflict) error

	// QueryStats reports the query observability counters.
	QueryStats() QueryStats
}

const searchResultLimit = 20
