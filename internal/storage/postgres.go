package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sophia-intel/knowledge-service/internal/core"
)

// PostgresConfig holds networked-backend connection settings.
type PostgresConfig struct {
	DSN             string
	MinConns        int32
	MaxConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns the default pool settings.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MinConns:        2,
		MaxConns:        20,
		MaxConnLifetime: time.Hour,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore is the networked backend on a pgx connection pool. Writer
// serialization is delegated to server-side locking; transient failures are
// retried with exponential backoff.
type PostgresStore struct {
	config  PostgresConfig
	pool    *pgxpool.Pool
	logger  *slog.Logger
	retry   *retryExecutor
	metrics *queryMetrics
}

// NewPostgresStore creates a networked store for the given configuration.
func NewPostgresStore(config PostgresConfig, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		config:  config,
		logger:  logger,
		retry:   newRetryExecutor(logger),
		metrics: newQueryMetrics(),
	}
}

// Connect establishes the connection pool and verifies connectivity.
func (s *PostgresStore) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(s.config.DSN)
	if err != nil {
		return fmt.Errorf("parse postgres DSN: %w", err)
	}

	poolConfig.MinConns = s.config.MinConns
	poolConfig.MaxConns = s.config.MaxConns
	poolConfig.MaxConnLifetime = s.config.MaxConnLifetime
	poolConfig.ConnConfig.ConnectTimeout = s.config.ConnectTimeout
	// Connections are health-checked before reuse and recycled after the
	// lifetime above.
	poolConfig.HealthCheckPeriod = time.Minute

	s.logger.Info("Connecting to PostgreSQL",
		"min_conns", poolConfig.MinConns,
		"max_conns", poolConfig.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}

	s.pool = pool
	return nil
}

// Close drains and closes the connection pool.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("not connected")
	}
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema migrations through a database/sql
// connection, which goose requires.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db, err := sql.Open("pgx", stdlib.RegisterConnConfig(mustParseConnConfig(s.config.DSN)))
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	return runMigrations(ctx, db, goose.DialectPostgres)
}

func mustParseConnConfig(dsn string) *pgx.ConnConfig {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		// DSN already validated by Connect; fall back to a config that will
		// fail loudly on use.
		cfg, _ = pgx.ParseConfig("")
	}
	return cfg
}

// QueryStats reports the query observability counters.
func (s *PostgresStore) QueryStats() QueryStats {
	return s.metrics.snapshot()
}

func (s *PostgresStore) exec(ctx context.Context, name, query string, args ...any) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("not connected")
	}
	var affected int64
	err := s.retry.execute(ctx, name, func() error {
		start := time.Now()
		tag, err := s.pool.Exec(ctx, query, args...)
		s.metrics.observe(query, time.Since(start))
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

func (s *PostgresStore) queryRows(ctx context.Context, name, query string, scanAll func(pgx.Rows) error, args ...any) error {
	if s.pool == nil {
		return fmt.Errorf("not connected")
	}
	return s.retry.execute(ctx, name, func() error {
		start := time.Now()
		rows, err := s.pool.Query(ctx, query, args...)
		s.metrics.observe(query, time.Since(start))
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanAll(rows)
	})
}

const pgEntityColumns = `id, name, category, classification, priority, content,
	pay_ready_context, metadata, source, source_id, is_active, is_foundational,
	version, created_at, updated_at, synced_at`

// CreateEntity inserts a new entity row.
func (s *PostgresStore) CreateEntity(ctx context.Context, e *core.Entity) error {
	js, err := marshalEntityJSON(e)
	if err != nil {
		return err
	}

	query := `INSERT INTO foundational_knowledge (` + pgEntityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = s.exec(ctx, "create_entity", query,
		e.ID, e.Name, e.Category, string(e.Classification), int(e.Priority),
		js.content, js.context, js.metadata, e.Source, e.SourceID,
		e.IsActive, e.IsFoundational, e.Version,
		e.CreatedAt, e.UpdatedAt, e.SyncedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("entity %s: %w", e.ID, core.ErrAlreadyExists)
		}
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// GetEntity loads one entity by id.
func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*core.Entity, error) {
	var entity *core.Entity
	err := s.queryRows(ctx, "get_entity",
		`SELECT `+pgEntityColumns+` FROM foundational_knowledge WHERE id = $1`,
		func(rows pgx.Rows) error {
			if !rows.Next() {
				if err := rows.Err(); err != nil {
					return err
				}
				return fmt.Errorf("entity %s: %w", id, core.ErrNotFound)
			}
			e, err := scanPgEntity(rows)
			if err != nil {
				return err
			}
			entity = e
			return nil
		}, id)
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// UpdateEntity writes the full row keyed by id; updated_at is set by the
// server clock.
func (s *PostgresStore) UpdateEntity(ctx context.Context, e *core.Entity) error {
	e.UpdatedAt = time.Now().UTC()

	js, err := marshalEntityJSON(e)
	if err != nil {
		return err
	}

	query := `UPDATE foundational_knowledge SET
			name = $1, category = $2, classification = $3, priority = $4,
			content = $5, pay_ready_context = $6, metadata = $7, source = $8,
			source_id = $9, is_active = $10, is_foundational = $11,
			version = $12, updated_at = NOW(), synced_at = $13
		WHERE id = $14`

	affected, err := s.exec(ctx, "update_entity", query,
		e.Name, e.Category, string(e.Classification), int(e.Priority),
		js.content, js.context, js.metadata, e.Source, e.SourceID,
		e.IsActive, e.IsFoundational, e.Version, e.SyncedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entity %s: %w", e.ID, core.ErrNotFound)
	}
	return nil
}

// DeleteEntity removes the entity row; version rows cascade.
func (s *PostgresStore) DeleteEntity(ctx context.Context, id string) (bool, error) {
	affected, err := s.exec(ctx, "delete_entity",
		`DELETE FROM foundational_knowledge WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	return affected > 0, nil
}

// ListEntities returns entities matching the filter, ordered by priority then
// recency.
func (s *PostgresStore) ListEntities(ctx context.Context, filter ListFilter, limit, offset int) ([]*core.Entity, error) {
	where := "WHERE TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Classification != nil {
		where += " AND classification = " + arg(string(*filter.Classification))
	}
	if filter.Category != nil {
		where += " AND category = " + arg(*filter.Category)
	}
	if filter.IsActive != nil {
		where += " AND is_active = " + arg(*filter.IsActive)
	}

	query := `SELECT ` + pgEntityColumns + ` FROM foundational_knowledge ` + where +
		` ORDER BY priority DESC, updated_at DESC`
	if limit > 0 {
		query += " LIMIT " + arg(limit)
	}
	if offset > 0 {
		query += " OFFSET " + arg(offset)
	}

	var entities []*core.Entity
	err := s.queryRows(ctx, "list_entities", query, func(rows pgx.Rows) error {
		for rows.Next() {
			e, err := scanPgEntity(rows)
			if err != nil {
				return err
			}
			entities = append(entities, e)
		}
		return rows.Err()
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return entities, nil
}

// SearchEntities does a case-insensitive substring match against name and
// serialized content over active rows.
func (s *PostgresStore) SearchEntities(ctx context.Context, queryText string) ([]*core.Entity, error) {
	term := "%" + strings.ToLower(queryText) + "%"
	query := `SELECT ` + pgEntityColumns + ` FROM foundational_knowledge
		WHERE (LOWER(name) LIKE $1 OR LOWER(content::text) LIKE $1) AND is_active
		ORDER BY priority DESC
		LIMIT $2`

	var entities []*core.Entity
	err := s.queryRows(ctx, "search_entities", query, func(rows pgx.Rows) error {
		for rows.Next() {
			e, err := scanPgEntity(rows)
			if err != nil {
				return err
			}
			entities = append(entities, e)
		}
		return rows.Err()
	}, term, searchResultLimit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	return entities, nil
}

// CountEntities returns the total entity count.
func (s *PostgresStore) CountEntities(ctx context.Context) (int, error) {
	var count int
	err := s.queryRows(ctx, "count_entities",
		`SELECT COUNT(*) FROM foundational_knowledge`,
		func(rows pgx.Rows) error {
			if !rows.Next() {
				return rows.Err()
			}
			return rows.Scan(&count)
		})
	if err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return count, nil
}

// Statistics aggregates counts by classification, priority, and category.
func (s *PostgresStore) Statistics(ctx context.Context) (*core.Statistics, error) {
	stats := &core.Statistics{
		ByClassification: map[string]int{},
		ByPriority:       map[string]int{},
		ByCategory:       map[string]int{},
	}

	err := s.queryRows(ctx, "statistics_totals",
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_foundational) FROM foundational_knowledge`,
		func(rows pgx.Rows) error {
			if !rows.Next() {
				return rows.Err()
			}
			return rows.Scan(&stats.TotalEntries, &stats.FoundationalNum)
		})
	if err != nil {
		return nil, fmt.Errorf("statistics totals: %w", err)
	}
	stats.OperationalNum = stats.TotalEntries - stats.FoundationalNum

	groups := []struct {
		query string
		into  map[string]int
	}{
		{`SELECT classification, COUNT(*) FROM foundational_knowledge GROUP BY classification`, stats.ByClassification},
		{`SELECT priority::text, COUNT(*) FROM foundational_knowledge GROUP BY priority`, stats.ByPriority},
		{`SELECT category, COUNT(*) FROM foundational_knowledge GROUP BY category`, stats.ByCategory},
	}
	for _, g := range groups {
		into := g.into
		err := s.queryRows(ctx, "statistics_group", g.query, func(rows pgx.Rows) error {
			for rows.Next() {
				var key string
				var count int
				if err := rows.Scan(&key, &count); err != nil {
					return err
				}
				into[key] = count
			}
			return rows.Err()
		})
		if err != nil {
			return nil, fmt.Errorf("statistics group: %w", err)
		}
	}
	return stats, nil
}

// AppendVersion inserts a version row.
func (s *PostgresStore) AppendVersion(ctx context.Context, v *core.Version) error {
	content, err := v.Content.Encode()
	if err != nil {
		return fmt.Errorf("marshal version content: %w", err)
	}
	metadata, err := marshalNullableMap(v.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO knowledge_versions
		(version_id, knowledge_id, version_number, content, metadata, change_summary, changed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.exec(ctx, "append_version", query,
		v.VersionID, v.EntityID, v.VersionNumber, string(content), metadata,
		v.ChangeSummary, v.ChangedBy, v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("version %d for entity %s: %w", v.VersionNumber, v.EntityID, core.ErrAlreadyExists)
		}
		return fmt.Errorf("append version: %w", err)
	}
	return nil
}

// ListVersions returns the version log newest first.
func (s *PostgresStore) ListVersions(ctx context.Context, entityID string) ([]*core.Version, error) {
	query := `SELECT version_id, knowledge_id, version_number, content, metadata,
			change_summary, changed_by, created_at
		FROM knowledge_versions WHERE knowledge_id = $1
		ORDER BY version_number DESC`

	var versions []*core.Version
	err := s.queryRows(ctx, "list_versions", query, func(rows pgx.Rows) error {
		for rows.Next() {
			v, err := scanPgVersion(rows)
			if err != nil {
				return err
			}
			versions = append(versions, v)
		}
		return rows.Err()
	}, entityID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// GetVersion loads one version by entity id and number.
func (s *PostgresStore) GetVersion(ctx context.Context, entityID string, versionNumber int) (*core.Version, error) {
	var version *core.Version
	err := s.queryRows(ctx, "get_version",
		`SELECT version_id, knowledge_id, version_number, content, metadata,
			change_summary, changed_by, created_at
		FROM knowledge_versions WHERE knowledge_id = $1 AND version_number = $2`,
		func(rows pgx.Rows) error {
			if !rows.Next() {
				if err := rows.Err(); err != nil {
					return err
				}
				return fmt.Errorf("version %d for entity %s: %w", versionNumber, entityID, core.ErrNotFound)
			}
			v, err := scanPgVersion(rows)
			if err != nil {
				return err
			}
			version = v
			return nil
		}, entityID, versionNumber)
	if err != nil {
		return nil, err
	}
	return version, nil
}

// CreateSyncOperation inserts a sync operation record.
func (s *PostgresStore) CreateSyncOperation(ctx context.Context, op *core.SyncOperation) error {
	details, err := marshalNullableMap(op.ErrorDetails)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, "create_sync_operation", `INSERT INTO sync_operations
		(id, operation_type, source, status, started_at, completed_at,
		 records_processed, conflicts_detected, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.ID, string(op.Kind), op.Source, string(op.Status),
		op.StartedAt, op.CompletedAt, op.RecordsProcessed, op.ConflictsFound, details,
	)
	if err != nil {
		return fmt.Errorf("create sync operation: %w", err)
	}
	return nil
}

// UpdateSyncOperation writes back the operation's final state.
func (s *PostgresStore) UpdateSyncOperation(ctx context.Context, op *core.SyncOperation) error {
	details, err := marshalNullableMap(op.ErrorDetails)
	if err != nil {
		return err
	}

	affected, err := s.exec(ctx, "update_sync_operation", `UPDATE sync_operations SET
			status = $1, completed_at = $2, records_processed = $3,
			conflicts_detected = $4, error_details = $5
		WHERE id = $6`,
		string(op.Status), op.CompletedAt, op.RecordsProcessed,
		op.ConflictsFound, details, op.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync operation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sync operation %s: %w", op.ID, core.ErrNotFound)
	}
	return nil
}

// ListSyncOperations returns sync operations newest first.
func (s *PostgresStore) ListSyncOperations(ctx context.Context, limit int) ([]*core.SyncOperation, error) {
	query := `SELECT id, operation_type, source, status, started_at, completed_at,
			records_processed, conflicts_detected, error_details
		FROM sync_operations ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	var ops []*core.SyncOperation
	err := s.queryRows(ctx, "list_sync_operations", query, func(rows pgx.Rows) error {
		for rows.Next() {
			op := &core.SyncOperation{}
			var kind, status string
			var details *string
			if err := rows.Scan(&op.ID, &kind, &op.Source, &status, &op.StartedAt,
				&op.CompletedAt, &op.RecordsProcessed, &op.ConflictsFound, &details); err != nil {
				return err
			}
			op.Kind = core.SyncKind(kind)
			op.Status = core.SyncStatus(status)
			if details != nil && *details != "" {
				if err := json.Unmarshal([]byte(*details), &op.ErrorDetails); err != nil {
					return fmt.Errorf("unmarshal error details: %w", err)
				}
			}
			ops = append(ops, op)
		}
		return rows.Err()
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync operations: %w", err)
	}
	return ops, nil
}

// DeleteSyncOperationsBefore drops sync records older than the cutoff.
func (s *PostgresStore) DeleteSyncOperationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	affected, err := s.exec(ctx, "delete_sync_operations",
		`DELETE FROM sync_operations WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete sync operations: %w", err)
	}
	return int(affected), nil
}

// CreateSyncConflict inserts a conflict record.
func (s *PostgresStore) CreateSyncConflict(ctx context.Context, c *core.SyncConflict) error {
	local, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("marshal local snapshot: %w", err)
	}
	remote, err := json.Marshal(c.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("marshal remote snapshot: %w", err)
	}

	_, err = s.exec(ctx, "create_sync_conflict", `INSERT INTO sync_conflicts
		(id, knowledge_id, sync_operation_id, local_snapshot, remote_snapshot,
		 conflict_type, resolution_status, resolved_by, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.EntityID, c.SyncOperationID, string(local), string(remote),
		string(c.ConflictType), string(c.ResolutionStatus), c.ResolvedBy,
		c.ResolvedAt, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create sync conflict: %w", err)
	}
	return nil
}

// UpdateSyncConflict writes back the conflict's resolution state.
func (s *PostgresStore) UpdateSyncConflict(ctx context.Context, c *core.SyncConflict) error {
	affected, err := s.exec(ctx, "update_sync_conflict", `UPDATE sync_conflicts SET
			resolution_status = $1, resolved_by = $2, resolved_at = $3
		WHERE id = $4`,
		string(c.ResolutionStatus), c.ResolvedBy, c.ResolvedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync conflict: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sync conflict %s: %w", c.ID, core.ErrNotFound)
	}
	return nil
}

func scanPgEntity(rows pgx.Rows) (*core.Entity, error) {
	e := &core.Entity{}
	var classification string
	var priority int
	var content string
	var context, metadata *string

	err := rows.Scan(&e.ID, &e.Name, &e.Category, &classification, &priority,
		&content, &context, &metadata, &e.Source, &e.SourceID,
		&e.IsActive, &e.IsFoundational, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &e.SyncedAt)
	if err != nil {
		return nil, err
	}

	e.Classification = core.Classification(classification)
	e.Priority = core.Priority(priority)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.SyncedAt != nil {
		t := e.SyncedAt.UTC()
		e.SyncedAt = &t
	}

	if err := unmarshalEntityJSON(e, content, context, metadata); err != nil {
		return nil, err
	}
	return e, nil
}

func scanPgVersion(rows pgx.Rows) (*core.Version, error) {
	v := &core.Version{}
	var content string
	var metadata, summary, changedBy *string

	err := rows.Scan(&v.VersionID, &v.EntityID, &v.VersionNumber, &content,
		&metadata, &summary, &changedBy, &v.CreatedAt)
	if err != nil {
		return nil, err
	}

	doc, err := core.ParseDocument([]byte(content))
	if err != nil {
		return nil, err
	}
	v.Content = doc
	if metadata != nil && *metadata != "" {
		if err := json.Unmarshal([]byte(*metadata), &v.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal version metadata: %w", err)
		}
	}
	if summary != nil {
		v.ChangeSummary = *summary
	}
	if changedBy != nil {
		v.ChangedBy = *changedBy
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}
