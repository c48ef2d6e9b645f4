package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/sophia-intel/knowledge-service/internal/core"
)

// SQLiteStore is the embedded single-file backend. A process-wide mutex
// serializes every operation; SQLite itself provides durability.
type SQLiteStore struct {
	path    string
	db      *sql.DB
	mu      sync.Mutex
	logger  *slog.Logger
	metrics *queryMetrics
}

// NewSQLiteStore creates an embedded store backed by the given file path.
// Path ":memory:" keeps everything in memory, which tests rely on.
func NewSQLiteStore(path string, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{
		path:    path,
		logger:  logger,
		metrics: newQueryMetrics(),
	}
}

// Connect opens the database file, enabling WAL mode and foreign keys.
func (s *SQLiteStore) Connect(ctx context.Context) error {
	path := s.path
	if path == "" {
		path = ":memory:"
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	s.logger.Info("Connecting to SQLite", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open SQLite database: %w", err)
	}

	// A single connection keeps the in-memory database stable and matches
	// the single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		s.logger.Warn("Failed to enable WAL mode", "error", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping SQLite database: %w", err)
	}

	s.db = db
	return nil
}

// Close shuts the database connection down.
func (s *SQLiteStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close SQLite database: %w", err)
	}
	s.db = nil
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("not connected")
	}
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("not connected")
	}
	return runMigrations(ctx, s.db, goose.DialectSQLite3)
}

// QueryStats reports the query observability counters.
func (s *SQLiteStore) QueryStats() QueryStats {
	return s.metrics.snapshot()
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.db == nil {
		return nil, fmt.Errorf("not connected")
	}
	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	s.metrics.observe(query, time.Since(start))
	return res, err
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.db == nil {
		return nil, fmt.Errorf("not connected")
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.observe(query, time.Since(start))
	return rows, err
}

func (s *SQLiteStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, query, args...)
	s.metrics.observe(query, time.Since(start))
	return row
}

const entityColumns = `id, name, category, classification, priority, content,
	pay_ready_context, metadata, source, source_id, is_active, is_foundational,
	version, created_at, updated_at, synced_at`

// CreateEntity inserts a new entity row.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *core.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, err := marshalEntityJSON(e)
	if err != nil {
		return err
	}

	query := `INSERT INTO foundational_knowledge (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.exec(ctx, query,
		e.ID, e.Name, e.Category, string(e.Classification), int(e.Priority),
		js.content, js.context, js.metadata, e.Source, e.SourceID,
		boolToInt(e.IsActive), boolToInt(e.IsFoundational), e.Version,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt), formatTimePtr(e.SyncedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("entity %s: %w", e.ID, core.ErrAlreadyExists)
		}
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// GetEntity loads one entity by id.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*core.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, fmt.Errorf("not connected")
	}

	row := s.queryRow(ctx, `SELECT `+entityColumns+` FROM foundational_knowledge WHERE id = ?`, id)
	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return entity, nil
}

// UpdateEntity writes the full row keyed by id, stamping updated_at.
func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *core.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.UpdatedAt = time.Now().UTC()

	js, err := marshalEntityJSON(e)
	if err != nil {
		return err
	}

	query := `UPDATE foundational_knowledge SET
			name = ?, category = ?, classification = ?, priority = ?,
			content = ?, pay_ready_context = ?, metadata = ?, source = ?,
			source_id = ?, is_active = ?, is_foundational = ?, version = ?,
			updated_at = ?, synced_at = ?
		WHERE id = ?`

	res, err := s.exec(ctx, query,
		e.Name, e.Category, string(e.Classification), int(e.Priority),
		js.content, js.context, js.metadata, e.Source, e.SourceID,
		boolToInt(e.IsActive), boolToInt(e.IsFoundational), e.Version,
		formatTime(e.UpdatedAt), formatTimePtr(e.SyncedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entity %s: %w", e.ID, core.ErrNotFound)
	}
	return nil
}

// DeleteEntity removes the entity row; version rows cascade.
func (s *SQLiteStore) DeleteEntity(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `DELETE FROM foundational_knowledge WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entity rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListEntities returns entities matching the filter, ordered by priority then
// recency.
func (s *SQLiteStore) ListEntities(ctx context.Context, filter ListFilter, limit, offset int) ([]*core.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where := "WHERE 1=1"
	args := []any{}

	if filter.Classification != nil {
		where += " AND classification = ?"
		args = append(args, string(*filter.Classification))
	}
	if filter.Category != nil {
		where += " AND category = ?"
		args = append(args, *filter.Category)
	}
	if filter.IsActive != nil {
		where += " AND is_active = ?"
		args = append(args, boolToInt(*filter.IsActive))
	}

	query := `SELECT ` + entityColumns + ` FROM foundational_knowledge ` + where +
		` ORDER BY priority DESC, updated_at DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// SearchEntities does a case-insensitive substring match against name and
// serialized content over active rows.
func (s *SQLiteStore) SearchEntities(ctx context.Context, queryText string) ([]*core.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	term := "%" + strings.ToLower(queryText) + "%"
	query := `SELECT ` + entityColumns + ` FROM foundational_knowledge
		WHERE (LOWER(name) LIKE ? OR LOWER(content) LIKE ?) AND is_active = 1
		ORDER BY priority DESC
		LIMIT ?`

	rows, err := s.query(ctx, query, term, term, searchResultLimit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	return scanEntities(rows)
}

// CountEntities returns the total entity count.
func (s *SQLiteStore) CountEntities(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, fmt.Errorf("not connected")
	}

	var count int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM foundational_knowledge`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return count, nil
}

// Statistics aggregates counts by classification, priority, and category.
func (s *SQLiteStore) Statistics(ctx context.Context) (*core.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, fmt.Errorf("not connected")
	}

	stats := &core.Statistics{
		ByClassification: map[string]int{},
		ByPriority:       map[string]int{},
		ByCategory:       map[string]int{},
	}

	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM foundational_knowledge`).Scan(&stats.TotalEntries); err != nil {
		return nil, fmt.Errorf("statistics total: %w", err)
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM foundational_knowledge WHERE is_foundational = 1`).Scan(&stats.FoundationalNum); err != nil {
		return nil, fmt.Errorf("statistics foundational: %w", err)
	}
	stats.OperationalNum = stats.TotalEntries - stats.FoundationalNum

	type grouped struct {
		query string
		into  map[string]int
	}
	groups := []grouped{
		{`SELECT classification, COUNT(*) FROM foundational_knowledge GROUP BY classification`, stats.ByClassification},
		{`SELECT CAST(priority AS TEXT), COUNT(*) FROM foundational_knowledge GROUP BY priority`, stats.ByPriority},
		{`SELECT category, COUNT(*) FROM foundational_knowledge GROUP BY category`, stats.ByCategory},
	}
	for _, g := range groups {
		rows, err := s.query(ctx, g.query)
		if err != nil {
			return nil, fmt.Errorf("statistics group: %w", err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("statistics scan: %w", err)
			}
			g.into[key] = count
		}
		rows.Close()
	}

	return stats, nil
}

// AppendVersion inserts a version row.
func (s *SQLiteStore) AppendVersion(ctx context.Context, v *core.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := v.Content.Encode()
	if err != nil {
		return fmt.Errorf("marshal version content: %w", err)
	}
	var metadata *string
	if v.Metadata != nil {
		data, err := json.Marshal(v.Metadata)
		if err != nil {
			return fmt.Errorf("marshal version metadata: %w", err)
		}
		str := string(data)
		metadata = &str
	}

	query := `INSERT INTO knowledge_versions
		(version_id, knowledge_id, version_number, content, metadata, change_summary, changed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.exec(ctx, query,
		v.VersionID, v.EntityID, v.VersionNumber, string(content), metadata,
		v.ChangeSummary, v.ChangedBy, formatTime(v.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("version %d for entity %s: %w", v.VersionNumber, v.EntityID, core.ErrAlreadyExists)
		}
		return fmt.Errorf("append version: %w", err)
	}
	return nil
}

// ListVersions returns the version log newest first.
func (s *SQLiteStore) ListVersions(ctx context.Context, entityID string) ([]*core.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT version_id, knowledge_id, version_number, content, metadata,
			change_summary, changed_by, created_at
		FROM knowledge_versions WHERE knowledge_id = ?
		ORDER BY version_number DESC`

	rows, err := s.query(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []*core.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// GetVersion loads one version by entity id and number.
func (s *SQLiteStore) GetVersion(ctx context.Context, entityID string, versionNumber int) (*core.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, fmt.Errorf("not connected")
	}

	row := s.queryRow(ctx, `SELECT version_id, knowledge_id, version_number, content, metadata,
			change_summary, changed_by, created_at
		FROM knowledge_versions WHERE knowledge_id = ? AND version_number = ?`,
		entityID, versionNumber)

	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version %d for entity %s: %w", versionNumber, entityID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// CreateSyncOperation inserts a sync operation record.
func (s *SQLiteStore) CreateSyncOperation(ctx context.Context, op *core.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := marshalNullableMap(op.ErrorDetails)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `INSERT INTO sync_operations
		(id, operation_type, source, status, started_at, completed_at,
		 records_processed, conflicts_detected, error_details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.Source, string(op.Status),
		formatTime(op.StartedAt), formatTimePtr(op.CompletedAt),
		op.RecordsProcessed, op.ConflictsFound, details,
	)
	if err != nil {
		return fmt.Errorf("create sync operation: %w", err)
	}
	return nil
}

// UpdateSyncOperation writes back the operation's final state.
func (s *SQLiteStore) UpdateSyncOperation(ctx context.Context, op *core.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := marshalNullableMap(op.ErrorDetails)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `UPDATE sync_operations SET
			status = ?, completed_at = ?, records_processed = ?,
			conflicts_detected = ?, error_details = ?
		WHERE id = ?`,
		string(op.Status), formatTimePtr(op.CompletedAt),
		op.RecordsProcessed, op.ConflictsFound, details, op.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync operation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync operation rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sync operation %s: %w", op.ID, core.ErrNotFound)
	}
	return nil
}

// ListSyncOperations returns sync operations newest first.
func (s *SQLiteStore) ListSyncOperations(ctx context.Context, limit int) ([]*core.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, operation_type, source, status, started_at, completed_at,
			records_processed, conflicts_detected, error_details
		FROM sync_operations ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync operations: %w", err)
	}
	defer rows.Close()

	var ops []*core.SyncOperation
	for rows.Next() {
		op := &core.SyncOperation{}
		var kind, status, startedAt string
		var completedAt, details *string
		if err := rows.Scan(&op.ID, &kind, &op.Source, &status, &startedAt,
			&completedAt, &op.RecordsProcessed, &op.ConflictsFound, &details); err != nil {
			return nil, fmt.Errorf("scan sync operation: %w", err)
		}
		op.Kind = core.SyncKind(kind)
		op.Status = core.SyncStatus(status)
		if op.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if op.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		if details != nil && *details != "" {
			if err := json.Unmarshal([]byte(*details), &op.ErrorDetails); err != nil {
				return nil, fmt.Errorf("unmarshal error details: %w", err)
			}
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DeleteSyncOperationsBefore drops sync records older than the cutoff.
func (s *SQLiteStore) DeleteSyncOperationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `DELETE FROM sync_operations WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete sync operations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete sync operations rows affected: %w", err)
	}
	return int(affected), nil
}

// CreateSyncConflict inserts a conflict record.
func (s *SQLiteStore) CreateSyncConflict(ctx context.Context, c *core.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := json.Marshal(c.LocalSnapshot)
	if err != nil {
		return fmt.Errorf("marshal local snapshot: %w", err)
	}
	remote, err := json.Marshal(c.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("marshal remote snapshot: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO sync_conflicts
		(id, knowledge_id, sync_operation_id, local_snapshot, remote_snapshot,
		 conflict_type, resolution_status, resolved_by, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityID, c.SyncOperationID, string(local), string(remote),
		string(c.ConflictType), string(c.ResolutionStatus), c.ResolvedBy,
		formatTimePtr(c.ResolvedAt), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create sync conflict: %w", err)
	}
	return nil
}

// UpdateSyncConflict writes back the conflict's resolution state.
func (s *SQLiteStore) UpdateSyncConflict(ctx context.Context, c *core.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.exec(ctx, `UPDATE sync_conflicts SET
			resolution_status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ?`,
		string(c.ResolutionStatus), c.ResolvedBy, formatTimePtr(c.ResolvedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("update sync conflict: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync conflict rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sync conflict %s: %w", c.ID, core.ErrNotFound)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*core.Entity, error) {
	e := &core.Entity{}
	var classification string
	var priority, isActive, isFoundational int
	var content string
	var context, metadata, syncedAt *string
	var createdAt, updatedAt string

	err := row.Scan(&e.ID, &e.Name, &e.Category, &classification, &priority,
		&content, &context, &metadata, &e.Source, &e.SourceID,
		&isActive, &isFoundational, &e.Version, &createdAt, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	e.Classification = core.Classification(classification)
	e.Priority = core.Priority(priority)
	e.IsActive = isActive != 0
	e.IsFoundational = isFoundational != 0

	if err := unmarshalEntityJSON(e, content, context, metadata); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if e.SyncedAt, err = parseTimePtr(syncedAt); err != nil {
		return nil, err
	}
	return e, nil
}

func scanEntities(rows *sql.Rows) ([]*core.Entity, error) {
	var entities []*core.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func scanVersion(row scanner) (*core.Version, error) {
	v := &core.Version{}
	var content string
	var metadata, summary, changedBy *string
	var createdAt string

	err := row.Scan(&v.VersionID, &v.EntityID, &v.VersionNumber, &content,
		&metadata, &summary, &changedBy, &createdAt)
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
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return v, nil
}

func marshalNullableMap(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal map: %w", err)
	}
	s := string(data)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
