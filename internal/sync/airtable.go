// Package sync mirrors the knowledge base against the remote Airtable base:
// scheduled and on-demand pulls, conflict detection and resolution, and
// pushes of local entities.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sophia-intel/knowledge-service/internal/core"
	"github.com/sophia-intel/knowledge-service/internal/knowledge"
	"github.com/sophia-intel/knowledge-service/internal/storage"
)

const sourceAirtable = "airtable"

// tableBinding maps one remote table to its default classification tier.
type tableBinding struct {
	Name           string
	Classification core.Classification
}

// defaultTables are the synced tables in sync order.
func defaultTables() []tableBinding {
	return []tableBinding{
		{Name: "Strategic Knowledge", Classification: core.ClassificationFoundational},
		{Name: "Strategic Initiatives", Classification: core.ClassificationStrategic},
		{Name: "Executive Decisions", Classification: core.ClassificationStrategic},
	}
}

// syncOutcome classifies what happened to one synced record.
type syncOutcome int

const (
	outcomeCreated syncOutcome = iota
	outcomeUpdated
	outcomeConflict
)

// Service synchronizes entities between the local store and Airtable.
// Per-record failures are counted and logged; they never abort a batch.
type Service struct {
	client   *AirtableClient
	manager  *knowledge.Manager
	store    storage.Store
	tables   []tableBinding
	strategy knowledge.ResolutionStrategy
	logger   *slog.Logger
}

// NewService wires the sync service. An empty strategy defaults to auto.
func NewService(client *AirtableClient, manager *knowledge.Manager, store storage.Store, strategy knowledge.ResolutionStrategy, logger *slog.Logger) *Service {
	if strategy == "" {
		strategy = knowledge.StrategyAuto
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:   client,
		manager:  manager,
		store:    store,
		tables:   defaultTables(),
		strategy: strategy,
		logger:   logger,
	}
}

// FullSync pulls every row of every configured table.
func (s *Service) FullSync(ctx context.Context) (*core.SyncOperation, error) {
	return s.run(ctx, core.SyncFull, nil)
}

// IncrementalSync pulls rows modified after since. A nil since pulls
// everything, like a full sync.
func (s *Service) IncrementalSync(ctx context.Context, since *time.Time) (*core.SyncOperation, error) {
	return s.run(ctx, core.SyncIncremental, since)
}

// run executes one sync pass, recording it as a sync operation row.
func (s *Service) run(ctx context.Context, kind core.SyncKind, since *time.Time) (*core.SyncOperation, error) {
	op := core.NewSyncOperation(kind, sourceAirtable)
	if err := s.store.CreateSyncOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("record sync operation: %w", err)
	}

	records, conflicts, tableErrs := 0, 0, 0
	var firstErr error

	for _, table := range s.tables {
		rows, err := s.client.ListRecords(ctx, table.Name)
		if err != nil {
			s.logger.Error("Failed to list remote table", "table", table.Name, "error", err)
			tableErrs++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		synced := 0
		for _, row := range rows {
			if since != nil && !modifiedAfter(row, *since) {
				continue
			}

			entity := s.recordToEntity(row, table.Classification)
			outcome, err := s.syncEntity(ctx, op.ID, entity)
			if err != nil {
				s.logger.Error("Failed to sync record",
					"table", table.Name, "record_id", row.ID, "error", err)
				tableErrs++
				continue
			}

			records++
			synced++
			if outcome == outcomeConflict {
				conflicts++
			}
		}
		s.logger.Info("Synced table", "table", table.Name, "records", synced)
	}

	switch {
	case tableErrs == 0:
		op.Complete(records, conflicts)
	case records > 0:
		op.Complete(records, conflicts)
		op.Status = core.SyncPartial
		op.ErrorDetails = map[string]any{"errors": tableErrs}
	default:
		msg := "sync produced no records"
		if firstErr != nil {
			msg = firstErr.Error()
		}
		op.Fail(msg)
	}

	if err := s.store.UpdateSyncOperation(ctx, op); err != nil {
		s.logger.Error("Failed to finalize sync operation", "operation_id", op.ID, "error", err)
	}

	s.logger.Info("Sync finished",
		"kind", kind, "status", op.Status,
		"records", records, "conflicts", conflicts, "errors", tableErrs)

	if op.Status == core.SyncFailed && firstErr != nil {
		return op, firstErr
	}
	return op, nil
}

// syncEntity applies one remote snapshot locally, detecting conflicts when
// the local copy is newer than the remote one.
func (s *Service) syncEntity(ctx context.Context, opID string, remote *core.Entity) (syncOutcome, error) {
	local, err := s.manager.Get(ctx, remote.ID)
	if err != nil {
		if core.IsNotFound(err) {
			if _, err := s.manager.Create(ctx, remote, "sync"); err != nil {
				return 0, err
			}
			return outcomeCreated, nil
		}
		return 0, err
	}

	if local.UpdatedAt.After(remote.UpdatedAt) {
		conflict := core.NewSyncConflict(opID, local, remote, core.ConflictContent)
		if err := s.store.CreateSyncConflict(ctx, conflict); err != nil {
			s.logger.Warn("Failed to persist sync conflict", "entity_id", remote.ID, "error", err)
		}
		if _, err := s.manager.HandleSyncConflict(ctx, conflict, s.strategy); err != nil {
			return 0, err
		}
		return outcomeConflict, nil
	}

	now := time.Now().UTC()
	remote.SyncedAt = &now
	if _, err := s.manager.Update(ctx, remote, "sync"); err != nil {
		return 0, err
	}
	return outcomeUpdated, nil
}

// PushEntity writes a local entity to its remote table, capturing the
// remote-assigned id on first push.
func (s *Service) PushEntity(ctx context.Context, entity *core.Entity) error {
	table := s.tableForClassification(entity.Classification)
	fields := s.entityToFields(entity)

	if entity.SourceID != nil && *entity.SourceID != "" {
		if _, err := s.client.UpdateRecord(ctx, table, *entity.SourceID, fields); err != nil {
			return err
		}
		s.logger.Info("Updated remote record", "record_id", *entity.SourceID, "table", table)
		return nil
	}

	record, err := s.client.CreateRecord(ctx, table, fields)
	if err != nil {
		return err
	}
	entity.SourceID = &record.ID
	if _, err := s.manager.Update(ctx, entity, "sync"); err != nil {
		return fmt.Errorf("persist remote id: %w", err)
	}
	s.logger.Info("Created remote record", "record_id", record.ID, "table", table)
	return nil
}

// recordToEntity converts a remote row into the internal entity shape.
func (s *Service) recordToEntity(record AirtableRecord, classification core.Classification) *core.Entity {
	fields := record.Fields

	name := fieldString(fields, "Name")
	if name == "" {
		name = fieldString(fields, "Document Name")
	}
	if name == "" {
		name = "Untitled"
	}

	category := fieldString(fields, "Category")
	if category == "" {
		category = "general"
	}

	lastModified := fieldString(fields, "Last Modified")
	if lastModified == "" {
		lastModified = fieldString(fields, "Last Reviewed")
	}

	now := time.Now().UTC()
	sourceID := record.ID

	entity := &core.Entity{
		ID:             record.ID,
		Name:           name,
		Category:       category,
		Classification: classification,
		Priority:       mapRemotePriority(fields["Priority"]),
		Content: core.Document{
			"summary":                fieldString(fields, "Summary"),
			"key_insights":           fieldString(fields, "Key Insights"),
			"strategic_implications": fieldString(fields, "Strategic Implications"),
			"ceo_notes":              fieldString(fields, "CEO Notes"),
			"raw_data":               fields,
		},
		Metadata: map[string]any{
			"airtable_id":   record.ID,
			"created_time":  record.CreatedTime,
			"last_modified": lastModified,
		},
		Source:    sourceAirtable,
		SourceID:  &sourceID,
		IsActive:  true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: remoteUpdatedAt(lastModified, now),
		SyncedAt:  &now,
	}
	entity.Normalize()
	return entity
}

// entityToFields converts an entity into the remote field shape.
func (s *Service) entityToFields(entity *core.Entity) map[string]any {
	confidence := 0.75
	if entity.IsFoundational {
		confidence = 0.95
	}

	metadata, _ := core.Document(entity.Metadata).Encode()

	return map[string]any{
		"Name":                   entity.Name,
		"Category":               entity.Category,
		"Classification":         string(entity.Classification),
		"Priority":               int(entity.Priority),
		"Summary":                documentString(entity.Content, "summary"),
		"Key Insights":           documentString(entity.Content, "key_insights"),
		"Strategic Implications": documentString(entity.Content, "strategic_implications"),
		"AI Analysis":            string(metadata),
		"Confidence":             confidence,
		"Last Updated":           time.Now().UTC().Format(time.RFC3339),
	}
}

func (s *Service) tableForClassification(c core.Classification) string {
	switch c {
	case core.ClassificationFoundational:
		return "Strategic Knowledge"
	case core.ClassificationStrategic:
		return "Strategic Initiatives"
	case core.ClassificationOperational:
		return "Metrics"
	default:
		return "Strategic Knowledge"
	}
}

// mapRemotePriority maps the remote 1-5 rating onto the priority ladder.
func mapRemotePriority(value any) core.Priority {
	var rating float64
	switch v := value.(type) {
	case float64:
		rating = v
	case int:
		rating = float64(v)
	default:
		return core.PriorityMedium
	}

	switch {
	case rating >= 5:
		return core.PriorityCritical
	case rating >= 4:
		return core.PriorityHigh
	case rating >= 3:
		return core.PriorityMedium
	case rating >= 2:
		return core.PriorityLow
	default:
		return core.PriorityArchive
	}
}

// modifiedAfter reports whether the row's remote modification time is after
// since. Rows without a parseable timestamp always sync.
func modifiedAfter(record AirtableRecord, since time.Time) bool {
	raw := fieldString(record.Fields, "Last Modified")
	if raw == "" {
		return true
	}
	t, err := parseRemoteTime(raw)
	if err != nil {
		return true
	}
	return t.After(since)
}

// remoteUpdatedAt parses the remote modification timestamp, falling back to
// now so conflict detection stays conservative.
func remoteUpdatedAt(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	t, err := parseRemoteTime(raw)
	if err != nil {
		return fallback
	}
	return t
}

func parseRemoteTime(raw string) (time.Time, error) {
	raw = strings.Replace(raw, "Z", "+00:00", 1)
	t, err := time.Parse("2006-01-02T15:04:05-07:00", raw)
	if err != nil {
		// Some tables carry fractional seconds.
		t, err = time.Parse("2006-01-02T15:04:05.999999999-07:00", raw)
	}
	return t.UTC(), err
}

func fieldString(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}

func documentString(doc core.Document, key string) string {
	if s, ok := doc[key].(string); ok {
		return s
	}
	return ""
}
