package core

import (
	"time"

	"github.com/google/uuid"
)

// Classification represents knowledge classification tiers
type Classification string

const (
	ClassificationFoundational Classification = "foundational"
	ClassificationStrategic    Classification = "strategic"
	ClassificationOperational  Classification = "operational"
	ClassificationReference    Classification = "reference"
)

// Valid reports whether the classification is one of the known tiers.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationFoundational, ClassificationStrategic,
		ClassificationOperational, ClassificationReference:
		return true
	}
	return false
}

// Priority represents knowledge priority levels, ordered low to high
type Priority int

const (
	PriorityArchive  Priority = 1
	PriorityLow      Priority = 2
	PriorityMedium   Priority = 3
	PriorityHigh     Priority = 4
	PriorityCritical Priority = 5
)

// Valid reports whether the priority is within the 1..5 range.
func (p Priority) Valid() bool {
	return p >= PriorityArchive && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityArchive:
		return "archive"
	}
	return "unknown"
}

// ConflictType represents sync conflict categories
type ConflictType string

const (
	ConflictContent        ConflictType = "content"
	ConflictMetadata       ConflictType = "metadata"
	ConflictClassification ConflictType = "classification"
	ConflictDeletion       ConflictType = "deletion"
)

// ResolutionStatus represents conflict resolution states
type ResolutionStatus string

const (
	ResolutionPending        ResolutionStatus = "pending"
	ResolutionAutoResolved   ResolutionStatus = "auto_resolved"
	ResolutionManualResolved ResolutionStatus = "manual_resolved"
	ResolutionIgnored        ResolutionStatus = "ignored"
)

// SyncKind represents sync operation types
type SyncKind string

const (
	SyncFull        SyncKind = "full_sync"
	SyncIncremental SyncKind = "incremental_sync"
	SyncManual      SyncKind = "manual_sync"
)

// SyncStatus represents sync operation states
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
	SyncPartial    SyncStatus = "partial"
)

// PayReadyContext is the fixed business context block attached to
// foundational entities.
type PayReadyContext struct {
	Company                string         `json:"company"`
	Mission                string         `json:"mission"`
	Industry               string         `json:"industry"`
	Stage                  string         `json:"stage"`
	Metrics                map[string]any `json:"metrics"`
	KeyDifferentiators     []string       `json:"key_differentiators"`
	FoundationalCategories []string       `json:"foundational_categories"`
}

// DefaultPayReadyContext returns the canonical Pay-Ready business context.
func DefaultPayReadyContext() *PayReadyContext {
	return &PayReadyContext{
		Company:  "Pay Ready",
		Mission:  "AI-first resident engagement, payments, and recovery platform for U.S. multifamily housing",
		Industry: "PropTech / Real Estate Technology",
		Stage:    "High-growth, bootstrapped and profitable",
		Metrics: map[string]any{
			"annual_rent_processed": "$20B+",
			"employee_count":        100,
			"customer_type":         "Property Management Companies",
			"market":                "U.S. Multifamily Housing",
		},
		KeyDifferentiators: []string{
			"AI-first approach to resident engagement",
			"Comprehensive financial operating system",
			"Evolution from collections to full-service platform",
			"Bootstrapped and profitable growth model",
		},
		FoundationalCategories: []string{
			"company_overview",
			"strategic_initiatives",
			"executive_decisions",
			"market_intelligence",
			"product_roadmap",
		},
	}
}

// Entity is the primary knowledge record.
type Entity struct {
	ID              string           `json:"id" validate:"required"`
	Name            string           `json:"name" validate:"required,min=1,max=255"`
	Category        string           `json:"category" validate:"required,min=1,max=100"`
	Classification  Classification   `json:"classification"`
	Priority        Priority         `json:"priority"`
	Content         Document         `json:"content"`
	PayReadyContext *PayReadyContext `json:"pay_ready_context,omitempty"`
	Metadata        map[string]any   `json:"metadata"`
	Source          string           `json:"source"`
	SourceID        *string          `json:"source_id,omitempty"`
	IsActive        bool             `json:"is_active"`
	IsFoundational  bool             `json:"is_foundational"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	SyncedAt        *time.Time       `json:"synced_at,omitempty"`
}

// NewEntity returns an entity with generated id and defaults applied.
func NewEntity(name, category string, content Document) *Entity {
	now := time.Now().UTC()
	return &Entity{
		ID:             uuid.New().String(),
		Name:           name,
		Category:       category,
		Classification: ClassificationOperational,
		Priority:       PriorityMedium,
		Content:        content,
		Metadata:       map[string]any{},
		Source:         "manual",
		IsActive:       true,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Normalize enforces the foundational-flag and priority-floor invariants.
// is_foundational always mirrors the classification; foundational entities
// are upgraded to at least high priority.
func (e *Entity) Normalize() {
	e.IsFoundational = e.Classification == ClassificationFoundational ||
		e.Classification == ClassificationStrategic
	if e.IsFoundational && e.Priority < PriorityHigh {
		e.Priority = PriorityHigh
	}
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Content = e.Content.Clone()
	c.Metadata = cloneAnyMap(e.Metadata)
	if e.SourceID != nil {
		id := *e.SourceID
		c.SourceID = &id
	}
	if e.SyncedAt != nil {
		t := *e.SyncedAt
		c.SyncedAt = &t
	}
	if e.PayReadyContext != nil {
		pc := *e.PayReadyContext
		pc.Metrics = cloneAnyMap(e.PayReadyContext.Metrics)
		pc.KeyDifferentiators = append([]string(nil), e.PayReadyContext.KeyDifferentiators...)
		pc.FoundationalCategories = append([]string(nil), e.PayReadyContext.FoundationalCategories...)
		c.PayReadyContext = &pc
	}
	return &c
}

// Version is an immutable snapshot in an entity's version log.
type Version struct {
	VersionID     string         `json:"version_id"`
	EntityID      string         `json:"entity_id"`
	VersionNumber int            `json:"version_number"`
	Content       Document       `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ChangeSummary string         `json:"change_summary,omitempty"`
	ChangedBy     string         `json:"changed_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// SyncOperation records one full, incremental, or manual sync run.
type SyncOperation struct {
	ID               string         `json:"id"`
	Kind             SyncKind       `json:"kind"`
	Source           string         `json:"source"`
	Status           SyncStatus     `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	RecordsProcessed int            `json:"records_processed"`
	ConflictsFound   int            `json:"conflicts_detected"`
	ErrorDetails     map[string]any `json:"error_details,omitempty"`
}

// NewSyncOperation returns an in-progress sync operation record.
func NewSyncOperation(kind SyncKind, source string) *SyncOperation {
	return &SyncOperation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Status:    SyncInProgress,
		StartedAt: time.Now().UTC(),
	}
}

// Complete marks the operation finished with final counts.
func (op *SyncOperation) Complete(records, conflicts int) {
	now := time.Now().UTC()
	op.Status = SyncCompleted
	op.CompletedAt = &now
	op.RecordsProcessed = records
	op.ConflictsFound = conflicts
}

// Fail marks the operation failed with the error message.
func (op *SyncOperation) Fail(errMsg string) {
	now := time.Now().UTC()
	op.Status = SyncFailed
	op.CompletedAt = &now
	op.ErrorDetails = map[string]any{"error": errMsg}
}

// SyncConflict records a divergence between a local and a remote snapshot.
type SyncConflict struct {
	ID               string           `json:"id"`
	EntityID         string           `json:"entity_id"`
	SyncOperationID  string           `json:"sync_operation_id"`
	LocalSnapshot    *Entity          `json:"local_snapshot"`
	RemoteSnapshot   *Entity          `json:"remote_snapshot"`
	ConflictType     ConflictType     `json:"conflict_type"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// NewSyncConflict returns a pending conflict record for the entity.
func NewSyncConflict(opID string, local, remote *Entity, kind ConflictType) *SyncConflict {
	return &SyncConflict{
		ID:               uuid.New().String(),
		EntityID:         remote.ID,
		SyncOperationID:  opID,
		LocalSnapshot:    local,
		RemoteSnapshot:   remote,
		ConflictType:     kind,
		ResolutionStatus: ResolutionPending,
		CreatedAt:        time.Now().UTC(),
	}
}

// MarkResolved stamps the conflict record with the resolution outcome.
func (c *SyncConflict) MarkResolved(status ResolutionStatus, resolver string) {
	now := time.Now().UTC()
	c.ResolutionStatus = status
	c.ResolvedBy = resolver
	c.ResolvedAt = &now
}

// Statistics aggregates counts over the whole knowledge base.
type Statistics struct {
	TotalEntries     int            `json:"total_entries"`
	FoundationalNum  int            `json:"foundational_count"`
	OperationalNum   int            `json:"operational_count"`
	ByClassification map[string]int `json:"by_classification"`
	ByPriority       map[string]int `json:"by_priority"`
	ByCategory       map[string]int `json:"by_category"`
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
