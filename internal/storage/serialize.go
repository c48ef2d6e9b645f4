package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sophia-intel/knowledge-service/internal/core"
)

// entityJSON holds the serialized JSON columns of an entity row.
type entityJSON struct {
	content  string
	context  *string
	metadata string
}

func marshalEntityJSON(e *core.Entity) (entityJSON, error) {
	content, err := e.Content.Encode()
	if err != nil {
		return entityJSON{}, fmt.Errorf("marshal content: %w", err)
	}

	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return entityJSON{}, fmt.Errorf("marshal metadata: %w", err)
	}

	out := entityJSON{content: string(content), metadata: string(metaBytes)}
	if e.PayReadyContext != nil {
		ctxBytes, err := json.Marshal(e.PayReadyContext)
		if err != nil {
			return entityJSON{}, fmt.Errorf("marshal pay_ready_context: %w", err)
		}
		s := string(ctxBytes)
		out.context = &s
	}
	return out, nil
}

func unmarshalEntityJSON(e *core.Entity, content string, context *string, metadata *string) error {
	doc, err := core.ParseDocument([]byte(content))
	if err != nil {
		return fmt.Errorf("unmarshal content: %w", err)
	}
	e.Content = doc

	e.Metadata = map[string]any{}
	if metadata != nil && *metadata != "" {
		if err := json.Unmarshal([]byte(*metadata), &e.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	if context != nil && *context != "" {
		var prc core.PayReadyContext
		if err := json.Unmarshal([]byte(*context), &prc); err != nil {
			return fmt.Errorf("unmarshal pay_ready_context: %w", err)
		}
		e.PayReadyContext = &prc
	}
	return nil
}

// Timestamps in the embedded backend are ISO-8601 UTC strings.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
