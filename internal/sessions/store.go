// Package sessions provides conversation persistence with bounded
// history. The Redis-backed store degrades to process memory when
// Redis is unreachable so a cache outage never fails a query.
package sessions

import (
	"context"

	"github.com/relaydev/relay/pkg/models"
)

// Stats summarizes the store for the inspection endpoints.
type Stats struct {
	Count   int    `json:"count"`
	Backend string `json:"backend"`
}

// Store is the interface for session persistence.
type Store interface {
	// GetOrCreate returns the session with the given id, creating an
	// empty one if it does not exist. Access refreshes the TTL.
	GetOrCreate(ctx context.Context, id string) (*models.Session, error)

	// Get returns the session or nil when absent.
	Get(ctx context.Context, id string) (*models.Session, error)

	// AddMessage appends a message, truncates history to the
	// configured bound, and folds usage into the token counters.
	AddMessage(ctx context.Context, id string, msg models.Message, usage models.Usage) error

	// UpdateContext shallow-merges fields into the session context.
	UpdateContext(ctx context.Context, id string, fields map[string]any) error

	// Delete removes the session. Deleting an absent session is a no-op.
	Delete(ctx context.Context, id string) error

	// List returns the ids of live sessions.
	List(ctx context.Context) ([]string, error)

	// Stats reports the session count and active backend.
	Stats(ctx context.Context) (Stats, error)

	// Healthy probes the backing store.
	Healthy(ctx context.Context) error

	Close() error
}

// applyMessage mutates a session in place for one appended message:
// bounded history, turn count, distinct tool names, token counters.
func applyMessage(s *models.Session, msg models.Message, usage models.Usage, maxHistory int) {
	s.History = append(s.History, msg)
	if maxHistory > 0 && len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
	s.Metadata.TurnCount++
	for _, use := range msg.ToolUses() {
		s.Metadata.RecordTool(use.Name)
	}
	s.Metadata.Tokens.Add(usage)
}

// mergeContext shallow-merges fields into the session context,
// overwriting existing keys.
func mergeContext(s *models.Session, fields map[string]any) {
	if s.Context == nil {
		s.Context = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		s.Context[k] = v
	}
}
