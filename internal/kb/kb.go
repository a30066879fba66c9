// Package kb defines the knowledge-base adapter contract the task
// runner's tool table and the agent's RPC methods consume, plus two
// implementations: an in-memory store for tests and standalone mode, and
// a sqlite-backed store for durable deployments.
//
// The KB storage engine itself is an external collaborator; this package
// only specifies and implements the scope-indexed CRUD + search surface
// the core expects from it.
package kb

import (
	"context"
	"time"
)

// Scope partitions knowledge-base items by who they belong to.
type Scope string

const (
	ScopeAgent   Scope = "agent"
	ScopeProject Scope = "project"
	ScopeUser    Scope = "user"
)

// Item is a single piece of content submitted for ingestion.
type Item struct {
	PathOrURL string
	Metadata  map[string]any
}

// Hit is a single search result.
type Hit struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Record is a stored KB entry as returned by Get/List.
type Record struct {
	ID        string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Adapter is the scope-indexed CRUD + search surface the agent core
// expects from a knowledge-base storage engine.
type Adapter interface {
	// Ingest reads each item's content and stores it under (scope,
	// agentID), returning the resulting document ids. agentID is required
	// (and only meaningful) for ScopeAgent.
	Ingest(ctx context.Context, items []Item, scope Scope, agentID string) ([]string, error)

	// Search returns the top k hits for query within (scope, agentID).
	Search(ctx context.Context, query string, scope Scope, agentID string, k int) ([]Hit, error)

	// CopyFrom copies the named document ids from one agent's KB into
	// another's, returning which ids were copied and which were skipped
	// (not found in the source). An id already present in the target is
	// overwritten and reported as copied.
	CopyFrom(ctx context.Context, sourceAgentID, targetAgentID string, ids []string) (copied, skipped []string, err error)

	// List returns a page of records for (scope, agentID).
	List(ctx context.Context, scope Scope, agentID string, limit, offset int) ([]Record, error)

	// Get fetches a single record by id.
	Get(ctx context.Context, scope Scope, agentID, itemID string) (Record, bool, error)

	// Delete removes a record by id.
	Delete(ctx context.Context, scope Scope, agentID, itemID string) (bool, error)

	// Close releases any underlying resources.
	Close() error
}

func collectionID(scope Scope, agentID string) string {
	switch scope {
	case ScopeAgent:
		return "agent_" + agentID
	case ScopeProject:
		return "project"
	case ScopeUser:
		return "user"
	default:
		return string(scope)
	}
}
