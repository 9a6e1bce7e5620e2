// Package source defines the paged event source the event window reads from,
// and an HTTP client for the chanscope API server.
package source

import (
	"context"
	"errors"

	"github.com/pbaille/chanscope/internal/domain"
)

// ErrNotFound is returned when a requested event does not exist upstream
var ErrNotFound = errors.New("event not found")

// Query selects one page of events in a scope. Before and After are event
// ids; at most one of them should be set. Results are newest first and are
// the Limit events closest to the anchor.
type Query struct {
	ScopeID string
	Limit   int
	Before  string
	After   string
}

// Source answers simple paged queries over one or more scopes
type Source interface {
	// ListEvents returns one page of events, newest first.
	ListEvents(ctx context.Context, q Query) ([]domain.Event, error)

	// FetchEvent returns a single event by id.
	FetchEvent(ctx context.Context, scopeID, eventID string) (domain.Event, error)
}
