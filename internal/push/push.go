// Package push delivers newly created events to live viewers, either in
// process through a Hub or across the network over a websocket.
package push

import (
	"context"
	"encoding/json"

	"github.com/pbaille/chanscope/internal/domain"
)

// Handler receives pushed events in arrival order
type Handler func(domain.Event)

// Subscription is an active subscription; Close stops delivery
type Subscription interface {
	Close() error
	// Done is closed once delivery has stopped, whether through Close or
	// because the subscription was dropped.
	Done() <-chan struct{}
}

// Subscriber opens push subscriptions on a scope
type Subscriber interface {
	Subscribe(ctx context.Context, scope string, fn Handler) (Subscription, error)
}

// Message types on the wire
const (
	TypeEventCreated = "EVENT_CREATED"
	TypePing         = "ping"
)

// Message is the envelope sent to websocket clients
type Message struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}
