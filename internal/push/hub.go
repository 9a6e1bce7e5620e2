package push

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/domain"
)

const sendBufferSize = 256

// Hub fans out published events to the subscribers of their scope
type Hub struct {
	mu     sync.RWMutex
	scopes map[string]map[*hubSubscription]bool
	logger *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		scopes: make(map[string]map[*hubSubscription]bool),
		logger: logger.Named("hub"),
	}
}

type hubSubscription struct {
	id    string
	scope string
	hub   *Hub
	send  chan domain.Event
	once  sync.Once
	done  chan struct{}
}

// Subscribe registers fn for events published on scope. fn runs on a
// dedicated goroutine, one event at a time. The subscription ends when ctx is
// done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, scope string, fn Handler) (Subscription, error) {
	s := &hubSubscription{
		id:    uuid.New().String(),
		scope: scope,
		hub:   h,
		send:  make(chan domain.Event, sendBufferSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.scopes[scope] == nil {
		h.scopes[scope] = make(map[*hubSubscription]bool)
	}
	h.scopes[scope][s] = true
	n := len(h.scopes[scope])
	h.mu.Unlock()

	h.logger.Info("subscriber registered",
		zap.String("scope", scope),
		zap.String("subscriptionID", s.id),
		zap.Int("scopeSubscribers", n),
	)

	go func() {
		for {
			select {
			case e := <-s.send:
				fn(e)
			case <-ctx.Done():
				s.Close()
				return
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.unregister(s)
		close(s.done)
	})
	return nil
}

func (s *hubSubscription) Done() <-chan struct{} { return s.done }

func (h *Hub) unregister(s *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.scopes[s.scope]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.scopes, s.scope)
	}
	h.logger.Info("subscriber unregistered",
		zap.String("scope", s.scope),
		zap.String("subscriptionID", s.id),
		zap.Int("remainingSubscribers", len(subs)),
	)
}

// Publish delivers e to every subscriber of e.ScopeID. Subscribers whose
// buffer is full are closed, which closes their Done channel.
func (h *Hub) Publish(e domain.Event) {
	h.mu.RLock()
	subs := make([]*hubSubscription, 0, len(h.scopes[e.ScopeID]))
	for s := range h.scopes[e.ScopeID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	failed := 0
	for _, s := range subs {
		select {
		case s.send <- e:
		default:
			failed++
			h.logger.Warn("closing slow subscriber",
				zap.String("scope", s.scope),
				zap.String("subscriptionID", s.id),
			)
			go s.Close()
		}
	}

	h.logger.Debug("publish complete",
		zap.String("scope", e.ScopeID),
		zap.String("eventID", e.ID),
		zap.Int("success", len(subs)-failed),
		zap.Int("failed", failed),
	)
}

// Count returns the number of subscribers on scope
func (h *Hub) Count(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.scopes[scope])
}
