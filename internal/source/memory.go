package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pbaille/chanscope/internal/domain"
)

// Memory is an in-process Source over a fixed set of events
type Memory struct {
	mu     sync.RWMutex
	scopes map[string][]domain.Event // oldest first
}

// NewMemory creates a Memory source holding events
func NewMemory(events ...domain.Event) *Memory {
	m := &Memory{scopes: make(map[string][]domain.Event)}
	m.Add(events...)
	return m
}

// Add inserts events, keeping each scope in stream order
func (m *Memory) Add(events ...domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := make(map[string]bool)
	for _, e := range events {
		m.scopes[e.ScopeID] = append(m.scopes[e.ScopeID], e)
		touched[e.ScopeID] = true
	}
	for scope := range touched {
		list := m.scopes[scope]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Timestamp != list[j].Timestamp {
				return list[i].Timestamp < list[j].Timestamp
			}
			return list[i].ID < list[j].ID
		})
	}
}

func (m *Memory) indexOf(list []domain.Event, id string) int {
	for i, e := range list {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// ListEvents implements Source
func (m *Memory) ListEvents(ctx context.Context, q Query) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.scopes[q.ScopeID]
	var page []domain.Event
	switch {
	case q.Before != "":
		i := m.indexOf(list, q.Before)
		if i < 0 {
			return nil, fmt.Errorf("list events before %s: %w", q.Before, ErrNotFound)
		}
		page = list[max(0, i-q.Limit):i]
	case q.After != "":
		i := m.indexOf(list, q.After)
		if i < 0 {
			return nil, fmt.Errorf("list events after %s: %w", q.After, ErrNotFound)
		}
		page = list[i+1 : min(len(list), i+1+q.Limit)]
	default:
		page = list[max(0, len(list)-q.Limit):]
	}

	out := make([]domain.Event, len(page))
	for i, e := range page {
		out[len(page)-1-i] = e
	}
	return out, nil
}

// FetchEvent implements Source
func (m *Memory) FetchEvent(ctx context.Context, scopeID, eventID string) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.scopes[scopeID]
	if i := m.indexOf(list, eventID); i >= 0 {
		return list[i], nil
	}
	return domain.Event{}, fmt.Errorf("fetch event %s: %w", eventID, ErrNotFound)
}
