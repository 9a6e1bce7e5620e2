// Package scorer attaches toxicity scores to events. Cache memoizes any
// backend Scorer by event id; Remote and Perspective are backends.
package scorer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/metrics"
)

// DefaultBatchSize is the largest number of events sent to a backend at once
const DefaultBatchSize = 100

// maxConcurrentBatches bounds the batches of one Score call in flight
const maxConcurrentBatches = 4

var errNoScore = errors.New("no score returned")

// Scorer scores a batch of events. A failure to score a single event is
// reported in its Score; the error return is for failures of the whole call.
type Scorer interface {
	Score(ctx context.Context, events []domain.Event) (map[string]domain.Score, error)
}

// Func adapts a function to the Scorer interface
type Func func(ctx context.Context, events []domain.Event) (map[string]domain.Score, error)

// Score calls f
func (f Func) Score(ctx context.Context, events []domain.Event) (map[string]domain.Score, error) {
	return f(ctx, events)
}

// Cache scores every event id at most once and keeps the result, error
// included, for its whole lifetime. Concurrent requests for an id already
// being scored wait for that result.
type Cache struct {
	backend   Scorer
	batchSize int
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu      sync.Mutex
	scores  map[string]domain.Score
	pending map[string]chan struct{}
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithBatchSize sets the backend batch size
func WithBatchSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records hits and misses on m
func WithMetrics(m *metrics.Collector) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// NewCache wraps backend
func NewCache(backend Scorer, opts ...CacheOption) *Cache {
	c := &Cache{
		backend:   backend,
		batchSize: DefaultBatchSize,
		logger:    zap.NewNop(),
		scores:    make(map[string]domain.Score),
		pending:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("scorer")
	return c
}

// Lookup returns the cached score of id without scoring it
func (c *Cache) Lookup(id string) (domain.Score, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scores[id]
	return s, ok
}

// Len returns the number of cached scores
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scores)
}

// Score implements Scorer. Events whose scoring was cut short by ctx are
// left out of the result and are not cached. Ids another call was scoring
// when it got cancelled are scored again on this call.
func (c *Cache) Score(ctx context.Context, events []domain.Event) (map[string]domain.Score, error) {
	out := make(map[string]domain.Score, len(events))
	for len(events) > 0 {
		todo, waits := c.claim(events, out)

		if len(todo) > 0 {
			var g errgroup.Group
			g.SetLimit(maxConcurrentBatches)
			for i := 0; i < len(todo); i += c.batchSize {
				batch := todo[i:min(i+c.batchSize, len(todo))]
				g.Go(func() error {
					c.fetch(ctx, batch)
					return nil
				})
			}
			g.Wait()
		}

		var orphaned []domain.Event
		for id, w := range waits {
			select {
			case <-w.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if s, ok := c.Lookup(id); ok {
				out[id] = s
				continue
			}
			orphaned = append(orphaned, w.event)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(orphaned) > 0 {
			c.logger.Debug("rescoring events abandoned by a cancelled call", zap.Int("events", len(orphaned)))
		}
		events = orphaned
	}
	return out, nil
}

type wait struct {
	event domain.Event
	done  chan struct{}
}

// claim resolves cached ids into out and marks the unclaimed ones pending.
// It returns the events this call must fetch and everything it waits on.
func (c *Cache) claim(events []domain.Event, out map[string]domain.Score) ([]domain.Event, map[string]wait) {
	var (
		todo  []domain.Event
		waits = make(map[string]wait)
		hits  int
	)

	c.mu.Lock()
	for _, e := range events {
		if _, ok := out[e.ID]; ok {
			continue
		}
		if _, ok := waits[e.ID]; ok {
			continue
		}
		if s, ok := c.scores[e.ID]; ok {
			out[e.ID] = s
			hits++
			continue
		}
		if done, ok := c.pending[e.ID]; ok {
			waits[e.ID] = wait{event: e, done: done}
			continue
		}
		done := make(chan struct{})
		c.pending[e.ID] = done
		waits[e.ID] = wait{event: e, done: done}
		todo = append(todo, e)
	}
	c.mu.Unlock()
	c.metrics.ObserveScoreLookup(hits, len(todo))
	return todo, waits
}

// fetch scores one batch and settles its pending entries
func (c *Cache) fetch(ctx context.Context, batch []domain.Event) {
	res, err := c.backend.Score(ctx, batch)
	cancelled := err != nil && ctx.Err() != nil
	if err != nil && !cancelled {
		c.logger.Warn("scoring batch failed",
			zap.Int("batch", len(batch)),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range batch {
		switch {
		case cancelled:
		case err != nil:
			c.scores[e.ID] = domain.Score{Error: err.Error()}
		default:
			s, ok := res[e.ID]
			if !ok {
				s = domain.Score{Error: errNoScore.Error()}
			}
			c.scores[e.ID] = s
		}
		close(c.pending[e.ID])
		delete(c.pending, e.ID)
	}
}
