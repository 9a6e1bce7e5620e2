// Package window keeps a stably indexed, bidirectionally expandable window
// over the events of one scope, fetched page by page from a source.Source.
package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pbaille/chanscope/internal/clock"
	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/metrics"
	"github.com/pbaille/chanscope/internal/search"
	"github.com/pbaille/chanscope/internal/source"
)

// DefaultPageSize is the number of events requested per upstream page
const DefaultPageSize = 100

// ErrAnchorNotFound is returned when an anchor event cannot be brought into the window
var ErrAnchorNotFound = errors.New("anchor not found")

const (
	backward = "backward"
	forward  = "forward"
)

// Config holds optional window dependencies; zero values get defaults
type Config struct {
	PageSize int
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Window caches a contiguous run of one scope's events, newest first.
//
// Every cached event has a relative index that never changes: events added at
// the old end get increasing indexes and events added at the new end get
// decreasing ones. Only head, the relative index of the newest event, moves.
type Window struct {
	scope    string
	src      source.Source
	pageSize int
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu               sync.RWMutex
	events           []domain.Event
	rel              map[string]int
	head             int
	reachedBeginning bool
	lastForward      time.Time

	flights singleflight.Group
}

// New creates an empty window over scope
func New(scope string, src source.Source, cfg Config) *Window {
	cfg = cfg.withDefaults()
	return &Window{
		scope:    scope,
		src:      src,
		pageSize: cfg.PageSize,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(zap.String("scope", scope)),
		metrics:  cfg.Metrics,
		rel:      make(map[string]int),
	}
}

// Scope returns the scope id of the window
func (w *Window) Scope() string { return w.scope }

// PageSize returns the upstream page size
func (w *Window) PageSize() int { return w.pageSize }

// Events returns an immutable snapshot of the cached events, newest first
func (w *Window) Events() []domain.Event {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := len(w.events)
	return w.events[:n:n]
}

// Len returns the number of cached events
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.events)
}

// ReachedBeginning reports whether the oldest event of the scope is cached.
// Once true it stays true.
func (w *Window) ReachedBeginning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reachedBeginning
}

// LastForward returns when the window was last expanded forward
func (w *Window) LastForward() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastForward
}

// Ordinal returns the stable relative index of an event
func (w *Window) Ordinal(id string) (int, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.rel[id]
	return r, ok
}

// IndexOf returns the current position of an event in Events()
func (w *Window) IndexOf(id string) (int, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.rel[id]
	if !ok {
		return -1, false
	}
	return r - w.head, true
}

// Get returns a cached event by id
func (w *Window) Get(id string) (domain.Event, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.rel[id]
	if !ok {
		return domain.Event{}, false
	}
	return w.events[r-w.head], true
}

// Newest returns the newest cached event
func (w *Window) Newest() (domain.Event, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.events) == 0 {
		return domain.Event{}, false
	}
	return w.events[0], true
}

// Oldest returns the oldest cached event
func (w *Window) Oldest() (domain.Event, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.events) == 0 {
		return domain.Event{}, false
	}
	return w.events[len(w.events)-1], true
}

func (w *Window) contains(id string) bool {
	_, ok := w.Ordinal(id)
	return ok
}

// ExpandBackward fetches one page of events older than the oldest cached one
// and appends it. It reports whether older events may still exist. Concurrent
// callers share a single upstream fetch.
func (w *Window) ExpandBackward(ctx context.Context) (bool, error) {
	return w.coalesce(ctx, backward, w.expandBackward)
}

// ExpandForward fetches one page of events newer than the newest cached one
// and prepends it. It reports whether newer events may still exist.
func (w *Window) ExpandForward(ctx context.Context) (bool, error) {
	return w.coalesce(ctx, forward, w.expandForward)
}

// coalesce joins the pending fetch in direction or starts one. The fetch
// outlives the caller that started it, so one cancelled caller does not fail
// the others.
func (w *Window) coalesce(ctx context.Context, direction string, fn func(context.Context) (bool, error)) (bool, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := w.flights.DoChan(direction, func() (any, error) {
		return fn(fetchCtx)
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func (w *Window) expandBackward(ctx context.Context) (bool, error) {
	w.mu.RLock()
	if w.reachedBeginning {
		w.mu.RUnlock()
		return false, nil
	}
	var before string
	if n := len(w.events); n > 0 {
		before = w.events[n-1].ID
	}
	w.mu.RUnlock()

	start := time.Now()
	page, err := w.src.ListEvents(ctx, source.Query{ScopeID: w.scope, Limit: w.pageSize, Before: before})
	w.metrics.ObserveExpand(backward, time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("expand backward: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.appendOlder(page)
	more := len(page) >= w.pageSize
	if !more {
		w.reachedBeginning = true
	}
	w.metrics.SetCached(w.scope, len(w.events))
	w.logger.Debug("expanded backward",
		zap.Int("fetched", len(page)),
		zap.Int("cached", len(w.events)),
		zap.Bool("reachedBeginning", w.reachedBeginning),
	)
	return more, nil
}

func (w *Window) expandForward(ctx context.Context) (bool, error) {
	startedAt := w.clock.Now()
	w.mu.RLock()
	var after string
	if len(w.events) > 0 {
		after = w.events[0].ID
	}
	w.mu.RUnlock()

	start := time.Now()
	page, err := w.src.ListEvents(ctx, source.Query{ScopeID: w.scope, Limit: w.pageSize, After: after})
	w.metrics.ObserveExpand(forward, time.Since(start), err)
	if err != nil {
		return false, fmt.Errorf("expand forward: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastForward = startedAt
	w.prependNewer(page)
	w.metrics.SetCached(w.scope, len(w.events))
	w.logger.Debug("expanded forward",
		zap.Int("fetched", len(page)),
		zap.Int("cached", len(w.events)),
	)
	return len(page) >= w.pageSize, nil
}

// appendOlder adds a newest-first page at the old end. Callers hold mu.
func (w *Window) appendOlder(page []domain.Event) {
	oldest, hasOldest := domain.Event{}, false
	if n := len(w.events); n > 0 {
		oldest, hasOldest = w.events[n-1], true
	}
	dups := 0
	for _, e := range page {
		// a page fetched while the window was empty may overlap one committed since
		if hasOldest && !older(e, oldest) {
			continue
		}
		if _, ok := w.rel[e.ID]; ok {
			dups++
			continue
		}
		w.rel[e.ID] = w.head + len(w.events)
		w.events = append(w.events, e)
	}
	w.reportDuplicates(dups)
}

// prependNewer adds a newest-first page at the new end. Callers hold mu.
func (w *Window) prependNewer(page []domain.Event) {
	newest, hasNewest := domain.Event{}, false
	if len(w.events) > 0 {
		newest, hasNewest = w.events[0], true
	}
	fresh := make([]domain.Event, 0, len(page))
	dups := 0
	for _, e := range page {
		if hasNewest && !older(newest, e) {
			continue
		}
		if _, ok := w.rel[e.ID]; ok {
			dups++
			continue
		}
		fresh = append(fresh, e)
	}
	w.reportDuplicates(dups)
	if len(fresh) == 0 {
		return
	}

	w.head -= len(fresh)
	for i, e := range fresh {
		w.rel[e.ID] = w.head + i
	}
	events := make([]domain.Event, 0, len(fresh)+len(w.events))
	events = append(events, fresh...)
	w.events = append(events, w.events...)
}

func (w *Window) reportDuplicates(n int) {
	if n == 0 {
		return
	}
	w.metrics.IncDuplicates(n)
	w.logger.Warn("dropped duplicate events on merge; this indicates a paging bug",
		zap.Int("duplicates", n),
	)
}

// InsertLive adds a pushed event at the new end without going through the
// paged fetch path. Events that are not strictly newer than the newest
// cached event are rejected.
func (w *Window) InsertLive(e domain.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.rel[e.ID]; ok {
		w.reportDuplicates(1)
		return false
	}
	if len(w.events) > 0 && !older(w.events[0], e) {
		w.logger.Warn("rejected out-of-order live event", zap.String("id", e.ID))
		return false
	}
	w.prependNewer([]domain.Event{e})
	w.metrics.SetCached(w.scope, len(w.events))
	return true
}

// FastForward expands forward until the newest upstream event is cached
func (w *Window) FastForward(ctx context.Context) error {
	for {
		more, err := w.ExpandForward(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// FilterByTime makes sure the window covers [lo, hi] (unix ms) as far as
// upstream data exists and returns the cached events in that range, newest first.
func (w *Window) FilterByTime(ctx context.Context, lo, hi int64) ([]domain.Event, error) {
	for {
		if oldest, ok := w.Oldest(); ok && oldest.Timestamp <= lo {
			break
		}
		more, err := w.ExpandBackward(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}

	for w.LastForward().Before(time.UnixMilli(hi)) {
		more, err := w.ExpandForward(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}

	return search.FilterRange(w.Events(), negTimestamp, -float64(hi), -float64(lo)), nil
}

// FetchBefore brings anchorID into the window and returns up to limit events
// starting at the anchor and going back in time.
func (w *Window) FetchBefore(ctx context.Context, anchorID string, limit int) ([]domain.Event, error) {
	limit = max(limit, 0)
	if err := w.resolve(ctx, anchorID); err != nil {
		return nil, err
	}

	for {
		idx, _ := w.IndexOf(anchorID)
		if w.Len()-idx >= limit {
			break
		}
		more, err := w.ExpandBackward(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}

	events := w.Events()
	idx, _ := w.IndexOf(anchorID)
	return events[idx:min(idx+limit, len(events))], nil
}

// FetchRecent catches up with upstream and returns the newest limit events.
// A negative limit is treated as zero.
func (w *Window) FetchRecent(ctx context.Context, limit int) ([]domain.Event, error) {
	limit = max(limit, 0)
	if err := w.FastForward(ctx); err != nil {
		return nil, err
	}
	for w.Len() < limit {
		more, err := w.ExpandBackward(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	events := w.Events()
	return events[:min(limit, len(events))], nil
}

// FetchBetween returns the events from newestID back to oldestID inclusive
func (w *Window) FetchBetween(ctx context.Context, oldestID, newestID string) ([]domain.Event, error) {
	if err := w.resolve(ctx, oldestID); err != nil {
		return nil, err
	}
	if err := w.resolve(ctx, newestID); err != nil {
		return nil, err
	}

	events := w.Events()
	i, _ := w.IndexOf(newestID)
	j, _ := w.IndexOf(oldestID)
	if i > j {
		i, j = j, i
	}
	return events[i : j+1], nil
}

// resolve expands the window toward id until it is cached
func (w *Window) resolve(ctx context.Context, id string) error {
	if w.contains(id) {
		return nil
	}

	target, err := w.src.FetchEvent(ctx, w.scope, id)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return fmt.Errorf("resolve %s: %w", id, ErrAnchorNotFound)
		}
		return fmt.Errorf("resolve %s: %w", id, err)
	}

	if newest, ok := w.Newest(); !ok || !older(target, newest) {
		for !w.contains(id) {
			more, err := w.ExpandForward(ctx)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
	}

	if oldest, ok := w.Oldest(); ok && !older(oldest, target) {
		for !w.contains(id) {
			more, err := w.ExpandBackward(ctx)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
	}

	if !w.contains(id) {
		return fmt.Errorf("resolve %s: %w", id, ErrAnchorNotFound)
	}
	return nil
}

// older reports whether a sorts strictly before b in stream order
func older(a, b domain.Event) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

func negTimestamp(e domain.Event) float64 {
	return -float64(e.Timestamp)
}
