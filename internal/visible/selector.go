// Package visible turns the events a viewport shows into decluttered,
// scored clusters and answers pointer hit tests over them.
package visible

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/declutter"
	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/rangeindex"
	"github.com/pbaille/chanscope/internal/scorer"
)

const (
	DefaultItemHeight = 24.0
	DefaultWidth      = 100.0
)

// Viewport is the part of viewport.Controller the selector reads
type Viewport interface {
	VisibleEvents() []domain.Event
	Position(e domain.Event) (float64, bool)
}

// Priority builds the declutter comparator for a focused author
type Priority func(focusAuthor string) declutter.Compare

// Config configures a Selector; zero values get defaults
type Config struct {
	ItemHeight float64
	Width      float64 // pixels spanned by scores 0..1 for hit testing
	Threshold  float64
	Priority   Priority
	Logger     *zap.Logger
}

// Selector computes clusters over the visible events of one viewport
type Selector struct {
	vp         Viewport
	scorer     scorer.Scorer
	itemHeight float64
	width      float64
	threshold  float64
	priority   Priority
	logger     *zap.Logger

	mu    sync.Mutex
	focus string
	items []declutter.Item
	index *rangeindex.Tree[declutter.Item]
}

// New creates a selector reading from vp and scoring through sc
func New(vp Viewport, sc scorer.Scorer, cfg Config) *Selector {
	if cfg.ItemHeight <= 0 {
		cfg.ItemHeight = DefaultItemHeight
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = declutter.DefaultThreshold
	}
	if cfg.Priority == nil {
		cfg.Priority = declutter.FocusThenScore
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Selector{
		vp:         vp,
		scorer:     sc,
		itemHeight: cfg.ItemHeight,
		width:      cfg.Width,
		threshold:  cfg.Threshold,
		priority:   cfg.Priority,
		logger:     cfg.Logger.Named("visible"),
	}
}

// SetFocus sets the author whose items win declutter ties; "" clears it
func (s *Selector) SetFocus(authorID string) {
	s.mu.Lock()
	s.focus = authorID
	s.mu.Unlock()
}

// Focus returns the focused author
func (s *Selector) Focus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// Clusters scores the visible events and declutters them. The result is
// ordered top to bottom. It is recomputed from scratch on every call.
func (s *Selector) Clusters(ctx context.Context) ([]declutter.Cluster, error) {
	events := s.vp.VisibleEvents()
	scores, err := s.scorer.Score(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("score visible events: %w", err)
	}

	// visible events come newest first, which is bottom to top
	items := make([]declutter.Item, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		y, ok := s.vp.Position(e)
		if !ok {
			continue
		}
		items = append(items, declutter.Item{
			Event:  e,
			Pos:    y,
			Height: s.itemHeight,
			Score:  domain.ScoreOf(scores, e.ID),
		})
	}

	s.mu.Lock()
	cmp := s.priority(s.focus)
	s.mu.Unlock()

	clusters := declutter.Aggregate(items, cmp, s.threshold)

	points := make([]rangeindex.Point[declutter.Item], len(items))
	for i, it := range items {
		points[i] = rangeindex.Point[declutter.Item]{X: it.Score * s.width, Y: it.Pos, Value: it}
	}
	index := rangeindex.Build(points, rangeindex.WithSortedY())

	s.mu.Lock()
	s.items = items
	s.index = index
	s.mu.Unlock()

	s.logger.Debug("declutter",
		zap.Int("items", len(items)),
		zap.Int("clusters", len(clusters)),
	)
	return clusters, nil
}

// Hit returns the items of the last Clusters call within radius pixels of
// the point (score, y), nearest first. Scores are scaled by the configured
// width so both axes are in pixels.
func (s *Selector) Hit(score, y, radius float64) []declutter.Item {
	s.mu.Lock()
	index := s.index
	s.mu.Unlock()
	if index == nil {
		return nil
	}

	x := score * s.width
	points := index.Query(x-radius, x+radius, y-radius, y+radius)
	hits := make([]declutter.Item, 0, len(points))
	dist := make(map[string]float64, len(points))
	for _, p := range points {
		d := math.Hypot(p.X-x, p.Y-y)
		if d > radius {
			continue
		}
		hits = append(hits, p.Value)
		dist[p.Value.Event.ID] = d
	}
	slices.SortStableFunc(hits, func(a, b declutter.Item) int {
		switch da, db := dist[a.Event.ID], dist[b.Event.ID]; {
		case da < db:
			return -1
		case da > db:
			return 1
		default:
			return 0
		}
	})
	return hits
}

// FocusAt focuses the author of the nearest item under the pointer and
// reports whether one was hit
func (s *Selector) FocusAt(score, y, radius float64) (string, bool) {
	hits := s.Hit(score, y, radius)
	if len(hits) == 0 {
		return "", false
	}
	author := hits[0].Event.AuthorID
	s.SetFocus(author)
	return author, true
}
