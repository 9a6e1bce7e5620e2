package visible

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/chanscope/internal/clock"
	"github.com/pbaille/chanscope/internal/declutter"
	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/scorer"
	"github.com/pbaille/chanscope/internal/source"
	"github.com/pbaille/chanscope/internal/viewport"
	"github.com/pbaille/chanscope/internal/window"
)

// fakeViewport places events at fixed positions; events are newest first
type fakeViewport struct {
	events []domain.Event
	pos    map[string]float64
}

func (f *fakeViewport) VisibleEvents() []domain.Event { return f.events }

func (f *fakeViewport) Position(e domain.Event) (float64, bool) {
	y, ok := f.pos[e.ID]
	return y, ok
}

type placed struct {
	id     string
	author string
	y      float64
	score  float64
}

func setup(items ...placed) (*fakeViewport, scorer.Scorer) {
	vp := &fakeViewport{pos: make(map[string]float64)}
	scores := make(map[string]domain.Score)
	// newest first means descending y
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		vp.events = append(vp.events, domain.Event{ID: it.id, AuthorID: it.author})
		vp.pos[it.id] = it.y
		scores[it.id] = domain.Score{Value: it.score}
	}
	sc := scorer.Func(func(ctx context.Context, events []domain.Event) (map[string]domain.Score, error) {
		return scores, nil
	})
	return vp, sc
}

func reps(clusters []declutter.Cluster) []string {
	out := make([]string, len(clusters))
	for i, e := range declutter.Representatives(clusters) {
		out[i] = e.ID
	}
	return out
}

func TestClusters(t *testing.T) {
	vp, sc := setup(
		placed{"a", "u1", 100, 0.1},
		placed{"b", "u2", 104, 0.7},
		placed{"c", "u3", 108, 0.3},
		placed{"d", "u1", 300, 0.2},
	)
	s := New(vp, sc, Config{ItemHeight: 20})

	clusters, err := s.Clusters(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, []string{"b", "d"}, reps(clusters))
	assert.Len(t, clusters[0].Members, 3)
	assert.Equal(t, "a", clusters[0].Members[0].Event.ID, "members are top to bottom")
}

func TestFocusedLowerScoreWins(t *testing.T) {
	vp, sc := setup(
		placed{"calm", "focus", 100, 0.90},
		placed{"loud", "other", 102, 0.95},
	)
	s := New(vp, sc, Config{ItemHeight: 20})
	ctx := context.Background()

	clusters, err := s.Clusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"loud"}, reps(clusters))

	s.SetFocus("focus")
	clusters, err = s.Clusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"calm"}, reps(clusters))
}

func TestCustomPriority(t *testing.T) {
	vp, sc := setup(
		placed{"first", "u1", 100, 0.1},
		placed{"second", "u2", 101, 0.9},
	)
	s := New(vp, sc, Config{ItemHeight: 20, Priority: declutter.FocusOnly})

	clusters, err := s.Clusters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, reps(clusters))
}

func TestHit(t *testing.T) {
	vp, sc := setup(
		placed{"a", "u1", 100, 0.10},
		placed{"b", "u2", 103, 0.12},
		placed{"c", "u3", 400, 0.10},
	)
	s := New(vp, sc, Config{})
	assert.Nil(t, s.Hit(0.1, 100, 5), "no hits before the first Clusters call")

	_, err := s.Clusters(context.Background())
	require.NoError(t, err)

	hits := s.Hit(0.1, 101, 5)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Event.ID)
	assert.Equal(t, "b", hits[1].Event.ID)

	assert.Empty(t, s.Hit(0.9, 101, 5))

	author, ok := s.FocusAt(0.1, 399, 3)
	require.True(t, ok)
	assert.Equal(t, "u3", author)
	assert.Equal(t, "u3", s.Focus())
}

func TestScorerFailure(t *testing.T) {
	vp, _ := setup(placed{"a", "u1", 100, 0.1})
	boom := errors.New("scorer down")
	sc := scorer.Func(func(context.Context, []domain.Event) (map[string]domain.Score, error) {
		return nil, boom
	})

	_, err := New(vp, sc, Config{}).Clusters(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestClustersOverViewport(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := make([]domain.Event, 50)
	for i := range events {
		events[i] = domain.Event{
			ID:        fmt.Sprintf("e%02d", i),
			Timestamp: now.UnixMilli() - int64(50-i)*1000,
			AuthorID:  fmt.Sprintf("u%d", i%2),
			ScopeID:   "general",
		}
	}
	clk := clock.NewFake(now)
	win := window.New("general", source.NewMemory(events...), window.Config{Clock: clk})
	ctl := viewport.New(win, viewport.Config{Height: 600, Mode: viewport.ModeDiscrete, Clock: clk})
	require.NoError(t, ctl.Start(context.Background()))

	backend := scorer.Func(func(ctx context.Context, evs []domain.Event) (map[string]domain.Score, error) {
		out := make(map[string]domain.Score, len(evs))
		for _, e := range evs {
			out[e.ID] = domain.Score{Value: 0.5}
		}
		return out, nil
	})
	cache := scorer.NewCache(backend)

	// items as tall as the step overlap only by touching, so nothing merges
	s := New(ctl, cache, Config{ItemHeight: viewport.DefaultStep})
	clusters, err := s.Clusters(context.Background())
	require.NoError(t, err)
	assert.Len(t, clusters, len(ctl.VisibleEvents()))
	assert.Equal(t, len(ctl.VisibleEvents()), cache.Len())

	// doubled height makes neighbours overlap by half, which is above the threshold
	s = New(ctl, cache, Config{ItemHeight: 2 * viewport.DefaultStep})
	clusters, err = s.Clusters(context.Background())
	require.NoError(t, err)
	assert.Less(t, len(clusters), len(ctl.VisibleEvents()))
}
