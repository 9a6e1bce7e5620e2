package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/clock"
	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/metrics"
	"github.com/pbaille/chanscope/internal/push"
	"github.com/pbaille/chanscope/internal/scorer"
	"github.com/pbaille/chanscope/internal/source"
	"github.com/pbaille/chanscope/internal/store"
	"github.com/pbaille/chanscope/internal/window"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv     *httptest.Server
	store   *store.Store
	hub     *push.Hub
	scored  atomic.Int64
	metrics *metrics.Collector
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, st.SaveEvent(ctx, domain.Event{
			ID:        fmt.Sprintf("e%03d", i),
			Timestamp: now.UnixMilli() - int64(n-i)*1000,
			AuthorID:  fmt.Sprintf("u%d", i%3),
			ScopeID:   "general",
			Content:   fmt.Sprintf("<p>message %d</p>", i),
		}))
	}

	f := &fixture{store: st, hub: push.NewHub(zap.NewNop()), metrics: metrics.New("chanscope")}
	backend := scorer.Func(func(ctx context.Context, events []domain.Event) (map[string]domain.Score, error) {
		f.scored.Add(int64(len(events)))
		out := make(map[string]domain.Score, len(events))
		for _, e := range events {
			out[e.ID] = domain.Score{Value: 0.5}
		}
		return out, nil
	})

	server := New(st, f.hub, Config{
		Scorer:  backend,
		Metrics: f.metrics,
		Logger:  zap.NewNop(),
		Clock:   clock.NewFake(now),
	})
	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)
	status, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestCORS(t *testing.T) {
	f := newFixture(t, 0)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/scopes/general/events", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t, 10)

	tests := []struct {
		name   string
		path   string
		status int
		want   []string
	}{
		{"latest", "/scopes/general/events?limit=3", http.StatusOK, []string{"e009", "e008", "e007"}},
		{"before", "/scopes/general/events?limit=2&before=e005", http.StatusOK, []string{"e004", "e003"}},
		{"after", "/scopes/general/events?limit=2&after=e005", http.StatusOK, []string{"e007", "e006"}},
		{"default limit", "/scopes/general/events", http.StatusOK, nil},
		{"bad limit", "/scopes/general/events?limit=zero", http.StatusBadRequest, nil},
		{"both anchors", "/scopes/general/events?before=e001&after=e002", http.StatusBadRequest, nil},
		{"unknown anchor", "/scopes/general/events?before=nope", http.StatusNotFound, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodGet, tt.path, nil)
			require.Equal(t, tt.status, status, string(body))
			if tt.status != http.StatusOK {
				return
			}
			var resp ListEventsResponse
			require.NoError(t, json.Unmarshal(body, &resp))
			if tt.want == nil {
				assert.Len(t, resp.Events, 10)
				assert.Equal(t, DefaultLimit, resp.Limit)
				return
			}
			got := make([]string, len(resp.Events))
			for i, e := range resp.Events {
				got[i] = e.ID
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEvent(t *testing.T) {
	f := newFixture(t, 3)

	status, body := f.do(t, http.MethodGet, "/scopes/general/events/e001", nil)
	require.Equal(t, http.StatusOK, status)
	var e domain.Event
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "u1", e.AuthorID)

	status, _ = f.do(t, http.MethodGet, "/scopes/other/events/e001", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAddEventPublishes(t *testing.T) {
	f := newFixture(t, 0)

	got := make(chan domain.Event, 1)
	sub, err := f.hub.Subscribe(context.Background(), "general", func(e domain.Event) { got <- e })
	require.NoError(t, err)
	defer sub.Close()

	status, body := f.do(t, http.MethodPost, "/scopes/general/events", AddEventRequest{AuthorID: "u1", Content: "hi"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var created domain.Event
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, now.UnixMilli(), created.Timestamp)
	assert.Equal(t, "general", created.ScopeID)

	select {
	case e := <-got:
		assert.Equal(t, created, e)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not published")
	}

	stored, err := f.store.FetchEvent(context.Background(), "general", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, stored)
}

func TestAddEventValidation(t *testing.T) {
	f := newFixture(t, 0)

	status, body := f.do(t, http.MethodPost, "/scopes/general/events", AddEventRequest{Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "authorid is required")

	status, _ = f.do(t, http.MethodPost, "/scopes/general/events", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAnalyzeUsesScoreTable(t *testing.T) {
	f := newFixture(t, 5)
	req := scorer.AnalyzeRequest{Items: []scorer.AnalyzeItem{
		{ScopeID: "general", EventID: "e000"},
		{ScopeID: "general", EventID: "e001"},
		{ScopeID: "general", EventID: "missing"},
	}}

	status, body := f.do(t, http.MethodPost, "/analyze", req)
	require.Equal(t, http.StatusOK, status, string(body))
	var resp scorer.AnalyzeResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.InDelta(t, 0.5, resp.Scores["e000"].Value, 1e-9)
	assert.True(t, resp.Scores["e001"].OK())
	assert.Equal(t, "event not found", resp.Scores["missing"].Error)
	assert.EqualValues(t, 2, f.scored.Load())

	status, _ = f.do(t, http.MethodPost, "/analyze", req)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, f.scored.Load(), "stored scores are not recomputed")
}

func TestAnalyzeValidation(t *testing.T) {
	f := newFixture(t, 0)

	status, _ := f.do(t, http.MethodPost, "/analyze", scorer.AnalyzeRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	tooMany := scorer.AnalyzeRequest{Items: make([]scorer.AnalyzeItem, 101)}
	for i := range tooMany.Items {
		tooMany.Items[i] = scorer.AnalyzeItem{ScopeID: "general", EventID: fmt.Sprint(i)}
	}
	status, _ = f.do(t, http.MethodPost, "/analyze", tooMany)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/analyze", scorer.AnalyzeRequest{Items: []scorer.AnalyzeItem{{ScopeID: "general"}}})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 1)
	f.do(t, http.MethodGet, "/scopes/general/events", nil)

	status, body := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(string(body), `route="/scopes/{scope}/events"`), string(body))
}

// TestClientAdapters drives the server through the client-side adapters
func TestClientAdapters(t *testing.T) {
	f := newFixture(t, 120)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	win := window.New("general", source.NewHTTP(f.srv.URL), window.Config{PageSize: 50})
	recent, err := win.FetchRecent(ctx, 60)
	require.NoError(t, err)
	require.Len(t, recent, 60)
	assert.Equal(t, "e119", recent[0].ID)

	before, err := win.FetchBefore(ctx, "e010", 20)
	require.NoError(t, err)
	assert.Len(t, before, 11, "the anchor and everything older")
	assert.True(t, win.ReachedBeginning())

	cache := scorer.NewCache(scorer.NewRemote(f.srv.URL, nil))
	scores, err := cache.Score(ctx, recent)
	require.NoError(t, err)
	assert.Len(t, scores, 60)
	assert.InDelta(t, 0.5, domain.ScoreOf(scores, "e100"), 1e-9)

	got := make(chan domain.Event, 1)
	sub, err := push.NewDialer(f.srv.URL, zap.NewNop()).Subscribe(ctx, "general", func(e domain.Event) { got <- e })
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return f.hub.Count("general") == 1 }, 2*time.Second, 5*time.Millisecond)

	status, _ := f.do(t, http.MethodPost, "/scopes/general/events", AddEventRequest{AuthorID: "u9", Content: "live"})
	require.Equal(t, http.StatusCreated, status)
	select {
	case e := <-got:
		assert.Equal(t, "live", e.Content)
		assert.True(t, win.InsertLive(e))
		newest, _ := win.Newest()
		assert.Equal(t, e.ID, newest.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}
}
