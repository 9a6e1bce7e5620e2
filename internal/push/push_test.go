package push

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/domain"
)

func event(scope string, i int) domain.Event {
	return domain.Event{ID: fmt.Sprintf("%s-%d", scope, i), Timestamp: int64(i), ScopeID: scope}
}

func collect(ch <-chan domain.Event, n int, t *testing.T) []string {
	t.Helper()
	var got []string
	for len(got) < n {
		select {
		case e := <-ch:
			got = append(got, e.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestHubDeliversInOrderPerScope(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx := context.Background()

	general := make(chan domain.Event, 10)
	sub, err := hub.Subscribe(ctx, "general", func(e domain.Event) { general <- e })
	require.NoError(t, err)
	defer sub.Close()

	other := make(chan domain.Event, 10)
	sub2, err := hub.Subscribe(ctx, "other", func(e domain.Event) { other <- e })
	require.NoError(t, err)
	defer sub2.Close()

	for i := 0; i < 3; i++ {
		hub.Publish(event("general", i))
	}
	hub.Publish(event("other", 9))

	assert.Equal(t, []string{"general-0", "general-1", "general-2"}, collect(general, 3, t))
	assert.Equal(t, []string{"other-9"}, collect(other, 1, t))
}

func TestHubCloseStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	got := make(chan domain.Event, 10)
	sub, err := hub.Subscribe(context.Background(), "general", func(e domain.Event) { got <- e })
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Count("general"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, hub.Count("general"))

	hub.Publish(event("general", 1))
	select {
	case e := <-got:
		t.Fatalf("unexpected delivery of %s", e.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubContextCancelUnsubscribes(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := hub.Subscribe(ctx, "general", func(domain.Event) {})
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool { return hub.Count("general") == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebsocketRoundTrip(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	server := NewServer(hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/scopes/{scope}/live", func(w http.ResponseWriter, r *http.Request) {
		server.Serve(w, r, r.PathValue("scope"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.Event, 10)
	sub, err := NewDialer(srv.URL, logger).Subscribe(ctx, "general", func(e domain.Event) { got <- e })
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return hub.Count("general") == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(event("other", 0))
	hub.Publish(event("general", 1))
	hub.Publish(event("general", 2))

	assert.Equal(t, []string{"general-1", "general-2"}, collect(got, 2, t))

	require.NoError(t, sub.Close())
	assert.Eventually(t, func() bool { return hub.Count("general") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(nil)
	release := make(chan struct{})
	sub, err := hub.Subscribe(context.Background(), "general", func(domain.Event) { <-release })
	require.NoError(t, err)
	defer close(release)

	// one event blocks the handler, the rest fill the buffer and overflow it
	for i := 0; i < sendBufferSize+2; i++ {
		hub.Publish(event("general", i))
	}

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dropped subscription did not report it")
	}
	assert.Eventually(t, func() bool { return hub.Count("general") == 0 }, time.Second, 5*time.Millisecond)
}

func TestDialerReportsLostConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	sub, err := NewDialer(srv.URL, zap.NewNop()).Subscribe(context.Background(), "general", func(domain.Event) {})
	require.NoError(t, err)

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lost connection did not end the subscription")
	}
}
