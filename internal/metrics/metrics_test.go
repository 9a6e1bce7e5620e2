package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := New("chanscope_test")

	c.ObserveExpand("backward", 10*time.Millisecond, nil)
	c.ObserveExpand("backward", 10*time.Millisecond, errors.New("boom"))
	c.SetCached("general", 42)
	c.IncDuplicates(2)
	c.ObserveScoreLookup(3, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Expansions.WithLabelValues("backward", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Expansions.WithLabelValues("backward", "error")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.CachedEvents.WithLabelValues("general")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Duplicates))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ScoreHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ScoreMisses))

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "chanscope_test_window_expansions_total")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveExpand("forward", time.Second, nil)
		c.SetCached("x", 1)
		c.IncDuplicates(1)
		c.ObserveScoreLookup(1, 1)
		c.ObserveHTTP("GET", "/", "200", time.Second)
	})
}
