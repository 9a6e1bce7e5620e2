package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/chanscope/internal/declutter"
	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/viewport"
)

func TestParseMode(t *testing.T) {
	m, err := parseMode("time")
	require.NoError(t, err)
	assert.Equal(t, viewport.ModeContinuous, m)

	m, err = parseMode("discrete")
	require.NoError(t, err)
	assert.Equal(t, viewport.ModeDiscrete, m)

	_, err = parseMode("spiral")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	rep := declutter.Item{
		Event: domain.Event{ID: "a", AuthorID: "u1", Timestamp: ts.UnixMilli(), Content: "<p>hello <b>there</b></p>"},
		Pos:   120,
		Score: 0.8,
	}
	clusters := []declutter.Cluster{{Representative: rep, Members: []declutter.Item{rep, rep}}}

	var buf bytes.Buffer
	render(&buf, viewport.State{Mode: viewport.ModeDiscrete, Axis: viewport.Discrete{}, LiveFollow: true}, clusters)

	out := buf.String()
	assert.Contains(t, out, "-- discrete (live)")
	assert.Contains(t, out, "12:00:00")
	assert.Contains(t, out, "########..")
	assert.Contains(t, out, "hello there (+1)")
	assert.Equal(t, "a/2;", signature(clusters))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmn", 10))
}
