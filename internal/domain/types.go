package domain

import "time"

// Event represents a single timestamped message in a scope
type Event struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	AuthorID  string `json:"author_id"`
	ScopeID   string `json:"scope_id"`
	Content   string `json:"content"`
}

// Time returns the event timestamp as a time.Time
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Score is the result of scoring one event: either a value in [0,1] or an error
type Score struct {
	Value float64 `json:"value"`
	Error string  `json:"error,omitempty"`
}

// OK reports whether the score carries a value
func (s Score) OK() bool {
	return s.Error == ""
}

// ScoreOf returns the score value, or 0 when the score is missing or failed
func ScoreOf(scores map[string]Score, id string) float64 {
	s, ok := scores[id]
	if !ok || !s.OK() {
		return 0
	}
	return s.Value
}
