package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/source"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when an event or anchor does not exist. It is the
// same sentinel the source package uses, so callers can test either.
var ErrNotFound = source.ErrNotFound

// Store handles database operations
type Store struct {
	db *sql.DB
}

var _ source.Source = (*Store)(nil)

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// AddEvent creates a new event stamped at ts and returns it
func (s *Store) AddEvent(ctx context.Context, scopeID, authorID, content string, ts time.Time) (domain.Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Event{}, fmt.Errorf("generate id: %w", err)
	}
	e := domain.Event{
		ID:        id.String(),
		Timestamp: ts.UnixMilli(),
		AuthorID:  authorID,
		ScopeID:   scopeID,
		Content:   content,
	}
	if err := s.SaveEvent(ctx, e); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

// SaveEvent inserts an event with its own id
func (s *Store) SaveEvent(ctx context.Context, e domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, scope_id, author_id, content, timestamp) VALUES (?, ?, ?, ?, ?)",
		e.ID, e.ScopeID, e.AuthorID, e.Content, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// FetchEvent retrieves an event by scope and id
func (s *Store) FetchEvent(ctx context.Context, scopeID, eventID string) (domain.Event, error) {
	var e domain.Event
	err := s.db.QueryRowContext(ctx,
		"SELECT id, scope_id, author_id, content, timestamp FROM events WHERE scope_id = ? AND id = ?",
		scopeID, eventID,
	).Scan(&e.ID, &e.ScopeID, &e.AuthorID, &e.Content, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("get event %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// ListEvents returns one page of a scope, newest first. Events are ordered by
// timestamp, then id.
func (s *Store) ListEvents(ctx context.Context, q source.Query) ([]domain.Event, error) {
	const cols = "SELECT id, scope_id, author_id, content, timestamp FROM events "

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case q.Before != "":
		anchor, aerr := s.FetchEvent(ctx, q.ScopeID, q.Before)
		if aerr != nil {
			return nil, fmt.Errorf("list events before: %w", aerr)
		}
		rows, err = s.db.QueryContext(ctx, cols+`
			WHERE scope_id = ? AND (timestamp < ? OR (timestamp = ? AND id < ?))
			ORDER BY timestamp DESC, id DESC LIMIT ?`,
			q.ScopeID, anchor.Timestamp, anchor.Timestamp, anchor.ID, q.Limit,
		)
	case q.After != "":
		anchor, aerr := s.FetchEvent(ctx, q.ScopeID, q.After)
		if aerr != nil {
			return nil, fmt.Errorf("list events after: %w", aerr)
		}
		// the closest events to the anchor are the oldest ones after it
		rows, err = s.db.QueryContext(ctx, `SELECT * FROM (`+cols+`
			WHERE scope_id = ? AND (timestamp > ? OR (timestamp = ? AND id > ?))
			ORDER BY timestamp ASC, id ASC LIMIT ?)
			ORDER BY timestamp DESC, id DESC`,
			q.ScopeID, anchor.Timestamp, anchor.Timestamp, anchor.ID, q.Limit,
		)
	default:
		rows, err = s.db.QueryContext(ctx, cols+`
			WHERE scope_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?`,
			q.ScopeID, q.Limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.ScopeID, &e.AuthorID, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// ScopeStat summarizes one scope
type ScopeStat struct {
	ScopeID string `json:"scope_id"`
	Events  int    `json:"events"`
	Newest  int64  `json:"newest"`
}

// ListScopes returns every scope with its event count
func (s *Store) ListScopes(ctx context.Context) ([]ScopeStat, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT scope_id, COUNT(*), MAX(timestamp) FROM events GROUP BY scope_id ORDER BY scope_id",
	)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var stats []ScopeStat
	for rows.Next() {
		var st ScopeStat
		if err := rows.Scan(&st.ScopeID, &st.Events, &st.Newest); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// GetScores returns the stored scores of the given events. Events never
// scored are absent from the result.
func (s *Store) GetScores(ctx context.Context, eventIDs []string) (map[string]domain.Score, error) {
	scores := make(map[string]domain.Score, len(eventIDs))
	if len(eventIDs) == 0 {
		return scores, nil
	}

	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")

	rows, err := s.db.QueryContext(ctx,
		"SELECT event_id, value, error FROM scores WHERE event_id IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get scores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			sc domain.Score
		)
		if err := rows.Scan(&id, &sc.Value, &sc.Error); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		scores[id] = sc
	}
	return scores, rows.Err()
}

// SaveScores stores scores by event id, replacing earlier ones. Failed
// scores are not stored so a later request retries them.
func (s *Store) SaveScores(ctx context.Context, scores map[string]domain.Score) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO scores (event_id, value, error, scored_at) VALUES (?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("prepare score insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for id, sc := range scores {
		if !sc.OK() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, id, sc.Value, sc.Error, now); err != nil {
			return fmt.Errorf("insert score: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scores: %w", err)
	}
	return nil
}
