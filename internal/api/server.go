// Package api serves the upstream event API: paged event queries, point
// lookups, event ingestion, batched scoring and live push.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/clock"
	"github.com/pbaille/chanscope/internal/domain"
	"github.com/pbaille/chanscope/internal/metrics"
	"github.com/pbaille/chanscope/internal/push"
	"github.com/pbaille/chanscope/internal/scorer"
	"github.com/pbaille/chanscope/internal/source"
	"github.com/pbaille/chanscope/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Config configures a Server; zero values get defaults
type Config struct {
	Addr    string
	Scorer  scorer.Scorer // optional; without it /analyze answers from stored scores only
	Metrics *metrics.Collector
	Logger  *zap.Logger
	Clock   clock.Clock
}

// Server handles HTTP requests for the event API
type Server struct {
	store   *store.Store
	hub     *push.Hub
	ws      *push.Server
	scorer  scorer.Scorer
	metrics *metrics.Collector
	logger  *zap.Logger
	clock   clock.Clock
	addr    string
}

// New creates a new API server over s, publishing new events to hub
func New(s *store.Store, hub *push.Hub, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	logger := cfg.Logger.Named("api")
	return &Server{
		store:   s,
		hub:     hub,
		ws:      push.NewServer(hub, logger),
		scorer:  cfg.Scorer,
		metrics: cfg.Metrics,
		logger:  logger,
		clock:   cfg.Clock,
		addr:    cfg.Addr,
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/scopes/{scope}", func(r chi.Router) {
		r.Get("/events", s.listEvents)
		r.Post("/events", s.addEvent)
		r.Get("/events/{id}", s.getEvent)
		r.Get("/live", s.live)
	})
	r.Post("/analyze", s.analyze)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// observe logs every request and records it by route pattern
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), elapsed)
		s.logger.Debug("HTTP Request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", elapsed),
			zap.String("requestID", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListEventsResponse is the reply to GET /scopes/{scope}/events
type ListEventsResponse struct {
	Events []domain.Event `json:"events"`
	Limit  int            `json:"limit"`
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := source.Query{
		ScopeID: chi.URLParam(r, "scope"),
		Limit:   DefaultLimit,
		Before:  r.URL.Query().Get("before"),
		After:   r.URL.Query().Get("after"),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = min(n, MaxLimit)
	}
	if q.Before != "" && q.After != "" {
		writeError(w, http.StatusBadRequest, "before and after are mutually exclusive")
		return
	}

	events, err := s.store.ListEvents(r.Context(), q)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "anchor event not found")
		return
	}
	if err != nil {
		s.logger.Error("list events failed", zap.String("scope", q.ScopeID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ListEventsResponse{Events: events, Limit: q.Limit})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.FetchEvent(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// AddEventRequest is the request body for posting an event
type AddEventRequest struct {
	AuthorID  string `json:"author_id" validate:"required"`
	Content   string `json:"content" validate:"required,max=10000"`
	Timestamp int64  `json:"timestamp,omitempty" validate:"gte=0"` // unix ms, defaults to now
}

func (s *Server) addEvent(w http.ResponseWriter, r *http.Request) {
	var req AddEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ts := s.clock.Now()
	if req.Timestamp > 0 {
		ts = time.UnixMilli(req.Timestamp)
	}
	e, err := s.store.AddEvent(r.Context(), chi.URLParam(r, "scope"), req.AuthorID, req.Content, ts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hub.Publish(e)

	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	s.ws.Serve(w, r, chi.URLParam(r, "scope"))
}

// analyze answers from the score table and scores the rest through the
// configured scorer. Per-item failures are reported in the item's score.
func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req scorer.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	ids := make([]string, len(req.Items))
	for i, it := range req.Items {
		ids[i] = it.EventID
	}
	scores, err := s.store.GetScores(ctx, ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var pending []domain.Event
	for _, it := range req.Items {
		if _, ok := scores[it.EventID]; ok {
			continue
		}
		e, err := s.store.FetchEvent(ctx, it.ScopeID, it.EventID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			scores[it.EventID] = domain.Score{Error: "event not found"}
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		default:
			pending = append(pending, e)
		}
	}

	if len(pending) > 0 {
		fresh := s.scorePending(ctx, pending)
		if err := s.store.SaveScores(ctx, fresh); err != nil {
			s.logger.Warn("saving scores failed", zap.Error(err))
		}
		for id, sc := range fresh {
			scores[id] = sc
		}
	}

	writeJSON(w, http.StatusOK, scorer.AnalyzeResponse{Scores: scores})
}

func (s *Server) scorePending(ctx context.Context, events []domain.Event) map[string]domain.Score {
	out := make(map[string]domain.Score, len(events))
	fail := func(msg string) map[string]domain.Score {
		for _, e := range events {
			out[e.ID] = domain.Score{Error: msg}
		}
		return out
	}

	if s.scorer == nil {
		return fail("no scorer configured")
	}
	got, err := s.scorer.Score(ctx, events)
	if err != nil {
		s.logger.Warn("scoring failed", zap.Int("events", len(events)), zap.Error(err))
		return fail(err.Error())
	}
	for _, e := range events {
		sc, ok := got[e.ID]
		if !ok {
			sc = domain.Score{Error: "no score returned"}
		}
		out[e.ID] = sc
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
