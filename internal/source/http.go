package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pbaille/chanscope/internal/domain"
)

// BreakerConfig configures the circuit breaker guarding upstream calls
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker settings used by NewHTTP
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// HTTP reads events from a chanscope API server
type HTTP struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// HTTPOption configures an HTTP source
type HTTPOption func(*httpOptions)

type httpOptions struct {
	client  *http.Client
	breaker BreakerConfig
	logger  *zap.Logger
}

// WithHTTPClient sets the underlying http.Client
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *httpOptions) { o.client = c }
}

// WithBreaker overrides the circuit breaker settings
func WithBreaker(cfg BreakerConfig) HTTPOption {
	return func(o *httpOptions) { o.breaker = cfg }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) HTTPOption {
	return func(o *httpOptions) { o.logger = l }
}

// NewHTTP creates a Source reading from the server at baseURL. Requests
// carry no timeout of their own; they end when the caller's context does.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	o := httpOptions{
		client:  &http.Client{},
		breaker: DefaultBreakerConfig(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.Named("source")
	cfg := o.breaker
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "source:" + baseURL,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// a missing event is an answer, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})

	return &HTTP{
		baseURL: baseURL,
		client:  o.client,
		breaker: breaker,
		logger:  logger,
	}
}

type listResponse struct {
	Events []domain.Event `json:"events"`
}

// ListEvents implements Source
func (h *HTTP) ListEvents(ctx context.Context, q Query) ([]domain.Event, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Before != "" {
		params.Set("before", q.Before)
	}
	if q.After != "" {
		params.Set("after", q.After)
	}
	endpoint := fmt.Sprintf("%s/scopes/%s/events?%s", h.baseURL, url.PathEscape(q.ScopeID), params.Encode())

	var resp listResponse
	if err := h.get(ctx, endpoint, &resp); err != nil {
		return nil, fmt.Errorf("list events in %s: %w", q.ScopeID, err)
	}
	return resp.Events, nil
}

// FetchEvent implements Source
func (h *HTTP) FetchEvent(ctx context.Context, scopeID, eventID string) (domain.Event, error) {
	endpoint := fmt.Sprintf("%s/scopes/%s/events/%s", h.baseURL, url.PathEscape(scopeID), url.PathEscape(eventID))

	var e domain.Event
	if err := h.get(ctx, endpoint, &e); err != nil {
		return domain.Event{}, fmt.Errorf("fetch event %s: %w", eventID, err)
	}
	return e, nil
}

func (h *HTTP) get(ctx context.Context, endpoint string, out any) error {
	_, err := h.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
		}

		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		h.logger.Warn("upstream unavailable", zap.String("url", endpoint), zap.Error(err))
	}
	return err
}
