package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pbaille/chanscope/internal/domain"
)

// DefaultPerspectiveURL is the Perspective comment analyzer endpoint
const DefaultPerspectiveURL = "https://commentanalyzer.googleapis.com/v1alpha1/comments:analyze"

// PerspectiveConfig configures the Perspective backend
type PerspectiveConfig struct {
	APIKey    string
	Endpoint  string
	Attribute string  // defaults to TOXICITY
	QPS       float64 // requests per second, defaults to 1
	Client    *http.Client
	Logger    *zap.Logger
}

// Perspective scores events one request at a time against the Perspective API
type Perspective struct {
	apiKey    string
	endpoint  string
	attribute string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewPerspective creates a Perspective scorer
func NewPerspective(cfg PerspectiveConfig) (*Perspective, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("perspective API key not set")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultPerspectiveURL
	}
	if cfg.Attribute == "" {
		cfg.Attribute = "TOXICITY"
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 1
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Perspective{
		apiKey:    cfg.APIKey,
		endpoint:  cfg.Endpoint,
		attribute: cfg.Attribute,
		client:    cfg.Client,
		limiter:   rate.NewLimiter(rate.Limit(cfg.QPS), 1),
		logger:    cfg.Logger.Named("perspective"),
	}, nil
}

type perspectiveRequest struct {
	Comment struct {
		Text string `json:"text"`
	} `json:"comment"`
	RequestedAttributes map[string]struct{} `json:"requestedAttributes"`
	DoNotStore          bool                `json:"doNotStore"`
}

type perspectiveResponse struct {
	AttributeScores map[string]struct {
		SummaryScore struct {
			Value float64 `json:"value"`
		} `json:"summaryScore"`
	} `json:"attributeScores"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Score implements Scorer. Failures of single events are returned in their
// Score; only ctx cancellation fails the whole call.
func (p *Perspective) Score(ctx context.Context, events []domain.Event) (map[string]domain.Score, error) {
	out := make(map[string]domain.Score, len(events))
	for _, e := range events {
		text := PlainText(e.Content)
		if text == "" {
			out[e.ID] = domain.Score{Value: 0}
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
		v, err := p.analyze(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("analyze failed", zap.String("eventID", e.ID), zap.Error(err))
			out[e.ID] = domain.Score{Error: err.Error()}
			continue
		}
		out[e.ID] = domain.Score{Value: v}
	}
	return out, nil
}

func (p *Perspective) analyze(ctx context.Context, text string) (float64, error) {
	var reqBody perspectiveRequest
	reqBody.Comment.Text = text
	reqBody.RequestedAttributes = map[string]struct{}{p.attribute: {}}
	reqBody.DoNotStore = true

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := p.endpoint + "?key=" + url.QueryEscape(p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	var apiResp perspectiveResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
		}
		return 0, fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return 0, fmt.Errorf("api error: %s", apiResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	attr, ok := apiResp.AttributeScores[p.attribute]
	if !ok {
		return 0, fmt.Errorf("response has no %s score", p.attribute)
	}
	return attr.SummaryScore.Value, nil
}
