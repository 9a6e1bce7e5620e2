package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pbaille/chanscope/internal/domain"
)

// AnalyzeItem identifies one event in an /analyze request
type AnalyzeItem struct {
	ScopeID string `json:"scope_id" validate:"required"`
	EventID string `json:"event_id" validate:"required"`
}

// AnalyzeRequest is the body of POST /analyze
type AnalyzeRequest struct {
	Items []AnalyzeItem `json:"items" validate:"required,min=1,max=100,dive"`
}

// AnalyzeResponse is the reply to POST /analyze
type AnalyzeResponse struct {
	Scores map[string]domain.Score `json:"scores"`
}

// Remote scores events through a chanscope API server
type Remote struct {
	endpoint string
	client   *http.Client
}

// NewRemote creates a Remote scorer for the server at baseURL
func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Remote{endpoint: baseURL + "/analyze", client: client}
}

// Score implements Scorer
func (r *Remote) Score(ctx context.Context, events []domain.Event) (map[string]domain.Score, error) {
	if len(events) == 0 {
		return map[string]domain.Score{}, nil
	}
	reqBody := AnalyzeRequest{Items: make([]AnalyzeItem, len(events))}
	for i, e := range events {
		reqBody.Items[i] = AnalyzeItem{ScopeID: e.ScopeID, EventID: e.ID}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	var out AnalyzeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return out.Scores, nil
}
