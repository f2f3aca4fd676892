package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solacehealth/solace/pkg/models"
)

// ModerationConfig is the explicit configuration for the moderation
// client, injected at construction time. The core never reads the
// environment itself.
type ModerationConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// ModerationClient calls an OpenAI-compatible moderation endpoint. It
// implements contracts.ModerationService and surfaces every failure as
// an error; the fail-open translation happens in RemoteClassifier.
type ModerationClient struct {
	cfg    ModerationConfig
	client *http.Client
}

// NewModerationClient builds a moderation client. Zero-value config
// fields get the usual defaults.
func NewModerationClient(cfg ModerationConfig) *ModerationClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "omni-moderation-latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ModerationClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type moderationRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// Moderate sends text to the moderation model. The kind is not part of
// the wire protocol; it only differentiates logging and metrics upstream.
func (c *ModerationClient) Moderate(ctx context.Context, text string, _ models.ContentKind) (*models.ModerationResult, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("moderation: api key not configured")
	}

	body, _ := json.Marshal(moderationRequest{Model: c.cfg.Model, Input: text})

	url := c.cfg.Endpoint + "/moderations"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("moderation: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("moderation: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("moderation: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var modResp moderationResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&modResp); err != nil {
		return nil, fmt.Errorf("moderation: decode response: %w", err)
	}
	if len(modResp.Results) == 0 {
		return nil, fmt.Errorf("moderation: empty results")
	}

	return &models.ModerationResult{
		Flagged:    modResp.Results[0].Flagged,
		Categories: modResp.Results[0].CategoryScores,
	}, nil
}
