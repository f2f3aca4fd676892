// Package generation implements the generation service client: an
// OpenAI-compatible chat-completions client addressing a fast model or a
// deep-reasoning model depending on the tier decision.
package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/solacehealth/solace/pkg/models"
)

// ErrUnavailable wraps every transport-level generation failure so
// callers can distinguish "the model service is down" from their own
// errors with errors.Is.
var ErrUnavailable = errors.New("generation service unavailable")

// Config is the explicit configuration injected at construction time.
type Config struct {
	Endpoint  string
	APIKey    string
	FastModel string
	DeepModel string
	MaxTokens int
	Timeout   time.Duration
}

// Client calls an OpenAI-compatible chat completions endpoint.
// Transient failures (transport errors, 429, 5xx) are retried with
// exponential backoff inside the request deadline; 4xx responses are
// not retried.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient builds a generation client with defaults for zero-valued
// config fields.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.FastModel == "" {
		cfg.FastModel = "gpt-4o-mini"
	}
	if cfg.DeepModel == "" {
		cfg.DeepModel = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) model(tier models.TierDecision) string {
	if tier == models.TierDeep {
		return c.cfg.DeepModel
	}
	return c.cfg.FastModel
}

type chatRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
	Stream    bool                 `json:"stream,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Generate runs a blocking completion for the transcript on the tier's
// model.
func (c *Client) Generate(ctx context.Context, messages []models.ChatMessage, tier models.TierDecision) (*models.GenerationResult, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key not configured", ErrUnavailable)
	}

	model := c.model(tier)
	body, _ := json.Marshal(chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	})

	var chatResp chatResponse
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		httpResp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(httpResp.Body)
			err := fmt.Errorf("status %d: %s", httpResp.StatusCode, string(respBody))
			if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}

		chatResp = chatResponse{}
		if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(c.cfg.Timeout),
	), ctx)
	if err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Str("model", model).Msg("Generation call failed, retrying")
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices", ErrUnavailable)
	}

	text, analysis := extractAnalysis(chatResp.Choices[0].Message.Content)
	return &models.GenerationResult{
		Text:     text,
		Analysis: analysis,
		Usage: models.TokenUsage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:  chatResp.Usage.TotalTokens,
		},
	}, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// GenerateStream runs a streaming completion, forwarding text deltas on
// the channel as they arrive. The channel is closed when the stream
// ends. If ctx is cancelled after some text has arrived, the accumulated
// partial text is returned with Partial=true and a nil error so the
// caller can still gate and persist it.
func (c *Client) GenerateStream(ctx context.Context, messages []models.ChatMessage, tier models.TierDecision, deltas chan<- string) (*models.GenerationResult, error) {
	defer close(deltas)

	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key not configured", ErrUnavailable)
	}

	model := c.model(tier)
	body, _ := json.Marshal(chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
		Stream:    true,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, httpResp.StatusCode, string(respBody))
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		select {
		case deltas <- delta:
		case <-ctx.Done():
		}
	}

	if err := scanner.Err(); err != nil || ctx.Err() != nil {
		// The caller aborted (or the stream broke) mid-generation.
		// Whatever text accumulated is still handed back for gating
		// and persistence, never dropped.
		if sb.Len() > 0 {
			log.Warn().AnErr("stream_err", err).AnErr("ctx_err", ctx.Err()).
				Int("partial_len", sb.Len()).Msg("Stream interrupted, returning partial text")
			text, analysis := extractAnalysis(sb.String())
			return &models.GenerationResult{Text: text, Analysis: analysis, Partial: true}, nil
		}
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: stream: %v", ErrUnavailable, err)
	}

	text, analysis := extractAnalysis(sb.String())
	return &models.GenerationResult{Text: text, Analysis: analysis}, nil
}

// ── Structured analysis extraction ──────────────────────────

const analysisFence = "```json"

// extractAnalysis splits a reply into its user-visible text and the
// optional structured-analysis JSON block the deep model appends inside
// a fenced code block. Replies without a parseable block pass through
// untouched.
func extractAnalysis(raw string) (string, *models.PartialAnalysis) {
	start := strings.LastIndex(raw, analysisFence)
	if start < 0 {
		return strings.TrimSpace(raw), nil
	}
	rest := raw[start+len(analysisFence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(raw), nil
	}

	var analysis models.PartialAnalysis
	if err := json.Unmarshal([]byte(rest[:end]), &analysis); err != nil {
		return strings.TrimSpace(raw), nil
	}

	text := raw[:start] + rest[end+3:]
	return strings.TrimSpace(text), &analysis
}
