// Package openai implements the ai.Provider interface against an
// OpenAI-compatible chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mathewab/actual-assist-sub002/pkg/ai"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

// Config configures the client.
type Config struct {
	// BaseURL lets self-hosted OpenAI-compatible endpoints be used.
	// Empty means the public API.
	BaseURL string

	// APIKey authenticates requests. Required.
	APIKey string

	// Model is the completion model. Empty applies the default.
	Model string

	// RequestsPerMinute throttles outbound calls. Zero disables throttling.
	RequestsPerMinute int
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	limiter    *rate.Limiter
}

// New creates a Client from the given configuration.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		limiter:    limiter,
	}, nil
}

// Name implements ai.Provider.
func (c *Client) Name() string {
	return "openai"
}

// Capabilities implements ai.Provider.
func (c *Client) Capabilities() ai.Capabilities {
	return ai.Capabilities{
		StructuredOutput: true,
		WebSearch:        false,
		Streaming:        false,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateText implements ai.Provider.
func (c *Client) GenerateText(ctx context.Context, instructions, input string, _ bool) (string, error) {
	out, err := c.complete(ctx, instructions, input, nil)
	if err != nil {
		return "", &ai.ProviderError{Backend: c.Name(), Op: "GenerateText", Err: err}
	}
	return out, nil
}

// GenerateStructured implements ai.Provider.
func (c *Client) GenerateStructured(ctx context.Context, instructions, input string, schema map[string]any) (string, error) {
	format := &responseFormat{
		Type: "json_schema",
		JSONSchema: map[string]any{
			"name":   "response",
			"strict": true,
			"schema": schema,
		},
	}
	out, err := c.complete(ctx, instructions, input, format)
	if err != nil {
		return "", &ai.ProviderError{Backend: c.Name(), Op: "GenerateStructured", Err: err}
	}
	return out, nil
}

func (c *Client) complete(ctx context.Context, instructions, input string, format *responseFormat) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: instructions},
			{Role: "user", Content: input},
		},
		Temperature:    0.2,
		ResponseFormat: format,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		// The body may echo request details but never the API key.
		return "", fmt.Errorf("completion API status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncateBody(b []byte) string {
	const limit = 300
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
