// Package llm talks to the text LLM (Ollama through its OpenAI-compatible
// /v1 API) and turns natural-language instructions into Stable Diffusion
// prompts and parameters.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("empty response from LLM")

// ClientConfig holds configuration for creating a chat client.
type ClientConfig struct {
	// APIKey is sent as a bearer token. Ollama ignores it but the header
	// must be present.
	APIKey string

	// BaseURL is the OpenAI-compatible endpoint, e.g. http://localhost:11434/v1
	BaseURL string

	// Model is the chat model name
	Model string

	// HTTPClient is a pre-configured HTTP client (optional)
	// Should include TLS settings and timeouts
	HTTPClient *http.Client

	// Timeout is the request timeout (used if HTTPClient is nil)
	Timeout time.Duration
}

// ConfigFromCore builds a ClientConfig for the Ollama server in cfg.
func ConfigFromCore(cfg *core.Config) ClientConfig {
	return ClientConfig{
		APIKey:     "ollama",
		BaseURL:    cfg.OllamaOpenAIBaseURL(),
		Model:      cfg.OllamaModel,
		HTTPClient: core.GetHTTPClient(cfg, cfg.OllamaTimeout),
	}
}

// Client sends single-turn chat completions with an optional JSON schema.
//
// Thread Safety: Client is safe for concurrent use.
type Client struct {
	client *openai.Client
	model  string
}

// NewClient creates a chat client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	switch {
	case cfg.HTTPClient != nil:
		clientConfig.HTTPClient = cfg.HTTPClient
	case cfg.Timeout > 0:
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends a system and user message and returns the trimmed reply.
// A non-nil schema requests structured output constrained to it.
func (c *Client) Complete(ctx context.Context, system, user string, temperature float32, schema json.Marshaler) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
	}
	if schema != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: schema,
			},
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
