package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

const providerXAI = "xai"

// XAIProvider implements Provider for xAI (Grok) image generation through
// the OpenAI-compatible /images/generations endpoint.
//
// Thread Safety: XAIProvider is safe for concurrent use.
type XAIProvider struct {
	client     *openai.Client
	downloader *Downloader
	model      string
}

// XAIProviderConfig holds configuration specific to the xAI provider.
type XAIProviderConfig struct {
	// APIKey is the xAI API key (required)
	APIKey string

	// BaseURL is the API endpoint (default: https://api.x.ai/v1)
	BaseURL string

	// Model is the image model to use (default: grok-2-image)
	Model string

	// Timeout bounds a single generation call (default: 120s)
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout (optional)
	HTTPClient *http.Client
}

// DefaultXAIProviderConfig returns sensible defaults for xAI image generation.
func DefaultXAIProviderConfig() XAIProviderConfig {
	return XAIProviderConfig{
		BaseURL: "https://api.x.ai/v1",
		Model:   "grok-2-image",
		Timeout: 120 * time.Second,
	}
}

// NewXAIProvider creates a new xAI image generation provider.
func NewXAIProvider(cfg XAIProviderConfig) (*XAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("imagegen: xAI API key is required")
	}

	defaults := DefaultXAIProviderConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clientConfig.HTTPClient = httpClient

	return &XAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		downloader: NewDownloader(DownloaderConfig{HTTPClient: httpClient}),
		model:      cfg.Model,
	}, nil
}

// Name returns "xai".
func (p *XAIProvider) Name() string { return providerXAI }

// Model returns the configured model id.
func (p *XAIProvider) Model() string { return p.model }

// Generate requests one image for instruction. Base64 results are decoded
// directly; URL results are downloaded.
func (p *XAIProvider) Generate(ctx context.Context, instruction string) (*Output, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, core.ValidationError("instruction cannot be empty")
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         instruction,
		Model:          p.model,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		if isTimeoutError(err) {
			return nil, newProviderError(providerXAI, KindTimeout, "image generation timed out", err)
		}
		return nil, newProviderError(providerXAI, KindUpstream, "image generation failed", err)
	}

	out := &Output{Model: p.model}
	for i, item := range resp.Data {
		switch {
		case item.B64JSON != "":
			data, err := base64.StdEncoding.DecodeString(item.B64JSON)
			if err != nil {
				return nil, newProviderError(providerXAI, KindUpstream, fmt.Sprintf("image %d is not valid base64", i), err)
			}
			out.Images = append(out.Images, data)
		case item.URL != "":
			data, _, err := p.downloader.DownloadBytes(ctx, item.URL)
			if err != nil {
				if isTimeoutError(err) {
					return nil, newProviderError(providerXAI, KindTimeout, "image download timed out", err)
				}
				return nil, newProviderError(providerXAI, KindUpstream, fmt.Sprintf("image %d download failed", i), err)
			}
			out.Images = append(out.Images, data)
		}
		if item.RevisedPrompt != "" && out.Description == "" {
			out.Description = item.RevisedPrompt
		}
	}

	if len(out.Images) == 0 {
		return nil, newProviderError(providerXAI, KindEmptyResult, "no images were generated", nil)
	}
	return out, nil
}
