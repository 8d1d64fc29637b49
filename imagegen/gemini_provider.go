package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

const providerGemini = "gemini"

// maxThoughtSignatureLen drops thought signatures too large to keep in
// metadata.
const maxThoughtSignatureLen = 1024

// GeminiProvider implements Provider for Gemini native image generation.
type GeminiProvider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// GeminiProviderConfig holds configuration specific to the Gemini provider.
type GeminiProviderConfig struct {
	// APIKey is the Gemini API key (required)
	APIKey string

	// Model is the image model to use (default: gemini-3-pro-image-preview)
	Model string

	// Timeout bounds a single generation call (default: 300s)
	Timeout time.Duration

	// HTTPClient is passed through to the genai client (optional)
	HTTPClient *http.Client
}

// NewGeminiProvider creates a Gemini provider backed by the Gemini API.
func NewGeminiProvider(ctx context.Context, cfg GeminiProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("imagegen: Gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-3-pro-image-preview"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("imagegen: failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{client: client, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string { return providerGemini }

// Model returns the configured model id.
func (p *GeminiProvider) Model() string { return p.model }

// Generate sends instruction to the model as a single user turn.
func (p *GeminiProvider) Generate(ctx context.Context, instruction string) (*Output, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, core.ValidationError("instruction cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(instruction)}, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, generateConfig())
	if err != nil {
		if isTimeoutError(err) {
			return nil, newProviderError(providerGemini, KindTimeout, "image generation timed out", err)
		}
		return nil, newProviderError(providerGemini, KindUpstream, "image generation failed", err)
	}

	out := parseGeminiResponse(resp)
	if len(out.Images) == 0 {
		return nil, newProviderError(providerGemini, KindEmptyResult, "no images were generated", nil)
	}
	out.Model = p.model
	return out, nil
}

func generateConfig() *genai.GenerateContentConfig {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
		genai.HarmCategoryCivicIntegrity,
	}
	safety := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		safety = append(safety, &genai.SafetySetting{Category: c, Threshold: genai.HarmBlockThresholdOff})
	}

	return &genai.GenerateContentConfig{
		Temperature:        genai.Ptr[float32](1.0),
		SafetySettings:     safety,
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
}

// parseGeminiResponse collects inline images, the last text part and small
// thought signatures from every candidate.
func parseGeminiResponse(resp *genai.GenerateContentResponse) *Output {
	out := &Output{}
	if resp == nil {
		return out
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				out.Description = part.Text
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				out.Images = append(out.Images, part.InlineData.Data)
			}
			if n := len(part.ThoughtSignature); n > 0 && n <= maxThoughtSignatureLen {
				out.ThoughtSignatures = append(out.ThoughtSignatures, base64.StdEncoding.EncodeToString(part.ThoughtSignature))
			}
		}
	}
	return out
}
