package sd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the WebUI root, e.g. http://localhost:7860.
	BaseURL string

	// Timeout bounds every request, generation included.
	// Default: 600s
	Timeout time.Duration

	// HTTPClient overrides the transport (optional). Its Timeout wins over
	// the Timeout field.
	HTTPClient *http.Client
}

// DefaultClientConfig returns a ClientConfig for a local WebUI.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "http://localhost:7860",
		Timeout: 600 * time.Second,
	}
}

// Client talks to the SD WebUI API.
//
// Sampler and scheduler names are fetched once and cached; txt2img drops
// names the server does not know so the server falls back to its default.
// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu         sync.Mutex
	samplers   map[string]struct{}
	schedulers map[string]struct{}
}

// NewClient creates a Client. logger may be nil.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sd: base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultClientConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		logger:  logger.Named("sd"),
	}, nil
}

// BaseURL returns the configured WebUI root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Txt2Img generates images. Unknown sampler or scheduler names are removed
// from the request before it is sent.
func (c *Client) Txt2Img(ctx context.Context, req Txt2ImgRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.SamplerName != "" && !c.knownName(ctx, "samplers", req.SamplerName) {
		c.logger.Warn("Unknown sampler, omitting to let the server choose",
			zap.String("sampler_name", req.SamplerName))
		req.SamplerName = ""
	}
	if req.Scheduler != "" && !c.knownName(ctx, "schedulers", req.Scheduler) {
		c.logger.Warn("Unknown scheduler, omitting to let the server choose",
			zap.String("scheduler", req.Scheduler))
		req.Scheduler = ""
	}

	c.logger.Info("SD request parameters",
		zap.String("sampler_name", req.SamplerName),
		zap.String("scheduler", req.Scheduler),
		zap.Int("steps", req.Steps),
		zap.Float64("cfg_scale", req.CFGScale),
		zap.Int("width", req.Width),
		zap.Int("height", req.Height),
		zap.Int("batch_size", req.BatchSize),
		zap.Int("n_iter", req.NIter),
		zap.Bool("enable_hr", req.EnableHR))

	start := time.Now()
	var resp txt2ImgResponse
	if err := c.do(ctx, http.MethodPost, "/sdapi/v1/txt2img", req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Images) == 0 {
		return nil, NewAPIError(ErrCodeEmptyResult, "no images in response", 0, nil)
	}

	result := &Result{Seed: -1, Duration: time.Since(start)}
	for i, encoded := range resp.Images {
		data, err := decodeImage(encoded)
		if err != nil {
			return nil, NewAPIError(ErrCodeDecode, fmt.Sprintf("failed to decode image %d", i), 0, err)
		}
		result.Images = append(result.Images, data)
	}
	if seed, ok := resp.Parameters["seed"].(float64); ok {
		result.Seed = int64(seed)
	}

	c.logger.Info("Image generation complete",
		zap.Int("images", len(result.Images)),
		zap.Int64("seed", result.Seed),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// decodeImage strips an optional data URL prefix and decodes base64.
func decodeImage(encoded string) ([]byte, error) {
	if i := strings.Index(encoded, ","); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+1:]
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// Models lists the available checkpoints.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := c.do(ctx, http.MethodGet, "/sdapi/v1/sd-models", nil, &models); err != nil {
		return nil, err
	}
	c.logger.Debug("Retrieved models", zap.Int("count", len(models)))
	return models, nil
}

// LoRAs lists the available LoRA networks.
func (c *Client) LoRAs(ctx context.Context) ([]LoRA, error) {
	var loras []LoRA
	if err := c.do(ctx, http.MethodGet, "/sdapi/v1/loras", nil, &loras); err != nil {
		return nil, err
	}
	c.logger.Debug("Retrieved LoRAs", zap.Int("count", len(loras)))
	return loras, nil
}

// Samplers lists sampler names and refreshes the sampler cache.
func (c *Client) Samplers(ctx context.Context) ([]string, error) {
	names, err := c.names(ctx, "/sdapi/v1/samplers")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.samplers = toSet(names)
	c.mu.Unlock()
	return names, nil
}

// Schedulers lists scheduler names and refreshes the scheduler cache.
func (c *Client) Schedulers(ctx context.Context) ([]string, error) {
	names, err := c.names(ctx, "/sdapi/v1/schedulers")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.schedulers = toSet(names)
	c.mu.Unlock()
	return names, nil
}

// Upscalers lists upscaler names.
func (c *Client) Upscalers(ctx context.Context) ([]string, error) {
	return c.names(ctx, "/sdapi/v1/upscalers")
}

func (c *Client) names(ctx context.Context, path string) ([]string, error) {
	var entries []namedEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name != "" {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

// knownName reports whether name is in the cached list of kind, fetching the
// list on first use. A failed fetch is logged and the name is kept.
func (c *Client) knownName(ctx context.Context, kind, name string) bool {
	c.mu.Lock()
	set := c.samplers
	if kind == "schedulers" {
		set = c.schedulers
	}
	c.mu.Unlock()

	if set == nil {
		var err error
		if kind == "schedulers" {
			_, err = c.Schedulers(ctx)
		} else {
			_, err = c.Samplers(ctx)
		}
		if err != nil {
			c.logger.Warn("Name validation failed, proceeding without validation",
				zap.String("kind", kind), zap.Error(err))
			return true
		}
		c.mu.Lock()
		set = c.samplers
		if kind == "schedulers" {
			set = c.schedulers
		}
		c.mu.Unlock()
	}

	_, ok := set[name]
	return ok
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// do performs one JSON round trip and maps failures onto APIError codes.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return NewAPIError(ErrCodeInvalidRequest, "failed to encode request", 0, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return NewAPIError(ErrCodeInvalidRequest, "failed to create request", 0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return NewAPIError(ErrCodeTimeout, fmt.Sprintf("SD API timeout after %s", c.http.Timeout), 0, err)
		}
		return NewAPIError(ErrCodeTransport, "SD API request error", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		c.logger.Error("SD API error",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response_text", string(snippet)))
		return NewAPIError(ErrCodeHTTPStatus, fmt.Sprintf("SD API error: %d", resp.StatusCode), resp.StatusCode, nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return NewAPIError(ErrCodeTimeout, fmt.Sprintf("SD API timeout after %s", c.http.Timeout), 0, err)
		}
		return NewAPIError(ErrCodeDecode, "failed to decode SD API response", 0, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
