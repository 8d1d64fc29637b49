package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
)

// DefaultEndpoint is the Google Custom Search JSON API.
const DefaultEndpoint = "https://www.googleapis.com/customsearch/v1"

const extractionSystemPrompt = `You are a Stable Diffusion image generation expert.
Extract prompt techniques, recommended LoRAs and recommended settings from the web search results.

Reply with JSON in this shape:
{
  "summary": "two or three sentence summary of the results",
  "prompt_techniques": ["technique 1", "technique 2"],
  "recommended_loras": ["LoRA name 1", "LoRA name 2"],
  "recommended_settings": {
    "steps": recommended steps (integer),
    "cfg_scale": recommended CFG scale (number),
    "sampler": "recommended sampler name",
    "scheduler": "recommended scheduler name (may be omitted)"
  },
  "sources": ["reference URL 1", "reference URL 2"]
}

Use empty lists or an empty object for anything the results do not clearly state.`

// CacheStore is the persistent second-level cache.
type CacheStore interface {
	GetResearchCache(ctx context.Context, queryHash string, now time.Time) (*db.ResearchCacheEntry, error)
	PutResearchCache(ctx context.Context, e *db.ResearchCacheEntry) error
}

// Config holds configuration for the research service.
type Config struct {
	APIKey   string
	EngineID string

	// Endpoint overrides DefaultEndpoint (tests)
	Endpoint string

	// HTTPClient for search requests (default: 30s timeout)
	HTTPClient *http.Client

	// MinInterval between search requests (default: 1s)
	MinInterval time.Duration

	// MaxAttempts per search (default: 3)
	MaxAttempts int

	// InitialBackoff before the second attempt, doubled after each (default: 2s)
	InitialBackoff time.Duration

	// CacheTTL for stored results (default: 7 days)
	CacheTTL time.Duration

	// LocalCacheSize is the LRU capacity (default: 256)
	LocalCacheSize int
}

// DefaultConfig returns the production settings without credentials.
func DefaultConfig() Config {
	return Config{
		Endpoint:       DefaultEndpoint,
		MinInterval:    time.Second,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		CacheTTL:       7 * 24 * time.Hour,
		LocalCacheSize: 256,
	}
}

type cachedResult struct {
	result    *Result
	expiresAt time.Time
}

// Service performs cached, rate-limited web research.
//
// Thread Safety: Service is safe for concurrent use.
type Service struct {
	cfg     Config
	chat    Chatter
	store   CacheStore
	local   *lru.Cache[string, cachedResult]
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a research service. A Service without credentials is
// valid; Research then returns nil without error.
func NewService(cfg Config, chat Chatter, store CacheStore, logger *zap.Logger) (*Service, error) {
	defaults := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaults.MinInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.LocalCacheSize <= 0 {
		cfg.LocalCacheSize = defaults.LocalCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	local, err := lru.New[string, cachedResult](cfg.LocalCacheSize)
	if err != nil {
		return nil, fmt.Errorf("research: failed to create cache: %w", err)
	}

	return &Service{
		cfg:     cfg,
		chat:    chat,
		store:   store,
		local:   local,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:  logger.Named("research"),
		now:     time.Now,
	}, nil
}

// Enabled reports whether search credentials are configured.
func (s *Service) Enabled() bool {
	return s.cfg.APIKey != "" && s.cfg.EngineID != ""
}

// BuildQuery returns the search query for a theme.
func BuildQuery(theme string) string {
	return fmt.Sprintf("Stable Diffusion %s prompt techniques best practices", theme)
}

// Research returns best practices for theme. It returns nil, nil when the
// service is not configured or the search found nothing.
func (s *Service) Research(ctx context.Context, theme string) (*Result, error) {
	if !s.Enabled() {
		s.logger.Info("Google Search API not configured, skipping web research")
		return nil, nil
	}

	query := BuildQuery(theme)
	hash := core.HashString(query)

	if res, ok := s.lookup(ctx, hash); ok {
		s.logger.Info("Using cached research result", zap.String("query_hash", hash[:12]))
		return res, nil
	}

	items, err := s.search(ctx, query)
	if err != nil {
		return nil, core.NewAppError(core.CodeResearch, "web search failed", err)
	}
	if len(items) == 0 {
		s.logger.Warn("No search results found", zap.String("query", query))
		return nil, nil
	}

	res, err := s.extract(ctx, theme, items)
	if err != nil {
		return nil, core.NewAppError(core.CodeResearch, "failed to extract best practices", err)
	}

	s.remember(ctx, hash, query, res)
	s.logger.Info("Web research completed",
		zap.Int("results", len(items)),
		zap.Int("techniques", len(res.PromptTechniques)))
	return res, nil
}

func (s *Service) lookup(ctx context.Context, hash string) (*Result, bool) {
	now := s.now()
	if entry, ok := s.local.Get(hash); ok {
		if now.Before(entry.expiresAt) {
			return entry.result, true
		}
		s.local.Remove(hash)
	}

	if s.store == nil {
		return nil, false
	}
	row, err := s.store.GetResearchCache(ctx, hash, now)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("Research cache lookup failed", zap.Error(err))
		}
		return nil, false
	}

	var res Result
	if err := json.Unmarshal(row.Results, &res); err != nil {
		s.logger.Warn("Discarding unreadable research cache entry", zap.Error(err))
		return nil, false
	}
	s.local.Add(hash, cachedResult{result: &res, expiresAt: row.ExpiresAt})
	return &res, true
}

func (s *Service) remember(ctx context.Context, hash, query string, res *Result) {
	now := s.now()
	expires := now.Add(s.cfg.CacheTTL)
	s.local.Add(hash, cachedResult{result: res, expiresAt: expires})

	if s.store == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Warn("Failed to encode research result", zap.Error(err))
		return
	}
	err = s.store.PutResearchCache(ctx, &db.ResearchCacheEntry{
		QueryHash: hash,
		Query:     query,
		Results:   data,
		CreatedAt: now,
		ExpiresAt: expires,
	})
	if err != nil {
		s.logger.Warn("Failed to store research result", zap.Error(err))
	}
}

type searchResponse struct {
	Items []SearchItem `json:"items"`
}

// errRetryable marks a failed attempt worth repeating.
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }
func (e errRetryable) Unwrap() error { return e.err }

func (s *Service) search(ctx context.Context, query string) ([]SearchItem, error) {
	backoff := s.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		items, err := s.searchOnce(ctx, query)
		if err == nil {
			return items, nil
		}
		var retry errRetryable
		if !errors.As(err, &retry) {
			return nil, err
		}
		lastErr = err
		if attempt == s.cfg.MaxAttempts {
			break
		}

		s.logger.Warn("Google Search failed, backing off",
			zap.Error(err),
			zap.Duration("backoff", backoff),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.cfg.MaxAttempts))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("search failed after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

func (s *Service) searchOnce(ctx context.Context, query string) ([]SearchItem, error) {
	q := url.Values{}
	q.Set("key", s.cfg.APIKey)
	q.Set("cx", s.cfg.EngineID)
	q.Set("q", query)
	q.Set("num", "5")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// url.Error carries the full request URL, which contains the key.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, errRetryable{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errRetryable{fmt.Errorf("rate limit exceeded")}
	case resp.StatusCode >= 500:
		return nil, errRetryable{fmt.Errorf("server error: status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return body.Items, nil
}

func extractionSchema() *jsonschema.Definition {
	strList := jsonschema.Definition{Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}}
	return &jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"summary":           {Type: jsonschema.String},
			"prompt_techniques": strList,
			"recommended_loras": strList,
			"recommended_settings": {
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"steps":     {Type: jsonschema.Integer},
					"cfg_scale": {Type: jsonschema.Number},
					"sampler":   {Type: jsonschema.String},
					"scheduler": {Type: jsonschema.String},
				},
			},
			"sources": strList,
		},
		Required: []string{"summary", "prompt_techniques", "recommended_loras", "recommended_settings", "sources"},
	}
}

func (s *Service) extract(ctx context.Context, theme string, items []SearchItem) (*Result, error) {
	if s.chat == nil {
		return nil, fmt.Errorf("no LLM configured for extraction")
	}

	blocks := make([]string, 0, len(items))
	for _, it := range items {
		blocks = append(blocks, fmt.Sprintf("Title: %s\nDescription: %s\nURL: %s", it.Title, it.Snippet, it.Link))
	}
	user := fmt.Sprintf("Theme: %s\n\nSearch results:\n%s\n\nExtract best practices from the search results above that help generate images of %s.",
		theme, strings.Join(blocks, "\n\n"), theme)

	text, err := s.chat.Complete(ctx, extractionSystemPrompt, user, 0.3, extractionSchema())
	if err != nil {
		return nil, err
	}

	var res Result
	if err := core.DecodeJSONObject(text, &res); err != nil {
		return nil, fmt.Errorf("LLM returned invalid JSON: %w", err)
	}
	if len(res.Sources) == 0 {
		for _, it := range items {
			if it.Link != "" {
				res.Sources = append(res.Sources, it.Link)
			}
		}
	}
	return &res, nil
}
