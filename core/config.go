package core

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds all configuration values for the bot, the queue worker and
// the HTTP API. It is built once at startup by LoadConfig and passed to
// every component explicitly.
type Config struct {
	// Discord
	DiscordBotToken string
	DiscordGuildID  string // Optional: register commands in a single guild

	// Stable Diffusion WebUI
	SDAPIURL     string
	SDAPITimeout time.Duration

	// Ollama (OpenAI-compatible endpoint)
	OllamaAPIURL  string
	OllamaModel   string
	OllamaTimeout time.Duration

	// Gemini
	GeminiAPIKey string
	GeminiModel  string

	// xAI
	XAIAPIKey  string
	XAIAPIURL  string
	XAIModel   string
	XAITimeout time.Duration

	// Google Custom Search (web research)
	GoogleSearchAPIKey   string
	GoogleSearchEngineID string

	// Storage
	DatabasePath     string
	ImageStoragePath string

	// Generation defaults
	DefaultImageCount int
	DefaultWidth      int
	DefaultHeight     int
	DefaultSteps      int
	DefaultCFGScale   float64
	DefaultSampler    string // Empty means the SD server default
	DefaultScheduler  string // Empty means the SD server default

	// Queue
	QueueErrorRetryInterval time.Duration

	// HTTP API
	APIHost      string
	APIPort      int
	APIRateLimit float64 // Requests per second per client

	// Result notification
	NotifyPollInterval time.Duration
	NotifyMaxWait      time.Duration

	// Maintenance
	ResearchCacheCleanupInterval time.Duration
	RequestRetentionDays         int // 0 disables request purging
	LoRACatalogPath              string

	// Logging
	LogFile  string
	LogLevel string
	DevMode  bool

	AllowSelfSignedCerts bool
}

// LoadConfig loads configuration from environment variables with defaults
// suitable for a local SD WebUI and Ollama install. Only the Discord token is
// required; every cloud provider is optional.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DiscordBotToken: os.Getenv("DISCORD_BOT_TOKEN"),
		DiscordGuildID:  os.Getenv("DISCORD_GUILD_ID"),

		SDAPIURL:     strings.TrimRight(GetEnvOrDefault("SD_API_URL", "http://localhost:7860"), "/"),
		SDAPITimeout: ParseDurationEnv("SD_API_TIMEOUT", 600),

		OllamaAPIURL:  strings.TrimRight(GetEnvOrDefault("OLLAMA_API_URL", "http://localhost:11434"), "/"),
		OllamaModel:   GetEnvOrDefault("OLLAMA_MODEL", "huihui_ai/qwen3-abliterated:0.6b"),
		OllamaTimeout: ParseDurationEnv("OLLAMA_TIMEOUT", 600),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  GetEnvOrDefault("GEMINI_MODEL", "gemini-3-pro-image-preview"),

		XAIAPIKey:  os.Getenv("XAI_API_KEY"),
		XAIAPIURL:  strings.TrimRight(GetEnvOrDefault("XAI_API_URL", "https://api.x.ai/v1"), "/"),
		XAIModel:   GetEnvOrDefault("XAI_MODEL", "grok-2-image"),
		XAITimeout: ParseDurationEnv("XAI_TIMEOUT", 120),

		GoogleSearchAPIKey:   os.Getenv("GOOGLE_SEARCH_API_KEY"),
		GoogleSearchEngineID: os.Getenv("GOOGLE_SEARCH_ENGINE_ID"),

		DatabasePath:     GetEnvOrDefault("DATABASE_PATH", "./data/database.db"),
		ImageStoragePath: GetEnvOrDefault("IMAGE_STORAGE_PATH", "./data/images"),

		DefaultImageCount: ParseIntEnv("DEFAULT_IMAGE_COUNT", 4),
		DefaultWidth:      ParseIntEnv("DEFAULT_WIDTH", 512),
		DefaultHeight:     ParseIntEnv("DEFAULT_HEIGHT", 512),
		DefaultSteps:      ParseIntEnv("DEFAULT_STEPS", 20),
		DefaultCFGScale:   ParseFloat64Env("DEFAULT_CFG_SCALE", 7.0),
		DefaultSampler:    os.Getenv("DEFAULT_SAMPLER"),
		DefaultScheduler:  os.Getenv("DEFAULT_SCHEDULER"),

		QueueErrorRetryInterval: ParseSecondsEnv("QUEUE_ERROR_RETRY_INTERVAL", 5.0),

		APIHost:      GetEnvOrDefault("API_HOST", "0.0.0.0"),
		APIPort:      ParseIntEnv("API_PORT", 8000),
		APIRateLimit: ParseFloat64Env("API_RATE_LIMIT", 5),

		NotifyPollInterval: ParseDurationEnv("NOTIFY_POLL_INTERVAL", 10),
		NotifyMaxWait:      ParseDurationEnv("NOTIFY_MAX_WAIT", 1800),

		ResearchCacheCleanupInterval: ParseDurationEnv("RESEARCH_CACHE_CLEANUP_INTERVAL", 6*3600),
		RequestRetentionDays:         ParseIntEnv("REQUEST_RETENTION_DAYS", 0),
		LoRACatalogPath:              os.Getenv("LORA_CATALOG_PATH"),

		LogFile:  GetEnvOrDefault("LOG_FILE", "./data/diffuse-pilot.log"),
		LogLevel: GetEnvOrDefault("LOG_LEVEL", "info"),
		DevMode:  ParseBoolEnv("DEV_MODE", false),

		AllowSelfSignedCerts: ParseBoolEnv("ALLOW_SELF_SIGNED_CERTS", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or out-of-range values.
// It returns the first problem found as a *ConfigError.
func (c *Config) Validate() error {
	if c.DiscordBotToken == "" {
		return ErrMissingAuth("discord")
	}

	for key, raw := range map[string]string{
		"SD_API_URL":     c.SDAPIURL,
		"OLLAMA_API_URL": c.OllamaAPIURL,
		"XAI_API_URL":    c.XAIAPIURL,
	} {
		if err := validateServiceURL(key, raw); err != nil {
			return err
		}
	}

	switch {
	case c.DefaultImageCount < 1 || c.DefaultImageCount > 8:
		return ErrInvalidValue("DEFAULT_IMAGE_COUNT", c.DefaultImageCount, "must be between 1 and 8")
	case c.DefaultWidth < 64 || c.DefaultWidth > 2048:
		return ErrInvalidValue("DEFAULT_WIDTH", c.DefaultWidth, "must be between 64 and 2048")
	case c.DefaultHeight < 64 || c.DefaultHeight > 2048:
		return ErrInvalidValue("DEFAULT_HEIGHT", c.DefaultHeight, "must be between 64 and 2048")
	case c.DefaultSteps < 1 || c.DefaultSteps > 150:
		return ErrInvalidValue("DEFAULT_STEPS", c.DefaultSteps, "must be between 1 and 150")
	case c.DefaultCFGScale < 1 || c.DefaultCFGScale > 30:
		return ErrInvalidValue("DEFAULT_CFG_SCALE", c.DefaultCFGScale, "must be between 1.0 and 30.0")
	case c.QueueErrorRetryInterval < 0:
		return ErrInvalidValue("QUEUE_ERROR_RETRY_INTERVAL", c.QueueErrorRetryInterval, "must not be negative")
	case c.APIPort < 1 || c.APIPort > 65535:
		return ErrInvalidValue("API_PORT", c.APIPort, "must be a valid TCP port")
	case c.NotifyPollInterval <= 0:
		return ErrInvalidValue("NOTIFY_POLL_INTERVAL", c.NotifyPollInterval, "must be positive")
	}

	return nil
}

func validateServiceURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL(key, raw, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL(key, raw, "scheme must be http or https")
	}
	if u.Host == "" {
		return ErrInvalidURL(key, raw, "missing host")
	}
	return nil
}

// GeminiEnabled reports whether Gemini generation is configured.
func (c *Config) GeminiEnabled() bool { return c.GeminiAPIKey != "" }

// XAIEnabled reports whether xAI generation is configured.
func (c *Config) XAIEnabled() bool { return c.XAIAPIKey != "" }

// ResearchEnabled reports whether web research has both credentials.
func (c *Config) ResearchEnabled() bool {
	return c.GoogleSearchAPIKey != "" && c.GoogleSearchEngineID != ""
}

// OllamaOpenAIBaseURL returns the OpenAI-compatible base URL of the Ollama server.
func (c *Config) OllamaOpenAIBaseURL() string {
	if strings.HasSuffix(c.OllamaAPIURL, "/v1") {
		return c.OllamaAPIURL
	}
	return c.OllamaAPIURL + "/v1"
}

// GetHTTPClient returns an HTTP client configured with TLS settings based on AllowSelfSignedCerts.
// This should be used for all HTTP requests to external APIs to ensure TLS configuration is respected.
func GetHTTPClient(cfg *Config, timeout time.Duration) *http.Client {
	client := &http.Client{
		Timeout: timeout,
	}

	if cfg != nil && cfg.AllowSelfSignedCerts {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return client
}
