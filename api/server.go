// Package api is the HTTP surface of the bot: health, Prometheus metrics,
// settings management, SD option discovery, generation admission and status,
// queue statistics and the LoRA catalog.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/imagegen/sd"
	"github.com/hiyori-akane/diffuse-pilot/metrics"
	"github.com/hiyori-akane/diffuse-pilot/settings"
)

// Version is reported by / and /health.
const Version = "0.1.0"

// Pinger checks database connectivity. *db.Database implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the persistence the handlers read and write.
// *db.Repository implements it.
type Store interface {
	CreateRequest(ctx context.Context, req *db.Request) error
	GetRequest(ctx context.Context, id string) (*db.Request, error)
	GetMetadataForRequest(ctx context.Context, requestID string) (*db.Metadata, error)
	ListImages(ctx context.Context, requestID string) ([]db.Image, error)
	ListLoRAs(ctx context.Context) ([]db.LoRAMetadata, error)
}

// SettingsService manages settings rows. *settings.Service implements it.
type SettingsService interface {
	Get(ctx context.Context, guildID, userID string) (*db.Settings, error)
	Upsert(ctx context.Context, guildID, userID string, patch settings.Patch) (*db.Settings, error)
	Delete(ctx context.Context, guildID, userID string) error
}

// Catalog lists the options of the SD server. *sd.Client implements it.
type Catalog interface {
	Models(ctx context.Context) ([]sd.Model, error)
	LoRAs(ctx context.Context) ([]sd.LoRA, error)
	Samplers(ctx context.Context) ([]string, error)
	Schedulers(ctx context.Context) ([]string, error)
	Upscalers(ctx context.Context) ([]string, error)
}

// Queue admits requests. *queue.Manager implements it.
type Queue interface {
	EnqueueMode(requestID string, priority int, mode db.Mode) error
	Pending() int
}

// Deps are the collaborators of a Server.
type Deps struct {
	DB       Pinger
	Store    Store
	Settings SettingsService
	Catalog  Catalog
	Queue    Queue
	Tasks    metrics.TaskCollector
	Metrics  *metrics.Registry
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string
	Port int

	// RateLimit is the sustained requests per second allowed per client.
	// Zero disables limiting.
	RateLimit float64

	// RateBurst is the burst size per client (default: 2 x RateLimit, min 1)
	RateBurst int

	// EnabledModes lists the generation modes accepted by admission.
	// Nil accepts every mode.
	EnabledModes []db.Mode

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// LogSkipPaths are paths to skip in request logging
	LogSkipPaths []string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8000,
		RateLimit:       5,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogSkipPaths:    []string{"/health", "/metrics"},
	}
}

// Server serves the HTTP API.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	deps       Deps
	logger     *zap.Logger
	modes      map[db.Mode]bool
	now        func() time.Time
}

// NewServer creates a Server with every route and middleware installed.
func NewServer(config ServerConfig, deps Deps, logger *zap.Logger) (*Server, error) {
	switch {
	case deps.DB == nil:
		return nil, fmt.Errorf("api: database is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("api: store is required")
	case deps.Settings == nil:
		return nil, fmt.Errorf("api: settings service is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("api: queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	s := &Server{
		engine: gin.New(),
		config: config,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	if config.EnabledModes != nil {
		s.modes = make(map[db.Mode]bool, len(config.EnabledModes))
		for _, m := range config.EnabledModes {
			s.modes[m] = true
		}
	}

	s.engine.Use(recoveryMiddleware(logger))
	s.engine.Use(loggingMiddleware(logger, config.LogSkipPaths))
	if deps.Metrics != nil {
		s.engine.Use(metricsMiddleware(deps.Metrics))
	}
	if config.RateLimit > 0 {
		s.engine.Use(newClientLimiter(config.RateLimit, config.RateBurst).middleware())
	}
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	logger.Info("API server created",
		zap.String("addr", addr),
		zap.Float64("rate_limit", config.RateLimit))
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.engine

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/settings", s.handleGetSettings)
		v1.PUT("/settings", s.handlePutSettings)
		v1.DELETE("/settings", s.handleDeleteSettings)

		if s.deps.Catalog != nil {
			sdGroup := v1.Group("/sd")
			sdGroup.GET("/models", s.handleModels)
			sdGroup.GET("/loras", s.handleSDLoRAs)
			sdGroup.GET("/samplers", s.handleNames(s.deps.Catalog.Samplers, "samplers"))
			sdGroup.GET("/schedulers", s.handleNames(s.deps.Catalog.Schedulers, "schedulers"))
			sdGroup.GET("/upscalers", s.handleNames(s.deps.Catalog.Upscalers, "upscalers"))
		}

		v1.POST("/generations", s.handleCreateGeneration)
		v1.GET("/generations/:id", s.handleGetGeneration)
		v1.GET("/queue/stats", s.handleQueueStats)
		v1.GET("/loras", s.handleLoRACatalog)
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start listens until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.logger.Info("API server starting", zap.String("addr", s.httpServer.Addr))

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}

	s.logger.Info("API server stopped")
	return nil
}
