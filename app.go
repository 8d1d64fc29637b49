package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/api"
	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/discord"
	"github.com/hiyori-akane/diffuse-pilot/imagegen"
	"github.com/hiyori-akane/diffuse-pilot/imagegen/sd"
	"github.com/hiyori-akane/diffuse-pilot/llm"
	"github.com/hiyori-akane/diffuse-pilot/loras"
	"github.com/hiyori-akane/diffuse-pilot/metrics"
	"github.com/hiyori-akane/diffuse-pilot/params"
	"github.com/hiyori-akane/diffuse-pilot/queue"
	"github.com/hiyori-akane/diffuse-pilot/research"
	"github.com/hiyori-akane/diffuse-pilot/settings"
	"github.com/hiyori-akane/diffuse-pilot/shutdown"
)

const (
	// tempImageMaxAge is the age after which half-written image files are removed.
	tempImageMaxAge = time.Hour
	researchTimeout = 30 * time.Second
)

// app owns every long-lived component of the process.
type app struct {
	cfg      *core.Config
	logger   *zap.Logger
	shutdown *shutdown.Manager

	database *db.Database
	repo     *db.Repository
	queue    *queue.Manager
	server   *api.Server
	bot      *discord.Bot
}

func newApp(cfg *core.Config, logger *zap.Logger) *app {
	return &app{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown.NewManager(logger),
	}
}

// build creates the components bottom-up. Each one registers its cleanup
// step as soon as it exists, so a failed build can still be shut down.
func (a *app) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	database, err := db.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.shutdown.Register("database", shutdown.PriorityDatabase, shutdown.Close(database))
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.database = database
	a.repo = db.NewRepository(database)

	images, err := imagegen.NewStore(cfg.ImageStoragePath)
	if err != nil {
		return err
	}
	a.shutdown.Register("temp-images", shutdown.PriorityTempImages,
		shutdown.CleanupTempImages(logger, images, tempImageMaxAge))

	settingsService := settings.NewService(a.repo, logger)

	chat, err := llm.NewClient(llm.ConfigFromCore(cfg))
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	var researcher llm.Researcher
	if cfg.ResearchEnabled() {
		svc, err := research.NewService(research.Config{
			APIKey:     cfg.GoogleSearchAPIKey,
			EngineID:   cfg.GoogleSearchEngineID,
			HTTPClient: core.GetHTTPClient(cfg, researchTimeout),
		}, chat, a.repo, logger)
		if err != nil {
			return err
		}
		researcher = svc
	}

	sdClient, err := sd.NewClient(sd.ClientConfig{
		BaseURL:    cfg.SDAPIURL,
		HTTPClient: core.GetHTTPClient(cfg, cfg.SDAPITimeout),
	}, logger)
	if err != nil {
		return err
	}

	gemini, xai, err := a.providers(ctx)
	if err != nil {
		return err
	}

	orchestrator, err := queue.NewOrchestrator(queue.OrchestratorDeps{
		Repository: a.repo,
		Settings:   settingsService,
		Agent:      llm.NewPromptAgent(chat, researcher, logger),
		Resolver: params.NewResolver(params.Defaults{
			Steps:     cfg.DefaultSteps,
			CFGScale:  cfg.DefaultCFGScale,
			Sampler:   cfg.DefaultSampler,
			Scheduler: cfg.DefaultScheduler,
			Width:     cfg.DefaultWidth,
			Height:    cfg.DefaultHeight,
		}),
		SD:         sdClient,
		Gemini:     gemini,
		XAI:        xai,
		Images:     images,
		ImageCount: cfg.DefaultImageCount,
	}, logger)
	if err != nil {
		return err
	}

	taskStore := metrics.NewMetricsStore(metrics.DefaultStoreConfig(), time.Now())
	registry := metrics.NewRegistry()
	a.queue = queue.NewManager(orchestrator, a.repo, queue.ManagerConfig{
		RetryInterval: cfg.QueueErrorRetryInterval,
		Observers:     []queue.Observer{metrics.NewRecorder(taskStore, registry)},
		Closer:        orchestrator,
	}, logger)
	a.shutdown.Register("queue", shutdown.PriorityQueue, a.queue.Stop)

	if cfg.LoRACatalogPath != "" {
		if _, err := loras.Import(ctx, cfg.LoRACatalogPath, a.repo, logger); err != nil {
			logger.Warn("Failed to import LoRA catalog", zap.String("path", cfg.LoRACatalogPath), zap.Error(err))
		}
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.APIHost
	serverConfig.Port = cfg.APIPort
	serverConfig.RateLimit = cfg.APIRateLimit
	serverConfig.EnabledModes = enabledModes(cfg)
	a.server, err = api.NewServer(serverConfig, api.Deps{
		DB:       database,
		Store:    a.repo,
		Settings: settingsService,
		Catalog:  sdClient,
		Queue:    a.queue,
		Tasks:    taskStore,
		Metrics:  registry,
	}, logger)
	if err != nil {
		return err
	}

	a.bot, err = discord.NewBot(discord.BotConfig{
		Token:         cfg.DiscordBotToken,
		GuildID:       cfg.DiscordGuildID,
		GeminiEnabled: cfg.GeminiEnabled(),
		XAIEnabled:    cfg.XAIEnabled(),
		Notifier: discord.NotifierConfig{
			PollInterval: cfg.NotifyPollInterval,
			MaxWait:      cfg.NotifyMaxWait,
		},
	}, discord.BotDeps{
		Store:    a.repo,
		Queue:    a.queue,
		Settings: settingsService,
		Catalog:  sdClient,
		Launcher: a.shutdown,
	}, logger)
	return err
}

// providers creates the optional direct image providers. An unconfigured
// provider is returned as a nil interface.
func (a *app) providers(ctx context.Context) (gemini, xai imagegen.Provider, err error) {
	cfg := a.cfg
	if cfg.GeminiEnabled() {
		p, err := imagegen.NewGeminiProvider(ctx, imagegen.GeminiProviderConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		})
		if err != nil {
			return nil, nil, err
		}
		gemini = p
	}
	if cfg.XAIEnabled() {
		p, err := imagegen.NewXAIProvider(imagegen.XAIProviderConfig{
			APIKey:     cfg.XAIAPIKey,
			BaseURL:    cfg.XAIAPIURL,
			Model:      cfg.XAIModel,
			HTTPClient: core.GetHTTPClient(cfg, cfg.XAITimeout),
		})
		if err != nil {
			return nil, nil, err
		}
		xai = p
	}
	return gemini, xai, nil
}

func enabledModes(cfg *core.Config) []db.Mode {
	modes := []db.Mode{db.ModeSD}
	if cfg.GeminiEnabled() {
		modes = append(modes, db.ModeGemini)
	}
	if cfg.XAIEnabled() {
		modes = append(modes, db.ModeXAI)
	}
	return modes
}

// serve starts the worker, the HTTP API and the Discord session, then
// blocks until shutdown and returns the exit code.
func (a *app) serve(ctx context.Context) int {
	m := a.shutdown
	m.Start()

	if err := a.queue.Start(ctx); err != nil {
		a.logger.Error("Failed to start queue", zap.Error(err))
		_ = m.Shutdown()
		return core.ExitCodeStartup
	}

	done := a.repo.StartCleanupScheduler(m.Context(), db.CleanupSchedulerConfig{
		Policy: db.CleanupPolicy{
			RequestRetentionDays: a.cfg.RequestRetentionDays,
			Vacuum:               true,
		},
		Interval:  a.cfg.ResearchCacheCleanupInterval,
		OnCleanup: a.logCleanup,
	})
	m.Register("cleanup-scheduler", shutdown.PriorityCleanupScheduler, func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	m.Register("http-server", shutdown.PriorityHTTPServer, a.server.Shutdown)
	go func() {
		if err := a.server.Start(); err != nil {
			a.logger.Error("API server failed", zap.Error(err))
			m.Trigger("api server failed")
		}
	}()

	if err := a.bot.Open(); err != nil {
		a.logger.Error("Failed to connect to Discord", zap.Error(err))
		_ = m.Shutdown()
		return core.ExitCodeStartup
	}
	m.Register("discord", shutdown.PriorityDiscord, func(context.Context) error {
		return a.bot.Close()
	})

	a.logger.Info("diffuse-pilot is running", zap.String("api_addr", a.server.Addr()))

	select {
	case <-m.Context().Done():
	case <-ctx.Done():
		m.Trigger("service stop")
	}

	if err := m.Shutdown(); err != nil {
		a.logger.Error("Shutdown completed with errors", zap.Error(err))
		return core.ExitCodeError
	}
	return core.ExitCodeSuccess
}

func (a *app) logCleanup(result db.CleanupResult, err error) {
	if err != nil {
		a.logger.Error("Database cleanup failed", zap.Error(err))
		return
	}
	if result.TotalDeleted() == 0 {
		a.logger.Debug("Database cleanup found nothing to remove")
		return
	}
	a.logger.Info("Database cleanup completed",
		zap.Int64("research_cache_deleted", result.ResearchCacheDeleted),
		zap.Int64("requests_deleted", result.RequestsDeleted),
		zap.Duration("duration", result.Duration))
}
