package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/core/validation"
	"github.com/hiyori-akane/diffuse-pilot/logging"
)

// upstreamCheckTimeout bounds each reachability probe at startup.
const upstreamCheckTimeout = 5 * time.Second

func main() {
	// Environment variables may also come from the process environment.
	if err := godotenv.Load(); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	if HandleServiceCommand(os.Args) {
		return
	}

	os.Exit(run(context.Background()))
}

// run starts every component and blocks until a signal arrives or ctx is
// cancelled. It returns the process exit code.
func run(ctx context.Context) int {
	cfg, err := core.LoadConfig()
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, "Configuration error:")
		fmt.Fprintf(os.Stderr, "  %v\n", err)
		return core.ExitCodeConfig
	}

	logger, err := logging.NewLogger(logging.Options{
		Development: cfg.DevMode,
		Level:       cfg.LogLevel,
		FilePath:    cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return core.ExitCodeStartup
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Printf("Failed to sync logger: %v\n", syncErr)
		}
	}()

	logger.Info("Starting diffuse-pilot", zap.String("version", core.GetVersionInfo()))

	if code := runStartupValidation(ctx, cfg, logger); code != core.ExitCodeSuccess {
		return code
	}

	logConfig(cfg, logger)

	a := newApp(cfg, logger.Zap())
	if err := a.build(ctx); err != nil {
		logger.Error("Startup failed", zap.Error(err))
		_ = a.shutdown.Shutdown()
		return core.ExitCodeStartup
	}

	code := a.serve(ctx)
	logger.Info("Exiting", zap.Int("exit_code", code), zap.String("reason", core.ExitCodeName(code)))
	return code
}

// runStartupValidation prints the startup checks and returns
// ExitCodeConfig when any of them failed.
func runStartupValidation(ctx context.Context, cfg *core.Config, logger *logging.Logger) int {
	result := validation.NewSuite(cfg).
		WithTimeout(upstreamCheckTimeout).
		Validate(ctx)

	if !result.Success {
		for _, step := range result.Steps {
			if step.Status == validation.StepFailed {
				logger.Error("Validation step failed",
					zap.String("step", step.Name),
					zap.String("message", step.Message),
					zap.Error(step.Error))
			}
		}
		return core.ExitCodeConfig
	}

	for _, step := range result.Steps {
		if step.Status == validation.StepWarning {
			logger.Warn("Validation warning",
				zap.String("step", step.Name),
				zap.String("message", step.Message),
				zap.Error(step.Error))
		}
	}
	logger.Info("Startup validation passed",
		zap.Int("checks_passed", result.PassedSteps),
		zap.Int("warnings", result.Warnings),
		zap.Duration("duration", result.Duration))
	return core.ExitCodeSuccess
}

func logConfig(cfg *core.Config, logger *logging.Logger) {
	logger.Info("Configuration loaded",
		zap.String("sd_api_url", cfg.SDAPIURL),
		zap.Duration("sd_api_timeout", cfg.SDAPITimeout),
		zap.String("ollama_api_url", cfg.OllamaAPIURL),
		zap.String("ollama_model", cfg.OllamaModel),
		zap.Bool("gemini_enabled", cfg.GeminiEnabled()),
		zap.Bool("xai_enabled", cfg.XAIEnabled()),
		zap.Bool("research_enabled", cfg.ResearchEnabled()),
		zap.String("database_path", cfg.DatabasePath),
		zap.String("image_storage_path", cfg.ImageStoragePath),
		zap.Int("default_image_count", cfg.DefaultImageCount),
		zap.String("api_addr", fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)),
		zap.Bool("allow_self_signed_certs", cfg.AllowSelfSignedCerts),
		zap.Bool("dev_mode", cfg.DevMode),
	)
}
