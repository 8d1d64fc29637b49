package shutdown

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

// TempCleaner removes stale temporary files. *imagegen.Store implements it.
type TempCleaner interface {
	CleanupTemp(maxAge time.Duration) (int, error)
}

// CleanupTempImages returns a step that removes temporary image files older
// than maxAge. Failures are logged and never block shutdown.
func CleanupTempImages(logger *zap.Logger, cleaner TempCleaner, maxAge time.Duration) core.ShutdownFunc {
	return func(ctx context.Context) error {
		if ctx.Err() != nil {
			logger.Warn("Shutdown deadline reached, skipping temp image cleanup")
			return nil
		}
		removed, err := cleaner.CleanupTemp(maxAge)
		if err != nil {
			logger.Warn("Temp image cleanup failed", zap.Error(err))
			return nil
		}
		if removed > 0 {
			logger.Info("Removed temporary image files", zap.Int("count", removed))
		}
		return nil
	}
}

// Close returns a step that closes c.
func Close(c io.Closer) core.ShutdownFunc {
	return func(context.Context) error {
		return c.Close()
	}
}
