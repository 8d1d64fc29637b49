package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CleanupResult contains statistics about a cleanup operation.
type CleanupResult struct {
	// ResearchCacheDeleted is the number of expired web_research_cache rows removed
	ResearchCacheDeleted int64
	// RequestsDeleted is the number of terminal requests purged (metadata and
	// image rows go with them through ON DELETE CASCADE)
	RequestsDeleted int64
	// ImagePaths lists the files of purged image rows. Removing them from
	// disk is the caller's job.
	ImagePaths []string
	// Duration is how long the cleanup took
	Duration time.Duration
}

// TotalDeleted is the number of top-level rows removed.
func (r CleanupResult) TotalDeleted() int64 {
	return r.ResearchCacheDeleted + r.RequestsDeleted
}

// CleanupPolicy controls what Cleanup removes.
type CleanupPolicy struct {
	// RequestRetentionDays purges COMPLETED and FAILED requests older than
	// this many days. Zero keeps every request.
	RequestRetentionDays int
	// Vacuum runs VACUUM after a cleanup that deleted anything.
	Vacuum bool
}

// Cleanup removes expired research cache entries and, when the policy sets a
// retention, old terminal requests. Deletions share one transaction; VACUUM
// runs afterwards outside it.
func (r *Repository) Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}

	if policy.RequestRetentionDays < 0 {
		return result, fmt.Errorf("request retention must be non-negative, got %d", policy.RequestRetentionDays)
	}

	now := r.now()
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM web_research_cache WHERE expires_at <= ?`, formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to delete expired research cache: %w", err)
		}
		if result.ResearchCacheDeleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected for web_research_cache: %w", err)
		}

		if policy.RequestRetentionDays == 0 {
			return nil
		}

		cutoff := formatTime(now.AddDate(0, 0, -policy.RequestRetentionDays))
		rows, err := tx.QueryContext(ctx, `
			SELECT i.file_path FROM generated_images i
			JOIN generation_requests g ON g.id = i.request_id
			WHERE g.status IN ('COMPLETED', 'FAILED') AND g.updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to query expired images: %w", err)
		}
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan image path: %w", err)
			}
			result.ImagePaths = append(result.ImagePaths, path)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating image rows: %w", err)
		}
		rows.Close()

		res, err = tx.ExecContext(ctx, `
			DELETE FROM generation_requests
			WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge old requests: %w", err)
		}
		if result.RequestsDeleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected for generation_requests: %w", err)
		}
		return nil
	})
	if err != nil {
		result.ImagePaths = nil
		result.Duration = time.Since(start)
		return result, err
	}

	if policy.Vacuum && result.TotalDeleted() > 0 {
		if _, err := r.db.ExecContext(ctx, "VACUUM"); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// CleanupSchedulerConfig holds configuration for the cleanup scheduler.
type CleanupSchedulerConfig struct {
	Policy CleanupPolicy
	// Interval is how often to run cleanup
	Interval time.Duration
	// OnCleanup is called after each cleanup run (optional)
	OnCleanup func(result CleanupResult, err error)
}

// DefaultCleanupSchedulerConfig returns a six-hourly cache sweep that keeps
// every request.
func DefaultCleanupSchedulerConfig() CleanupSchedulerConfig {
	return CleanupSchedulerConfig{
		Policy:   CleanupPolicy{Vacuum: true},
		Interval: 6 * time.Hour,
	}
}

// StartCleanupScheduler runs Cleanup immediately and then at every interval
// until ctx is cancelled. The returned channel is closed when the scheduler
// goroutine exits.
func (r *Repository) StartCleanupScheduler(ctx context.Context, config CleanupSchedulerConfig) <-chan struct{} {
	if config.Interval <= 0 {
		config.Interval = DefaultCleanupSchedulerConfig().Interval
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		run := func() {
			result, err := r.Cleanup(ctx, config.Policy)
			if config.OnCleanup != nil {
				config.OnCleanup(result, err)
			}
		}
		run()

		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
	return done
}
