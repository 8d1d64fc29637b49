package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetResearchCache returns the cached results for queryHash if present and
// not expired at now. Returns ErrNotFound otherwise.
func (r *Repository) GetResearchCache(ctx context.Context, queryHash string, now time.Time) (*ResearchCacheEntry, error) {
	var (
		e                               ResearchCacheEntry
		results, createdAt, expiresAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT query_hash, query, results, created_at, expires_at
		FROM web_research_cache WHERE query_hash = ? AND expires_at > ?`,
		queryHash, formatTime(now)).Scan(&e.QueryHash, &e.Query, &results, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("research cache %s: %w", queryHash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load research cache: %w", err)
	}

	e.Results = []byte(results)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// PutResearchCache stores or replaces the cached results for a query.
func (r *Repository) PutResearchCache(ctx context.Context, e *ResearchCacheEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO web_research_cache (query_hash, query, results, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(query_hash) DO UPDATE SET
			query = excluded.query,
			results = excluded.results,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		e.QueryHash, e.Query, string(e.Results), formatTime(e.CreatedAt), formatTime(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to store research cache: %w", err)
	}
	return nil
}
