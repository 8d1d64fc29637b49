package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// maxThreadHistory bounds the request history kept per thread.
const maxThreadHistory = 50

// RecordThreadGeneration upserts the thread context after a successful
// generation: the thread's latest metadata becomes metadataID and requestID
// is appended to its history.
func (r *Repository) RecordThreadGeneration(ctx context.Context, guildID, threadID, userID, requestID, metadataID string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var historyJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT generation_history FROM thread_contexts WHERE thread_id = ?`, threadID).Scan(&historyJSON)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to load thread context: %w", err)
		}

		var history []string
		if historyJSON != "" {
			if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
				return fmt.Errorf("failed to decode thread history: %w", err)
			}
		}
		history = append(history, requestID)
		if len(history) > maxThreadHistory {
			history = history[len(history)-maxThreadHistory:]
		}
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode thread history: %w", err)
		}

		now := formatTime(r.now())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO thread_contexts (guild_id, thread_id, user_id, generation_history, latest_metadata_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id) DO UPDATE SET
				generation_history = excluded.generation_history,
				latest_metadata_id = excluded.latest_metadata_id,
				updated_at = excluded.updated_at`,
			guildID, threadID, userID, string(encoded), metadataID, now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert thread context: %w", err)
		}
		return nil
	})
}

// GetThreadContext loads the context of a thread. Returns ErrNotFound when
// the thread has no successful generation yet.
func (r *Repository) GetThreadContext(ctx context.Context, threadID string) (*ThreadContext, error) {
	var (
		tc                   ThreadContext
		history              string
		latest               sql.NullString
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, guild_id, thread_id, user_id, generation_history, latest_metadata_id, created_at, updated_at
		FROM thread_contexts WHERE thread_id = ?`, threadID).
		Scan(&tc.ID, &tc.GuildID, &tc.ThreadID, &tc.UserID, &history, &latest, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread context %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread context: %w", err)
	}

	tc.LatestMetadataID = latest.String
	if err := json.Unmarshal([]byte(history), &tc.History); err != nil {
		return nil, fmt.Errorf("failed to decode thread history: %w", err)
	}
	if tc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if tc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &tc, nil
}

// LatestThreadMetadata returns the metadata of the thread's latest successful
// generation, or nil when the thread has none.
func (r *Repository) LatestThreadMetadata(ctx context.Context, threadID string) (*Metadata, error) {
	if threadID == "" {
		return nil, nil
	}

	tc, err := r.GetThreadContext(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tc.LatestMetadataID == "" {
		return nil, nil
	}

	m, err := r.GetMetadata(ctx, tc.LatestMetadataID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return m, err
}
