package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// UpsertLoRA inserts or updates a LoRA catalog entry keyed by name.
func (r *Repository) UpsertLoRA(ctx context.Context, l *LoRAMetadata) error {
	tags, err := json.Marshal(l.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode lora tags: %w", err)
	}
	if l.DownloadedAt.IsZero() {
		l.DownloadedAt = r.now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO lora_metadata (name, file_path, description, tags, file_hash, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			file_path = excluded.file_path,
			description = excluded.description,
			tags = excluded.tags,
			file_hash = excluded.file_hash`,
		l.Name, l.FilePath, nullString(l.Description), string(tags), nullString(l.FileHash), formatTime(l.DownloadedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert lora %s: %w", l.Name, err)
	}
	return nil
}

// ListLoRAs returns the LoRA catalog ordered by name.
func (r *Repository) ListLoRAs(ctx context.Context) ([]LoRAMetadata, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, file_path, COALESCE(description, ''), tags, COALESCE(file_hash, ''), downloaded_at
		FROM lora_metadata ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lora catalog: %w", err)
	}
	defer rows.Close()

	var loras []LoRAMetadata
	for rows.Next() {
		var (
			l            LoRAMetadata
			tags         sql.NullString
			downloadedAt string
		)
		if err := rows.Scan(&l.ID, &l.Name, &l.FilePath, &l.Description, &tags, &l.FileHash, &downloadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lora row: %w", err)
		}
		if err := unmarshalJSON(tags, &l.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode lora tags: %w", err)
		}
		if l.DownloadedAt, err = parseTime(downloadedAt); err != nil {
			return nil, err
		}
		loras = append(loras, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lora rows: %w", err)
	}
	return loras, nil
}
