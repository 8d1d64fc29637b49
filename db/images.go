package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateImage inserts one generated image row.
func (r *Repository) CreateImage(ctx context.Context, img *Image) error {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	img.CreatedAt = r.now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO generated_images (id, request_id, metadata_id, file_path, discord_url, file_size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		img.ID, img.RequestID, img.MetadataID, img.FilePath, nullString(img.DiscordURL),
		img.FileSizeBytes, formatTime(img.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generated image: %w", err)
	}
	return nil
}

// ListImages returns the images of a request in creation order.
func (r *Repository) ListImages(ctx context.Context, requestID string) ([]Image, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, request_id, metadata_id, file_path, COALESCE(discord_url, ''), file_size_bytes, created_at
		FROM generated_images WHERE request_id = ? ORDER BY created_at ASC, rowid ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query generated images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var createdAt string
		if err := rows.Scan(&img.ID, &img.RequestID, &img.MetadataID, &img.FilePath,
			&img.DiscordURL, &img.FileSizeBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		if img.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating image rows: %w", err)
	}
	return images, nil
}

// SetImageDiscordURL records the attachment URL after an image is posted.
func (r *Repository) SetImageDiscordURL(ctx context.Context, imageID, url string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE generated_images SET discord_url = ? WHERE id = ?`, url, imageID)
	if err != nil {
		return fmt.Errorf("failed to update discord url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("generated image %s: %w", imageID, ErrNotFound)
	}
	return nil
}
