package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateMetadata inserts resolved generation parameters. ID and CreatedAt are
// filled in when empty.
func (r *Repository) CreateMetadata(ctx context.Context, m *Metadata) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = r.now()

	loras, err := marshalJSON(m.LoRAs)
	if err != nil {
		return fmt.Errorf("failed to encode lora list: %w", err)
	}
	raw, err := marshalJSON(m.RawParams)
	if err != nil {
		return fmt.Errorf("failed to encode raw params: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO generation_metadata
			(id, request_id, prompt, negative_prompt, model_name, lora_list, steps, cfg_scale,
			 sampler, scheduler, seed, width, height, raw_params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RequestID, m.Prompt, m.NegativePrompt, m.ModelName, loras, m.Steps, m.CFGScale,
		m.Sampler, nullString(m.Scheduler), m.Seed, m.Width, m.Height, raw, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation metadata: %w", err)
	}
	return nil
}

const metadataColumns = `id, request_id, prompt, negative_prompt, model_name, lora_list, steps,
	cfg_scale, sampler, scheduler, seed, width, height, raw_params, created_at`

func scanMetadata(row RowScanner) (*Metadata, error) {
	var (
		m                     Metadata
		loras, raw, scheduler sql.NullString
		createdAt             string
	)
	if err := row.Scan(&m.ID, &m.RequestID, &m.Prompt, &m.NegativePrompt, &m.ModelName, &loras,
		&m.Steps, &m.CFGScale, &m.Sampler, &scheduler, &m.Seed, &m.Width, &m.Height, &raw, &createdAt); err != nil {
		return nil, err
	}
	m.Scheduler = scheduler.String

	if err := unmarshalJSON(loras, &m.LoRAs); err != nil {
		return nil, fmt.Errorf("failed to decode lora list: %w", err)
	}
	if err := unmarshalJSON(raw, &m.RawParams); err != nil {
		return nil, fmt.Errorf("failed to decode raw params: %w", err)
	}

	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMetadata loads metadata by id. It returns ErrNotFound when absent.
func (r *Repository) GetMetadata(ctx context.Context, id string) (*Metadata, error) {
	m, err := scanMetadata(r.db.QueryRowContext(ctx,
		`SELECT `+metadataColumns+` FROM generation_metadata WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("generation metadata %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load generation metadata: %w", err)
	}
	return m, nil
}

// GetMetadataForRequest loads the newest metadata row of a request.
// It returns ErrNotFound when the request has none.
func (r *Repository) GetMetadataForRequest(ctx context.Context, requestID string) (*Metadata, error) {
	m, err := scanMetadata(r.db.QueryRowContext(ctx,
		`SELECT `+metadataColumns+` FROM generation_metadata
		 WHERE request_id = ? ORDER BY created_at DESC LIMIT 1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metadata for request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load generation metadata: %w", err)
	}
	return m, nil
}
