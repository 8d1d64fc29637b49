package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const settingsColumns = `id, guild_id, COALESCE(user_id, ''), default_model, default_lora_list,
	default_prompt_suffix, default_sd_params, seed, batch_size, batch_count, hires_upscaler,
	hires_steps, denoising_strength, upscale_by, refiner_checkpoint, refiner_switch_at,
	created_at, updated_at`

func scanSettings(row RowScanner) (*Settings, error) {
	var (
		s                                                Settings
		model, loras, suffix, sdParams, upscaler, refine sql.NullString
		seed                                             sql.NullInt64
		batchSize, batchCount, hiresSteps                sql.NullInt64
		denoise, upscaleBy, switchAt                     sql.NullFloat64
		createdAt, updatedAt                             string
	)
	if err := row.Scan(&s.ID, &s.GuildID, &s.UserID, &model, &loras, &suffix, &sdParams, &seed,
		&batchSize, &batchCount, &upscaler, &hiresSteps, &denoise, &upscaleBy, &refine, &switchAt,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	s.DefaultModel = nullableString(model)
	s.DefaultPromptSuffix = nullableString(suffix)
	s.HiresUpscaler = nullableString(upscaler)
	s.RefinerCheckpoint = nullableString(refine)
	if seed.Valid {
		v := seed.Int64
		s.Seed = &v
	}
	s.BatchSize = nullableInt(batchSize)
	s.BatchCount = nullableInt(batchCount)
	s.HiresSteps = nullableInt(hiresSteps)
	s.DenoisingStrength = nullableFloat(denoise)
	s.UpscaleBy = nullableFloat(upscaleBy)
	s.RefinerSwitchAt = nullableFloat(switchAt)

	if err := unmarshalJSON(loras, &s.DefaultLoRAs); err != nil {
		return nil, fmt.Errorf("failed to decode default lora list: %w", err)
	}
	if sdParams.Valid && sdParams.String != "" {
		s.DefaultSDParams = &SDParams{}
		if err := unmarshalJSON(sdParams, s.DefaultSDParams); err != nil {
			return nil, fmt.Errorf("failed to decode default sd params: %w", err)
		}
	}

	var err error
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// settingsScope returns the WHERE clause and args for an exact guild/user scope.
func settingsScope(guildID, userID string) (string, []interface{}) {
	if userID == "" {
		return `guild_id = ? AND user_id IS NULL`, []interface{}{guildID}
	}
	return `guild_id = ? AND user_id = ?`, []interface{}{guildID, userID}
}

// GetSettings loads the settings row of exactly this scope: the guild-wide row
// when userID is empty, otherwise the user's row. Returns ErrNotFound when absent.
func (r *Repository) GetSettings(ctx context.Context, guildID, userID string) (*Settings, error) {
	where, args := settingsScope(guildID, userID)
	s, err := scanSettings(r.db.QueryRowContext(ctx,
		`SELECT `+settingsColumns+` FROM global_settings WHERE `+where+` ORDER BY id DESC LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settings for guild %s user %q: %w", guildID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return s, nil
}

// EffectiveSettings returns the user's row when present, otherwise the
// guild-wide row, otherwise nil.
func (r *Repository) EffectiveSettings(ctx context.Context, guildID, userID string) (*Settings, error) {
	if userID != "" {
		s, err := r.GetSettings(ctx, guildID, userID)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	s, err := r.GetSettings(ctx, guildID, "")
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// UpsertSettings merges the non-nil fields of patch into the row of patch's
// scope, creating it when missing, and returns the stored row.
func (r *Repository) UpsertSettings(ctx context.Context, patch *Settings) (*Settings, error) {
	where, args := settingsScope(patch.GuildID, patch.UserID)

	var stored *Settings
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := scanSettings(tx.QueryRowContext(ctx,
			`SELECT `+settingsColumns+` FROM global_settings WHERE `+where+` ORDER BY id DESC LIMIT 1`, args...))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = &Settings{GuildID: patch.GuildID, UserID: patch.UserID}
		case err != nil:
			return fmt.Errorf("failed to load settings: %w", err)
		}

		merged := mergeSettings(current, patch)
		now := r.now()
		merged.UpdatedAt = now

		loras, err := marshalJSON(merged.DefaultLoRAs)
		if err != nil {
			return fmt.Errorf("failed to encode default lora list: %w", err)
		}
		sdParams, err := marshalJSON(merged.DefaultSDParams)
		if err != nil {
			return fmt.Errorf("failed to encode default sd params: %w", err)
		}

		values := []interface{}{
			merged.DefaultModel, loras, merged.DefaultPromptSuffix, sdParams, merged.Seed,
			merged.BatchSize, merged.BatchCount, merged.HiresUpscaler, merged.HiresSteps,
			merged.DenoisingStrength, merged.UpscaleBy, merged.RefinerCheckpoint, merged.RefinerSwitchAt,
		}

		if merged.ID == 0 {
			merged.CreatedAt = now
			res, err := tx.ExecContext(ctx, `
				INSERT INTO global_settings
					(default_model, default_lora_list, default_prompt_suffix, default_sd_params, seed,
					 batch_size, batch_count, hires_upscaler, hires_steps, denoising_strength, upscale_by,
					 refiner_checkpoint, refiner_switch_at, guild_id, user_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				append(values, merged.GuildID, nullString(merged.UserID), formatTime(now), formatTime(now))...)
			if err != nil {
				return fmt.Errorf("failed to insert settings: %w", err)
			}
			if merged.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read settings id: %w", err)
			}
		} else {
			_, err := tx.ExecContext(ctx, `
				UPDATE global_settings SET
					default_model = ?, default_lora_list = ?, default_prompt_suffix = ?, default_sd_params = ?,
					seed = ?, batch_size = ?, batch_count = ?, hires_upscaler = ?, hires_steps = ?,
					denoising_strength = ?, upscale_by = ?, refiner_checkpoint = ?, refiner_switch_at = ?,
					updated_at = ?
				WHERE id = ?`,
				append(values, formatTime(now), merged.ID)...)
			if err != nil {
				return fmt.Errorf("failed to update settings: %w", err)
			}
		}

		stored = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// DeleteSettings removes the row of exactly this scope. It reports whether a
// row existed.
func (r *Repository) DeleteSettings(ctx context.Context, guildID, userID string) (bool, error) {
	where, args := settingsScope(guildID, userID)
	res, err := r.db.ExecContext(ctx, `DELETE FROM global_settings WHERE `+where, args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// mergeSettings overlays the non-nil fields of patch onto a copy of base.
// default_sd_params is merged key by key.
func mergeSettings(base, patch *Settings) *Settings {
	out := *base
	if patch.DefaultModel != nil {
		out.DefaultModel = patch.DefaultModel
	}
	if patch.DefaultLoRAs != nil {
		out.DefaultLoRAs = patch.DefaultLoRAs
	}
	if patch.DefaultPromptSuffix != nil {
		out.DefaultPromptSuffix = patch.DefaultPromptSuffix
	}
	if patch.DefaultSDParams != nil {
		merged := SDParams{}
		if base.DefaultSDParams != nil {
			merged = *base.DefaultSDParams
		}
		p := patch.DefaultSDParams
		if p.Steps != nil {
			merged.Steps = p.Steps
		}
		if p.CFGScale != nil {
			merged.CFGScale = p.CFGScale
		}
		if p.Sampler != nil {
			merged.Sampler = p.Sampler
		}
		if p.Scheduler != nil {
			merged.Scheduler = p.Scheduler
		}
		if p.Width != nil {
			merged.Width = p.Width
		}
		if p.Height != nil {
			merged.Height = p.Height
		}
		out.DefaultSDParams = &merged
	}
	if patch.Seed != nil {
		out.Seed = patch.Seed
	}
	if patch.BatchSize != nil {
		out.BatchSize = patch.BatchSize
	}
	if patch.BatchCount != nil {
		out.BatchCount = patch.BatchCount
	}
	if patch.HiresUpscaler != nil {
		out.HiresUpscaler = patch.HiresUpscaler
	}
	if patch.HiresSteps != nil {
		out.HiresSteps = patch.HiresSteps
	}
	if patch.DenoisingStrength != nil {
		out.DenoisingStrength = patch.DenoisingStrength
	}
	if patch.UpscaleBy != nil {
		out.UpscaleBy = patch.UpscaleBy
	}
	if patch.RefinerCheckpoint != nil {
		out.RefinerCheckpoint = patch.RefinerCheckpoint
	}
	if patch.RefinerSwitchAt != nil {
		out.RefinerSwitchAt = patch.RefinerSwitchAt
	}
	return &out
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
