// Package settings manages per-guild and per-user generation defaults:
// validation at the ingestion boundary and the user-over-guild lookup used
// by the generation pipeline.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
)

// Store is the persistence used by Service. *db.Repository implements it.
type Store interface {
	GetSettings(ctx context.Context, guildID, userID string) (*db.Settings, error)
	EffectiveSettings(ctx context.Context, guildID, userID string) (*db.Settings, error)
	UpsertSettings(ctx context.Context, patch *db.Settings) (*db.Settings, error)
	DeleteSettings(ctx context.Context, guildID, userID string) (bool, error)
}

// LoRAEntry is one LoRA of a settings payload.
type LoRAEntry struct {
	Name   string   `json:"name" validate:"required,notblank"`
	Weight *float64 `json:"weight" validate:"required"`
}

// SDParams is the default_sd_params object of a settings payload.
type SDParams struct {
	Steps     *int     `json:"steps,omitempty" validate:"omitempty,min=1,max=150"`
	CFGScale  *float64 `json:"cfg_scale,omitempty" validate:"omitempty,min=1,max=30"`
	Sampler   *string  `json:"sampler,omitempty" validate:"omitempty,notblank"`
	Scheduler *string  `json:"scheduler,omitempty" validate:"omitempty,notblank"`
	Width     *int     `json:"width,omitempty" validate:"omitempty,min=64,max=2048"`
	Height    *int     `json:"height,omitempty" validate:"omitempty,min=64,max=2048"`
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	DefaultModel        *string     `json:"default_model,omitempty" validate:"omitempty,notblank"`
	DefaultLoRAs        []LoRAEntry `json:"default_lora_list,omitempty" validate:"omitempty,dive"`
	DefaultPromptSuffix *string     `json:"default_prompt_suffix,omitempty"`
	DefaultSDParams     *SDParams   `json:"default_sd_params,omitempty"`
	Seed                *int64      `json:"seed,omitempty" validate:"omitempty,min=-1"`
	BatchSize           *int        `json:"batch_size,omitempty" validate:"omitempty,min=1,max=8"`
	BatchCount          *int        `json:"batch_count,omitempty" validate:"omitempty,min=1,max=100"`
	HiresUpscaler       *string     `json:"hires_upscaler,omitempty" validate:"omitempty,notblank"`
	HiresSteps          *int        `json:"hires_steps,omitempty" validate:"omitempty,min=1,max=150"`
	DenoisingStrength   *float64    `json:"denoising_strength,omitempty" validate:"omitempty,min=0,max=1"`
	UpscaleBy           *float64    `json:"upscale_by,omitempty" validate:"omitempty,min=1,max=4"`
	RefinerCheckpoint   *string     `json:"refiner_checkpoint,omitempty" validate:"omitempty,notblank"`
	RefinerSwitchAt     *float64    `json:"refiner_switch_at,omitempty" validate:"omitempty,min=0,max=1"`
}

// View is the JSON representation of a stored settings row.
type View struct {
	GuildID             string       `json:"guild_id"`
	UserID              *string      `json:"user_id"`
	DefaultModel        *string      `json:"default_model"`
	DefaultLoRAs        []db.LoRA    `json:"default_lora_list"`
	DefaultPromptSuffix *string      `json:"default_prompt_suffix"`
	DefaultSDParams     *db.SDParams `json:"default_sd_params"`
	Seed                *int64       `json:"seed"`
	BatchSize           *int         `json:"batch_size"`
	BatchCount          *int         `json:"batch_count"`
	HiresUpscaler       *string      `json:"hires_upscaler"`
	HiresSteps          *int         `json:"hires_steps"`
	DenoisingStrength   *float64     `json:"denoising_strength"`
	UpscaleBy           *float64     `json:"upscale_by"`
	RefinerCheckpoint   *string      `json:"refiner_checkpoint"`
	RefinerSwitchAt     *float64     `json:"refiner_switch_at"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// NewView converts a stored row.
func NewView(s *db.Settings) View {
	v := View{
		GuildID:             s.GuildID,
		DefaultModel:        s.DefaultModel,
		DefaultLoRAs:        s.DefaultLoRAs,
		DefaultPromptSuffix: s.DefaultPromptSuffix,
		DefaultSDParams:     s.DefaultSDParams,
		Seed:                s.Seed,
		BatchSize:           s.BatchSize,
		BatchCount:          s.BatchCount,
		HiresUpscaler:       s.HiresUpscaler,
		HiresSteps:          s.HiresSteps,
		DenoisingStrength:   s.DenoisingStrength,
		UpscaleBy:           s.UpscaleBy,
		RefinerCheckpoint:   s.RefinerCheckpoint,
		RefinerSwitchAt:     s.RefinerSwitchAt,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
	if s.UserID != "" {
		u := s.UserID
		v.UserID = &u
	}
	return v
}

// Service validates and stores settings.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   *zap.Logger
}

// NewService creates a settings service.
func NewService(store Store, logger *zap.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	// notblank is registered from the non-standard set; it is the only one used.
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, validate: v, logger: logger.Named("settings")}
}

// Get returns the row of exactly this scope (guild-wide when userID is
// empty). It returns a RECORD_NOT_FOUND AppError when absent.
func (s *Service) Get(ctx context.Context, guildID, userID string) (*db.Settings, error) {
	if strings.TrimSpace(guildID) == "" {
		return nil, core.ValidationError("guild_id is required")
	}
	st, err := s.store.GetSettings(ctx, guildID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, core.NotFoundError("settings", scopeName(guildID, userID))
	}
	if err != nil {
		return nil, core.NewAppError(core.CodeDatabase, "failed to load settings", err)
	}
	return st, nil
}

// Effective returns the user's row, else the guild row, else nil.
func (s *Service) Effective(ctx context.Context, guildID, userID string) (*db.Settings, error) {
	st, err := s.store.EffectiveSettings(ctx, guildID, userID)
	if err != nil {
		return nil, core.NewAppError(core.CodeDatabase, "failed to load settings", err)
	}
	return st, nil
}

// Upsert validates patch and merges it into the row of the scope, creating
// the row when missing.
func (s *Service) Upsert(ctx context.Context, guildID, userID string, patch Patch) (*db.Settings, error) {
	if strings.TrimSpace(guildID) == "" {
		return nil, core.ValidationError("guild_id is required")
	}
	if err := s.Validate(patch); err != nil {
		return nil, err
	}

	row := patch.toRow()
	row.GuildID = guildID
	row.UserID = userID

	stored, err := s.store.UpsertSettings(ctx, row)
	if err != nil {
		return nil, core.NewAppError(core.CodeDatabase, "failed to save settings", err)
	}
	s.logger.Info("Settings updated", zap.String("guild_id", guildID), zap.String("user_id", userID))
	return stored, nil
}

// Delete removes the row of exactly this scope. It returns a
// RECORD_NOT_FOUND AppError when nothing was deleted.
func (s *Service) Delete(ctx context.Context, guildID, userID string) error {
	if strings.TrimSpace(guildID) == "" {
		return core.ValidationError("guild_id is required")
	}
	deleted, err := s.store.DeleteSettings(ctx, guildID, userID)
	if err != nil {
		return core.NewAppError(core.CodeDatabase, "failed to delete settings", err)
	}
	if !deleted {
		return core.NotFoundError("settings", scopeName(guildID, userID))
	}
	s.logger.Info("Settings deleted", zap.String("guild_id", guildID), zap.String("user_id", userID))
	return nil
}

// Validate checks patch against the accepted ranges and returns a
// VALIDATION_ERROR AppError naming every offending field.
func (s *Service) Validate(patch Patch) error {
	err := s.validate.Struct(patch)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return core.ValidationError("invalid settings: %v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return core.ValidationError("invalid settings: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i != -1 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "notblank":
		return fmt.Sprintf("%s must not be blank", field)
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func (p Patch) toRow() *db.Settings {
	row := &db.Settings{
		DefaultModel:        trimmed(p.DefaultModel),
		DefaultPromptSuffix: p.DefaultPromptSuffix,
		Seed:                p.Seed,
		BatchSize:           p.BatchSize,
		BatchCount:          p.BatchCount,
		HiresUpscaler:       trimmed(p.HiresUpscaler),
		HiresSteps:          p.HiresSteps,
		DenoisingStrength:   p.DenoisingStrength,
		UpscaleBy:           p.UpscaleBy,
		RefinerCheckpoint:   trimmed(p.RefinerCheckpoint),
		RefinerSwitchAt:     p.RefinerSwitchAt,
	}
	if p.DefaultLoRAs != nil {
		row.DefaultLoRAs = make([]db.LoRA, 0, len(p.DefaultLoRAs))
		for _, l := range p.DefaultLoRAs {
			row.DefaultLoRAs = append(row.DefaultLoRAs, db.LoRA{Name: strings.TrimSpace(l.Name), Weight: *l.Weight})
		}
	}
	if sp := p.DefaultSDParams; sp != nil {
		row.DefaultSDParams = &db.SDParams{
			Steps:     sp.Steps,
			CFGScale:  sp.CFGScale,
			Sampler:   trimmed(sp.Sampler),
			Scheduler: trimmed(sp.Scheduler),
			Width:     sp.Width,
			Height:    sp.Height,
		}
	}
	return row
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

func scopeName(guildID, userID string) string {
	if userID == "" {
		return "guild " + guildID
	}
	return fmt.Sprintf("guild %s user %s", guildID, userID)
}
