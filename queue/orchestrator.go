package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/imagegen"
	"github.com/hiyori-akane/diffuse-pilot/imagegen/sd"
	"github.com/hiyori-akane/diffuse-pilot/llm"
	"github.com/hiyori-akane/diffuse-pilot/logging"
	"github.com/hiyori-akane/diffuse-pilot/params"
)

// defaultModelName is stored when no checkpoint is configured; the SD
// server keeps whatever model it has loaded.
const defaultModelName = "default"

// Repository is the persistence surface the orchestrator needs.
// *db.Repository implements it.
type Repository interface {
	GetRequest(ctx context.Context, id string) (*db.Request, error)
	UpdateStatus(ctx context.Context, id string, status db.Status, errMsg string) error
	CreateMetadata(ctx context.Context, m *db.Metadata) error
	CreateImage(ctx context.Context, img *db.Image) error
	LatestThreadMetadata(ctx context.Context, threadID string) (*db.Metadata, error)
	RecordThreadGeneration(ctx context.Context, guildID, threadID, userID, requestID, metadataID string) error
}

// SettingsProvider returns the effective settings of a user in a guild
// (user row over guild row), or nil when neither exists.
type SettingsProvider interface {
	Effective(ctx context.Context, guildID, userID string) (*db.Settings, error)
}

// Suggester turns an instruction into prompt and parameter suggestions.
// *llm.PromptAgent implements it.
type Suggester interface {
	Suggest(ctx context.Context, instruction string, previous *db.Metadata, settings *db.Settings, webResearch bool) (*llm.Suggestion, error)
}

// SDGenerator runs txt2img. *sd.Client implements it.
type SDGenerator interface {
	Txt2Img(ctx context.Context, req sd.Txt2ImgRequest) (*sd.Result, error)
}

// ImageSaver persists generated image bytes. *imagegen.Store implements it.
type ImageSaver interface {
	Save(data []byte) (*imagegen.SavedImage, error)
}

// OrchestratorDeps are the collaborators of an Orchestrator. Gemini and XAI
// are optional; requests in an unconfigured mode fail.
type OrchestratorDeps struct {
	Repository Repository
	Settings   SettingsProvider
	Agent      Suggester
	Resolver   *params.Resolver
	SD         SDGenerator
	Gemini     imagegen.Provider
	XAI        imagegen.Provider
	Images     ImageSaver

	// ImageCount is the batch size when settings do not set one.
	ImageCount int
}

// Orchestrator drives a single request from PENDING to a terminal status.
type Orchestrator struct {
	deps   OrchestratorDeps
	logger *zap.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Repository == nil:
		return nil, errors.New("queue: repository is required")
	case deps.Settings == nil:
		return nil, errors.New("queue: settings provider is required")
	case deps.Agent == nil:
		return nil, errors.New("queue: prompt agent is required")
	case deps.Resolver == nil:
		return nil, errors.New("queue: parameter resolver is required")
	case deps.SD == nil:
		return nil, errors.New("queue: SD client is required")
	case deps.Images == nil:
		return nil, errors.New("queue: image store is required")
	}
	if deps.ImageCount < 1 {
		deps.ImageCount = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, logger: logger.Named("orchestrator")}, nil
}

// Close releases provider clients that hold resources.
func (o *Orchestrator) Close() error {
	var errs []error
	for _, p := range []any{o.deps.SD, o.deps.Gemini, o.deps.XAI} {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// generation is the outcome of a provider pipeline before images are stored.
type generation struct {
	metadataID string
	images     [][]byte
}

// Process implements Processor. Every error is recorded on the request as
// FAILED and returned in the Result.
func (o *Orchestrator) Process(ctx context.Context, task Task) Result {
	start := time.Now()
	res := Result{RequestID: task.RequestID, Mode: task.Mode}
	log := o.logger.With(logging.RequestFields(task.RequestID, string(task.Mode))...)

	req, err := o.deps.Repository.GetRequest(ctx, task.RequestID)
	if err != nil {
		res.Status = db.StatusFailed
		res.Err = core.NewAppError(core.CodeDatabase, "failed to load request", err)
		res.Duration = time.Since(start)
		return res
	}
	if req.Status != db.StatusPending {
		log.Warn("Skipping request that is not pending", zap.String("status", string(req.Status)))
		res.Status = req.Status
		return res
	}
	if res.Mode == "" {
		res.Mode = req.Mode
	}

	if err := o.deps.Repository.UpdateStatus(ctx, req.ID, db.StatusProcessing, ""); err != nil {
		res.Status = db.StatusFailed
		res.Err = core.NewAppError(core.CodeDatabase, "failed to mark request processing", err)
		res.Duration = time.Since(start)
		return res
	}
	log.Info("Processing request", zap.String("instruction", truncate(req.OriginalInstruction, 100)))

	images, err := o.safeRun(ctx, req, res.Mode)
	end := time.Now()
	res.Duration = end.Sub(start)
	res.Images = images
	if err != nil {
		code, msg := DescribeFailure(err)
		if uerr := o.deps.Repository.UpdateStatus(ctx, req.ID, db.StatusFailed, msg); uerr != nil {
			log.Error("Failed to record request failure", zap.Error(uerr))
		}
		log.Error("Request failed",
			zap.String("error_code", string(code)),
			zap.Int("images", images),
			zap.Error(err))
		log.Debug("Request timing", logging.TimingFields(start, end)...)
		res.Status = db.StatusFailed
		res.Err = err
		return res
	}

	if err := o.deps.Repository.UpdateStatus(ctx, req.ID, db.StatusCompleted, ""); err != nil {
		res.Status = db.StatusFailed
		res.Err = core.NewAppError(core.CodeDatabase, "failed to mark request completed", err)
		_, msg := DescribeFailure(res.Err)
		if uerr := o.deps.Repository.UpdateStatus(ctx, req.ID, db.StatusFailed, msg); uerr != nil {
			log.Error("Failed to record request failure", zap.Error(uerr))
		}
		return res
	}
	res.Status = db.StatusCompleted
	log.Info("Request completed", zap.Int("images", images), zap.Duration("duration", res.Duration))
	return res
}

// safeRun is run with a panic in the pipeline turned into an INTERNAL
// error, so the request still reaches FAILED.
func (o *Orchestrator) safeRun(ctx context.Context, req *db.Request, mode db.Mode) (images int, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Recovered panic in pipeline",
				zap.String("request_id", req.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = core.NewAppError(core.CodeInternal, fmt.Sprint("panic: ", r), nil)
		}
	}()
	return o.run(ctx, req, mode)
}

// run executes the mode's pipeline and stores its images. It returns the
// number of images stored, which may be non-zero on error.
func (o *Orchestrator) run(ctx context.Context, req *db.Request, mode db.Mode) (int, error) {
	var (
		gen *generation
		err error
	)
	switch mode {
	case db.ModeSD:
		gen, err = o.generateSD(ctx, req)
	case db.ModeGemini:
		gen, err = o.generateDirect(ctx, req, o.deps.Gemini, "Gemini", core.CodeGeminiAPI)
	case db.ModeXAI:
		gen, err = o.generateDirect(ctx, req, o.deps.XAI, "xAI", core.CodeXAIAPI)
	default:
		err = core.ValidationError("unknown generation mode %q", mode)
	}
	if err != nil {
		return 0, err
	}

	stored, err := o.storeImages(ctx, req.ID, gen)
	if err != nil {
		return stored, err
	}

	if mode == db.ModeSD && req.ThreadID != "" {
		if err := o.deps.Repository.RecordThreadGeneration(ctx, req.GuildID, req.ThreadID, req.UserID, req.ID, gen.metadataID); err != nil {
			o.logger.Warn("Failed to update thread context",
				zap.String("request_id", req.ID),
				zap.String("thread_id", req.ThreadID),
				zap.Error(err))
		}
	}
	return stored, nil
}

func (o *Orchestrator) generateSD(ctx context.Context, req *db.Request) (*generation, error) {
	settings, err := o.deps.Settings.Effective(ctx, req.GuildID, req.UserID)
	if err != nil {
		return nil, err
	}

	var previous *db.Metadata
	if req.ThreadID != "" {
		previous, err = o.deps.Repository.LatestThreadMetadata(ctx, req.ThreadID)
		if err != nil {
			return nil, core.NewAppError(core.CodeDatabase, "failed to load thread context", err)
		}
	}

	suggestion, err := o.deps.Agent.Suggest(ctx, req.OriginalInstruction, previous, settings, req.WebResearch)
	if err != nil {
		return nil, err
	}

	in := params.Inputs{LLM: suggestion.Values, Previous: previous, Global: settings}
	if suggestion.Research != nil {
		in.Research = suggestion.Research.Values()
	}
	resolved := o.deps.Resolver.Resolve(in)

	model, loras := modelAndLoRAs(settings, previous)
	sdReq := buildTxt2Img(resolved, model, loras, settings, o.deps.ImageCount)

	raw, err := rawParams(sdReq)
	if err != nil {
		return nil, core.NewAppError(core.CodeInternal, "failed to encode request parameters", err)
	}
	raw["original_instruction"] = req.OriginalInstruction
	if suggestion.Research != nil {
		raw["web_research"] = suggestion.Research
	}

	meta := &db.Metadata{
		RequestID:      req.ID,
		Prompt:         resolved.Prompt,
		NegativePrompt: resolved.NegativePrompt,
		ModelName:      model,
		LoRAs:          loras,
		Steps:          resolved.Steps,
		CFGScale:       resolved.CFGScale,
		Sampler:        resolved.Sampler,
		Scheduler:      resolved.Scheduler,
		Seed:           resolved.Seed,
		Width:          resolved.Width,
		Height:         resolved.Height,
		RawParams:      raw,
	}
	if err := o.deps.Repository.CreateMetadata(ctx, meta); err != nil {
		return nil, core.NewAppError(core.CodeDatabase, "failed to save generation metadata", err)
	}

	o.logger.Info("Generating images",
		zap.String("request_id", req.ID),
		zap.Bool("follow_up", previous != nil),
		logging.GenerationField(logging.GenerationSummary{
			Model:     model,
			Sampler:   resolved.Sampler,
			Scheduler: resolved.Scheduler,
			Steps:     resolved.Steps,
			CFGScale:  resolved.CFGScale,
			Seed:      resolved.Seed,
			Width:     resolved.Width,
			Height:    resolved.Height,
			LoRAs:     len(loras),
			Images:    sdReq.BatchSize * max(sdReq.NIter, 1),
		}))

	result, err := o.deps.SD.Txt2Img(ctx, sdReq)
	if err != nil {
		return nil, err
	}
	return &generation{metadataID: meta.ID, images: result.Images}, nil
}

func (o *Orchestrator) generateDirect(ctx context.Context, req *db.Request, provider imagegen.Provider, label string, code core.ErrorCode) (*generation, error) {
	if provider == nil {
		return nil, core.NewAppError(code, label+" generation is not configured", nil)
	}

	o.logger.Info("Generating images",
		zap.String("request_id", req.ID),
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()))

	out, err := provider.Generate(ctx, req.OriginalInstruction)
	if err != nil {
		return nil, err
	}

	model := out.Model
	if model == "" {
		model = provider.Model()
	}
	raw := map[string]any{
		"original_instruction": req.OriginalInstruction,
		"provider":             provider.Name(),
		"model":                model,
	}
	if out.Description != "" {
		raw["description"] = out.Description
	}
	if len(out.ThoughtSignatures) > 0 {
		raw["thought_signatures"] = out.ThoughtSignatures
	}

	meta := &db.Metadata{
		RequestID: req.ID,
		Prompt:    req.OriginalInstruction,
		ModelName: model,
		Sampler:   label,
		Seed:      -1,
		RawParams: raw,
	}
	if err := o.deps.Repository.CreateMetadata(ctx, meta); err != nil {
		return nil, core.NewAppError(core.CodeDatabase, "failed to save generation metadata", err)
	}
	return &generation{metadataID: meta.ID, images: out.Images}, nil
}

// storeImages writes every image and its row. Already stored images are
// kept when a later one fails.
func (o *Orchestrator) storeImages(ctx context.Context, requestID string, gen *generation) (int, error) {
	for i, data := range gen.images {
		saved, err := o.deps.Images.Save(data)
		if err != nil {
			return i, core.NewAppError(core.CodeStorage, fmt.Sprintf("failed to save image %d", i+1), err)
		}
		img := &db.Image{
			RequestID:     requestID,
			MetadataID:    gen.metadataID,
			FilePath:      saved.Path,
			FileSizeBytes: saved.Size,
		}
		if err := o.deps.Repository.CreateImage(ctx, img); err != nil {
			return i, core.NewAppError(core.CodeDatabase, "failed to record image", err)
		}
	}
	return len(gen.images), nil
}

// modelAndLoRAs picks the checkpoint and LoRA list: settings first, then
// the previous generation of a follow-up.
func modelAndLoRAs(settings *db.Settings, previous *db.Metadata) (string, []db.LoRA) {
	model := defaultModelName
	var loras []db.LoRA
	if previous != nil {
		if previous.ModelName != "" {
			model = previous.ModelName
		}
		loras = previous.LoRAs
	}
	if settings != nil {
		if settings.DefaultModel != nil && strings.TrimSpace(*settings.DefaultModel) != "" {
			model = strings.TrimSpace(*settings.DefaultModel)
		}
		if settings.DefaultLoRAs != nil {
			loras = settings.DefaultLoRAs
		}
	}
	return model, loras
}

// buildTxt2Img converts resolved parameters and the batch, hires and
// refiner settings into an SD request.
func buildTxt2Img(p params.Resolved, model string, loras []db.LoRA, settings *db.Settings, imageCount int) sd.Txt2ImgRequest {
	req := sd.Txt2ImgRequest{
		Prompt:         WithLoRATags(p.Prompt, loras),
		NegativePrompt: p.NegativePrompt,
		Steps:          p.Steps,
		CFGScale:       p.CFGScale,
		SamplerName:    p.Sampler,
		Scheduler:      p.Scheduler,
		Seed:           p.Seed,
		Width:          p.Width,
		Height:         p.Height,
		BatchSize:      imageCount,
	}
	if model != "" && model != defaultModelName {
		req.OverrideSettings = map[string]any{"sd_model_checkpoint": model}
	}
	if settings == nil {
		return req
	}

	if settings.BatchSize != nil {
		req.BatchSize = *settings.BatchSize
	}
	if settings.BatchCount != nil {
		req.NIter = *settings.BatchCount
	}
	// Each hires and refiner key applies on its own; any upscale_by
	// turns hires fix on.
	if settings.HiresUpscaler != nil && *settings.HiresUpscaler != "" {
		req.HRUpscaler = *settings.HiresUpscaler
	}
	req.HRSecondPassSteps = settings.HiresSteps
	req.DenoisingStrength = settings.DenoisingStrength
	if settings.UpscaleBy != nil {
		req.EnableHR = true
		req.HRScale = settings.UpscaleBy
	}
	if settings.RefinerCheckpoint != nil && *settings.RefinerCheckpoint != "" {
		req.RefinerCheckpoint = *settings.RefinerCheckpoint
	}
	req.RefinerSwitchAt = settings.RefinerSwitchAt
	return req
}

// WithLoRATags appends a <lora:name:weight> tag for every LoRA whose tag is
// not already in prompt.
func WithLoRATags(prompt string, loras []db.LoRA) string {
	var b strings.Builder
	b.WriteString(prompt)
	for _, l := range loras {
		if l.Name == "" || strings.Contains(prompt, "<lora:"+l.Name+":") {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString("<lora:" + l.Name + ":" + strconv.FormatFloat(l.Weight, 'g', -1, 64) + ">")
	}
	return b.String()
}

// rawParams is the request exactly as sent, as a JSON object.
func rawParams(req sd.Txt2ImgRequest) (map[string]any, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DescribeFailure classifies err and renders the message stored on a
// FAILED request as "CODE: message". Timeouts always read "timed out".
func DescribeFailure(err error) (core.ErrorCode, string) {
	code, msg := classify(err)
	return code, string(code) + ": " + msg
}

func classify(err error) (core.ErrorCode, string) {
	var (
		appErr  *core.AppError
		sdErr   *sd.APIError
		provErr *imagegen.ProviderError
	)
	switch {
	case errors.As(err, &appErr):
		if appErr.Cause == nil {
			return appErr.Code, appErr.Message
		}
		_, inner := classify(appErr.Cause)
		return appErr.Code, appErr.Message + ": " + inner
	case errors.As(err, &sdErr):
		switch sdErr.Code {
		case sd.ErrCodeTimeout:
			return core.CodeSDAPITimeout, "SD API request timed out"
		case sd.ErrCodeEmptyResult:
			return core.CodeProviderEmptyImage, "SD API returned no images"
		}
		return core.CodeSDAPI, sdErr.Error()
	case errors.As(err, &provErr):
		if provErr.Kind == imagegen.KindTimeout {
			return provErr.Code(), "request timed out: " + provErr.Error()
		}
		return provErr.Code(), provErr.Error()
	}
	return core.CodeInternal, err.Error()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
