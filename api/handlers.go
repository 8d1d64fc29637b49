package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/core"
	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/metrics"
	"github.com/hiyori-akane/diffuse-pilot/settings"
)

const (
	healthTimeout      = 2 * time.Second
	defaultRecentLimit = 20
	maxRecentLimit     = 100
	maxInstructionLen  = 2000
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": "Diffuse Pilot API", "version": Version})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status, code := "healthy", http.StatusOK
	if err := s.deps.DB.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// scope reads guild_id and user_id. guild_id is required.
func scope(c *gin.Context) (guildID, userID string, ok bool) {
	guildID = strings.TrimSpace(c.Query("guild_id"))
	userID = strings.TrimSpace(c.Query("user_id"))
	if guildID == "" {
		badRequest(c, "guild_id is required")
		return "", "", false
	}
	return guildID, userID, true
}

func (s *Server) handleGetSettings(c *gin.Context) {
	guildID, userID, ok := scope(c)
	if !ok {
		return
	}
	st, err := s.deps.Settings.Get(c.Request.Context(), guildID, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings.NewView(st))
}

func (s *Server) handlePutSettings(c *gin.Context) {
	guildID, userID, ok := scope(c)
	if !ok {
		return
	}
	var patch settings.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid settings payload: %v", err)
		return
	}
	st, err := s.deps.Settings.Upsert(c.Request.Context(), guildID, userID, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings.NewView(st))
}

func (s *Server) handleDeleteSettings(c *gin.Context) {
	guildID, userID, ok := scope(c)
	if !ok {
		return
	}
	if err := s.deps.Settings.Delete(c.Request.Context(), guildID, userID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleModels(c *gin.Context) {
	models, err := s.deps.Catalog.Models(c.Request.Context())
	if err != nil {
		writeError(c, core.NewAppError(core.CodeSDAPI, "failed to list models", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleSDLoRAs(c *gin.Context) {
	loras, err := s.deps.Catalog.LoRAs(c.Request.Context())
	if err != nil {
		writeError(c, core.NewAppError(core.CodeSDAPI, "failed to list LoRAs", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"loras": loras})
}

func (s *Server) handleNames(list func(context.Context) ([]string, error), key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := list(c.Request.Context())
		if err != nil {
			writeError(c, core.NewAppError(core.CodeSDAPI, "failed to list "+key, err))
			return
		}
		if names == nil {
			names = []string{}
		}
		c.JSON(http.StatusOK, gin.H{key: names})
	}
}

// generationRequest is the admission payload.
type generationRequest struct {
	GuildID     string `json:"guild_id" binding:"required"`
	UserID      string `json:"user_id" binding:"required"`
	ThreadID    string `json:"thread_id"`
	Instruction string `json:"instruction" binding:"required"`
	WebResearch bool   `json:"web_research"`
	Priority    int    `json:"priority" binding:"min=-100,max=100"`
	Mode        string `json:"mode" binding:"omitempty,oneof=sd gemini xai"`
}

func (s *Server) handleCreateGeneration(c *gin.Context) {
	var body generationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid generation payload: %v", err)
		return
	}
	instruction := strings.TrimSpace(body.Instruction)
	if instruction == "" {
		badRequest(c, "instruction must not be blank")
		return
	}
	if len([]rune(instruction)) > maxInstructionLen {
		badRequest(c, "instruction exceeds %d characters", maxInstructionLen)
		return
	}

	mode := db.Mode(body.Mode)
	if mode == "" {
		mode = db.ModeSD
	}
	if s.modes != nil && !s.modes[mode] {
		badRequest(c, "generation mode %q is not enabled", mode)
		return
	}

	req := &db.Request{
		GuildID:             body.GuildID,
		UserID:              body.UserID,
		ThreadID:            body.ThreadID,
		OriginalInstruction: instruction,
		WebResearch:         body.WebResearch,
		Mode:                mode,
	}
	if err := s.deps.Store.CreateRequest(c.Request.Context(), req); err != nil {
		writeError(c, core.NewAppError(core.CodeDatabase, "failed to create request", err))
		return
	}
	if err := s.deps.Queue.EnqueueMode(req.ID, body.Priority, mode); err != nil {
		writeError(c, core.NewAppError(core.CodeInternal, "failed to enqueue request", err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"request_id": req.ID,
		"status":     req.Status,
		"mode":       req.Mode,
		"pending":    s.deps.Queue.Pending(),
	})
}

type metadataView struct {
	ID             string         `json:"id"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt"`
	ModelName      string         `json:"model_name"`
	LoRAs          []db.LoRA      `json:"lora_list"`
	Steps          int            `json:"steps"`
	CFGScale       float64        `json:"cfg_scale"`
	Sampler        string         `json:"sampler"`
	Scheduler      string         `json:"scheduler,omitempty"`
	Seed           int64          `json:"seed"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	RawParams      map[string]any `json:"raw_params,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type imageView struct {
	ID         string `json:"id"`
	FilePath   string `json:"file_path"`
	DiscordURL string `json:"discord_url,omitempty"`
	SizeBytes  int64  `json:"file_size_bytes"`
}

type generationView struct {
	ID           string        `json:"id"`
	GuildID      string        `json:"guild_id"`
	UserID       string        `json:"user_id"`
	ThreadID     string        `json:"thread_id,omitempty"`
	Instruction  string        `json:"instruction"`
	WebResearch  bool          `json:"web_research"`
	Mode         db.Mode       `json:"mode"`
	Status       db.Status     `json:"status"`
	ErrorMessage *string       `json:"error_message"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Metadata     *metadataView `json:"metadata"`
	Images       []imageView   `json:"images"`
}

func (s *Server) handleGetGeneration(c *gin.Context) {
	ctx := c.Request.Context()
	req, err := s.deps.Store.GetRequest(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	view := generationView{
		ID:           req.ID,
		GuildID:      req.GuildID,
		UserID:       req.UserID,
		ThreadID:     req.ThreadID,
		Instruction:  req.OriginalInstruction,
		WebResearch:  req.WebResearch,
		Mode:         req.Mode,
		Status:       req.Status,
		ErrorMessage: req.ErrorMessage,
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
		Images:       []imageView{},
	}

	meta, err := s.deps.Store.GetMetadataForRequest(ctx, req.ID)
	switch {
	case err == nil:
		view.Metadata = &metadataView{
			ID:             meta.ID,
			Prompt:         meta.Prompt,
			NegativePrompt: meta.NegativePrompt,
			ModelName:      meta.ModelName,
			LoRAs:          meta.LoRAs,
			Steps:          meta.Steps,
			CFGScale:       meta.CFGScale,
			Sampler:        meta.Sampler,
			Scheduler:      meta.Scheduler,
			Seed:           meta.Seed,
			Width:          meta.Width,
			Height:         meta.Height,
			RawParams:      meta.RawParams,
			CreatedAt:      meta.CreatedAt,
		}
	case !errors.Is(err, db.ErrNotFound):
		writeError(c, core.NewAppError(core.CodeDatabase, "failed to load metadata", err))
		return
	}

	images, err := s.deps.Store.ListImages(ctx, req.ID)
	if err != nil {
		writeError(c, core.NewAppError(core.CodeDatabase, "failed to load images", err))
		return
	}
	for _, img := range images {
		view.Images = append(view.Images, imageView{
			ID:         img.ID,
			FilePath:   img.FilePath,
			DiscordURL: img.DiscordURL,
			SizeBytes:  img.FileSizeBytes,
		})
	}

	c.JSON(http.StatusOK, view)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	resp := gin.H{"pending": s.deps.Queue.Pending()}
	if s.deps.Tasks != nil {
		resp["totals"] = s.deps.Tasks.GetTaskMetrics()
		resp["recent"] = s.deps.Tasks.GetRecentTasks(limit)
		if task, ok := s.deps.Tasks.InFlight(); ok {
			resp["in_flight"] = task
		} else {
			resp["in_flight"] = nil
		}
	} else {
		resp["totals"] = metrics.TaskMetrics{ByMode: map[string]*metrics.ModeMetrics{}}
		resp["recent"] = []metrics.TaskRecord{}
		resp["in_flight"] = nil
	}
	c.JSON(http.StatusOK, resp)
}

type loraView struct {
	Name         string    `json:"name"`
	FilePath     string    `json:"file_path"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags"`
	FileHash     string    `json:"file_hash,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

func (s *Server) handleLoRACatalog(c *gin.Context) {
	rows, err := s.deps.Store.ListLoRAs(c.Request.Context())
	if err != nil {
		writeError(c, core.NewAppError(core.CodeDatabase, "failed to list LoRA catalog", err))
		return
	}
	out := make([]loraView, 0, len(rows))
	for _, l := range rows {
		tags := l.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, loraView{
			Name:         l.Name,
			FilePath:     l.FilePath,
			Description:  l.Description,
			Tags:         tags,
			FileHash:     l.FileHash,
			DownloadedAt: l.DownloadedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"loras": out})
}
