package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a generation request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode selects the provider pipeline used for a request.
type Mode string

const (
	ModeSD     Mode = "sd"
	ModeGemini Mode = "gemini"
	ModeXAI    Mode = "xai"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSD || m == ModeGemini || m == ModeXAI
}

// Request is a row in generation_requests.
type Request struct {
	ID                  string
	GuildID             string
	UserID              string
	ThreadID            string
	OriginalInstruction string
	WebResearch         bool
	Mode                Mode
	Status              Status
	ErrorMessage        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LoRA is one entry of a LoRA list.
type LoRA struct {
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Metadata is a row in generation_metadata: the resolved parameters of one generation.
type Metadata struct {
	ID             string
	RequestID      string
	Prompt         string
	NegativePrompt string
	ModelName      string
	LoRAs          []LoRA
	Steps          int
	CFGScale       float64
	Sampler        string
	Scheduler      string // Empty is stored as NULL
	Seed           int64
	Width          int
	Height         int
	RawParams      map[string]any
	CreatedAt      time.Time
}

// Image is a row in generated_images.
type Image struct {
	ID            string
	RequestID     string
	MetadataID    string
	FilePath      string
	DiscordURL    string
	FileSizeBytes int64
	CreatedAt     time.Time
}

// SDParams is the default_sd_params JSON object of a settings row.
// Nil fields are unset.
type SDParams struct {
	Steps     *int     `json:"steps,omitempty"`
	CFGScale  *float64 `json:"cfg_scale,omitempty"`
	Sampler   *string  `json:"sampler,omitempty"`
	Scheduler *string  `json:"scheduler,omitempty"`
	Width     *int     `json:"width,omitempty"`
	Height    *int     `json:"height,omitempty"`
}

// Settings is a row in global_settings. An empty UserID is a guild-wide row.
// Nil fields are unset.
type Settings struct {
	ID                  int64
	GuildID             string
	UserID              string
	DefaultModel        *string
	DefaultLoRAs        []LoRA // nil when unset
	DefaultPromptSuffix *string
	DefaultSDParams     *SDParams
	Seed                *int64
	BatchSize           *int
	BatchCount          *int
	HiresUpscaler       *string
	HiresSteps          *int
	DenoisingStrength   *float64
	UpscaleBy           *float64
	RefinerCheckpoint   *string
	RefinerSwitchAt     *float64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ThreadContext links a Discord thread to its latest generation.
type ThreadContext struct {
	ID               int64
	GuildID          string
	ThreadID         string
	UserID           string
	History          []string // Request IDs, oldest first
	LatestMetadataID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LoRAMetadata is a row in lora_metadata.
type LoRAMetadata struct {
	ID           int64
	Name         string
	FilePath     string
	Description  string
	Tags         []string
	FileHash     string
	DownloadedAt time.Time
}

// ResearchCacheEntry is a row in web_research_cache.
type ResearchCacheEntry struct {
	QueryHash string
	Query     string
	Results   json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

// timeLayout is fixed width so stored timestamps sort lexically and compare
// correctly against SQLite's datetime() output.
const timeLayout = "2006-01-02 15:04:05.000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullString maps "" to NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON encodes v, mapping nil values to NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []LoRA:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	case *SDParams:
		if val == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable JSON column into dest; NULL leaves dest untouched.
func unmarshalJSON(src sql.NullString, dest interface{}) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dest)
}
