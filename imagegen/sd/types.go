// Package sd is an HTTP client for the Stable Diffusion WebUI API
// (/sdapi/v1). It covers txt2img generation and the option listings used by
// the settings and discovery surfaces.
package sd

import (
	"errors"
	"fmt"
	"time"
)

// Txt2ImgRequest is the body of POST /sdapi/v1/txt2img. Optional fields are
// omitted when unset so the server applies its own defaults.
type Txt2ImgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	SamplerName    string  `json:"sampler_name,omitempty"`
	Scheduler      string  `json:"scheduler,omitempty"`
	Seed           int64   `json:"seed"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	BatchSize      int     `json:"batch_size"`
	NIter          int     `json:"n_iter,omitempty"`

	// Hires. fix
	EnableHR          bool     `json:"enable_hr,omitempty"`
	HRScale           *float64 `json:"hr_scale,omitempty"`
	HRUpscaler        string   `json:"hr_upscaler,omitempty"`
	HRSecondPassSteps *int     `json:"hr_second_pass_steps,omitempty"`
	DenoisingStrength *float64 `json:"denoising_strength,omitempty"`

	// Refiner
	RefinerCheckpoint string   `json:"refiner_checkpoint,omitempty"`
	RefinerSwitchAt   *float64 `json:"refiner_switch_at,omitempty"`

	// OverrideSettings applies per-request server options such as
	// sd_model_checkpoint.
	OverrideSettings map[string]any `json:"override_settings,omitempty"`
}

// DefaultRequest returns a request with the server-independent defaults.
func DefaultRequest() Txt2ImgRequest {
	return Txt2ImgRequest{
		Steps:     20,
		CFGScale:  7.0,
		Seed:      -1,
		Width:     512,
		Height:    512,
		BatchSize: 1,
	}
}

// Validation limits
const (
	MinSize = 64
	MaxSize = 2048

	MinSteps = 1
	MaxSteps = 150

	MinCFGScale = 1.0
	MaxCFGScale = 30.0
)

// Validate checks the request before it is sent.
func (r Txt2ImgRequest) Validate() error {
	if r.Prompt == "" {
		return NewAPIError(ErrCodeInvalidRequest, "prompt is required", 0, nil)
	}
	if r.Width < MinSize || r.Width > MaxSize {
		return NewAPIError(ErrCodeInvalidRequest, fmt.Sprintf("width %d must be between %d and %d", r.Width, MinSize, MaxSize), 0, nil)
	}
	if r.Height < MinSize || r.Height > MaxSize {
		return NewAPIError(ErrCodeInvalidRequest, fmt.Sprintf("height %d must be between %d and %d", r.Height, MinSize, MaxSize), 0, nil)
	}
	if r.Steps < MinSteps || r.Steps > MaxSteps {
		return NewAPIError(ErrCodeInvalidRequest, fmt.Sprintf("steps %d must be between %d and %d", r.Steps, MinSteps, MaxSteps), 0, nil)
	}
	if r.CFGScale < MinCFGScale || r.CFGScale > MaxCFGScale {
		return NewAPIError(ErrCodeInvalidRequest, fmt.Sprintf("cfg_scale %.2f must be between %.1f and %.1f", r.CFGScale, MinCFGScale, MaxCFGScale), 0, nil)
	}
	if r.BatchSize < 1 {
		return NewAPIError(ErrCodeInvalidRequest, "batch_size must be at least 1", 0, nil)
	}
	return nil
}

// Result is a decoded txt2img response.
type Result struct {
	// Images holds the decoded image bytes as returned by the server (PNG).
	Images [][]byte
	// Seed is the seed the server actually used, -1 when not reported.
	Seed int64
	// Duration is the wall time of the HTTP call.
	Duration time.Duration
}

type txt2ImgResponse struct {
	Images     []string       `json:"images"`
	Parameters map[string]any `json:"parameters"`
	Info       string         `json:"info"`
}

// Model is one entry of GET /sdapi/v1/sd-models.
type Model struct {
	Title     string `json:"title"`
	ModelName string `json:"model_name"`
	Hash      string `json:"hash,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// DisplayName returns the model name, falling back to the title.
func (m Model) DisplayName() string {
	if m.ModelName != "" {
		return m.ModelName
	}
	return m.Title
}

// LoRA is one entry of GET /sdapi/v1/loras.
type LoRA struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
	Path  string `json:"path,omitempty"`
}

type namedEntry struct {
	Name string `json:"name"`
}

// APIError is returned for every failed SD API call.
type APIError struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// StatusCode is the HTTP status, 0 when no response was received.
	StatusCode int `json:"status_code,omitempty"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeTimeout        = "timeout"
	ErrCodeTransport      = "transport_error"
	ErrCodeHTTPStatus     = "http_status"
	ErrCodeDecode         = "decode_error"
	ErrCodeEmptyResult    = "empty_result"
)

// NewAPIError creates a new APIError.
func NewAPIError(code, message string, statusCode int, cause error) *APIError {
	return &APIError{Code: code, Message: message, StatusCode: statusCode, Cause: cause}
}

// IsTimeout reports whether err is an SD API timeout.
func IsTimeout(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == ErrCodeTimeout
}

// IsEmptyResult reports whether err is a response without images.
func IsEmptyResult(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == ErrCodeEmptyResult
}
