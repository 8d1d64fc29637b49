package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeEnvFileMissing    = "ENV_FILE_MISSING"
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeMissingAuth       = "MISSING_AUTH"
	ErrCodeServerUnreachable = "SERVER_UNREACHABLE"
	ErrCodeInvalidValue      = "INVALID_VALUE"
	ErrCodeMissingConfig     = "MISSING_CONFIG"
)

// ErrEnvFileMissing returns an error for missing .env file
func ErrEnvFileMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeEnvFileMissing,
		Message: fmt.Sprintf("Configuration file not found: %s", path),
		Action:  "Copy .env.example to .env and configure the required values",
	}
}

// ErrInvalidURL returns an error for a malformed service URL
func ErrInvalidURL(key, raw, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("Invalid %s '%s': %s", key, raw, reason),
		Action:  fmt.Sprintf("Set %s to a valid URL (e.g., http://localhost:7860)", key),
	}
}

// ErrMissingAuth returns an error for missing authentication credentials
func ErrMissingAuth(service string) *ConfigError {
	var action string
	switch service {
	case "discord":
		action = "Set DISCORD_BOT_TOKEN in your .env file"
	case "gemini":
		action = "Set GEMINI_API_KEY in your .env file"
	case "xai":
		action = "Set XAI_API_KEY in your .env file"
	default:
		action = fmt.Sprintf("Set the required API key for %s in your .env file", service)
	}
	return &ConfigError{
		Code:    ErrCodeMissingAuth,
		Message: fmt.Sprintf("Missing authentication credentials for %s", service),
		Action:  action,
	}
}

// ErrServerUnreachable returns an error when an upstream server cannot be reached
func ErrServerUnreachable(url string, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeServerUnreachable,
		Message: fmt.Sprintf("Cannot connect to server at %s: %s", url, reason),
		Action:  "Check that the URL is correct and the server is running",
	}
}

// ErrInvalidValue returns an error for an out-of-range configuration value
func ErrInvalidValue(key string, value any, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s=%v: %s", key, value, reason),
		Action:  fmt.Sprintf("Fix %s in your .env file", key),
	}
}

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// IsConfigError checks if an error is a ConfigError and returns it if so
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// ErrorCode identifies a category of runtime failure. Codes are stable and
// appear in API responses and user-facing Discord messages.
type ErrorCode string

const (
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeDiscordAPI         ErrorCode = "DISCORD_API_ERROR"
	CodeSDAPI              ErrorCode = "SD_API_ERROR"
	CodeSDAPITimeout       ErrorCode = "SD_API_TIMEOUT"
	CodeLLMAPI             ErrorCode = "LLM_API_ERROR"
	CodeLLMGeneration      ErrorCode = "LLM_GENERATION_ERROR"
	CodeGeminiAPI          ErrorCode = "GEMINI_API_ERROR"
	CodeXAIAPI             ErrorCode = "XAI_API_ERROR"
	CodeResearch           ErrorCode = "RESEARCH_ERROR"
	CodeDatabase           ErrorCode = "DATABASE_ERROR"
	CodeRecordNotFound     ErrorCode = "RECORD_NOT_FOUND"
	CodeStorage            ErrorCode = "STORAGE_ERROR"
	CodeProviderEmptyImage ErrorCode = "PROVIDER_EMPTY_RESULT"
)

// AppError is a runtime error tagged with an ErrorCode.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates an AppError wrapping cause (which may be nil).
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// ValidationError is a convenience constructor for CodeValidation.
func ValidationError(format string, args ...any) *AppError {
	return &AppError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError is a convenience constructor for CodeRecordNotFound.
func NotFoundError(kind, id string) *AppError {
	return &AppError{Code: CodeRecordNotFound, Message: fmt.Sprintf("%s not found: %s", kind, id)}
}

// GetErrorCode extracts the error code from an AppError or ConfigError in
// err's chain. It returns an empty string for untagged errors.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return string(appErr.Code)
	}
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an AppError with code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	for e := err; e != nil; {
		if !errors.As(e, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		e = appErr.Cause
	}
	return false
}
