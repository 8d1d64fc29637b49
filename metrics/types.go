// Package metrics tracks generation tasks: an in-memory history for the
// queue stats endpoint and Prometheus instruments for /metrics.
package metrics

import "time"

// TaskRecord is one processed generation task.
type TaskRecord struct {
	// RequestID identifies the generation request
	RequestID string `json:"request_id"`

	// Mode is the provider pipeline: "sd", "gemini" or "xai"
	Mode string `json:"mode"`

	// Status is "success" or "error"
	Status string `json:"status"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	// QueueWait is the time between enqueue and the worker picking the task up
	QueueWait time.Duration `json:"queue_wait"`

	// Images is the number of images stored
	Images int `json:"images"`

	// ErrorMsg contains error details if Status is "error"
	ErrorMsg string `json:"error_msg,omitempty"`
}

// TaskMetrics is the aggregate of every recorded task.
type TaskMetrics struct {
	TotalProcessed int64 `json:"total_processed"`
	TotalSuccess   int64 `json:"total_success"`
	TotalErrors    int64 `json:"total_errors"`
	TotalImages    int64 `json:"total_images"`

	// ByMode contains per-mode statistics
	ByMode map[string]*ModeMetrics `json:"by_mode"`
}

// ModeMetrics is the aggregate of one mode.
type ModeMetrics struct {
	Count int64 `json:"count"`

	// SuccessRate is the percentage of successful tasks (0-100)
	SuccessRate float64 `json:"success_rate"`

	AvgDuration time.Duration `json:"avg_duration"`
}

// Status constants for TaskRecord
const (
	TaskStatusSuccess = "success"
	TaskStatusError   = "error"
)
