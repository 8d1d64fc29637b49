package metrics

import (
	"sync"
	"time"
)

// MetricsStore keeps a bounded history of recent tasks plus running totals.
// It is safe for concurrent use.
//
// Usage:
//
//	store := NewMetricsStore(DefaultStoreConfig(), time.Now())
//	store.RecordTask(task)
//	metrics := store.GetTaskMetrics()
type MetricsStore struct {
	mu sync.RWMutex

	// Circular buffer of recent tasks
	taskHistory []TaskRecord
	taskCap     int
	taskHead    int // Write index
	taskSize    int

	totalTasks   int64
	totalSuccess int64
	totalErrors  int64
	totalImages  int64
	taskByMode   map[string]*modeStats

	// inFlight is the task the worker is processing, nil when idle
	inFlight *TaskRecord

	startTime time.Time
}

type modeStats struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
}

// StoreConfig configures the MetricsStore.
type StoreConfig struct {
	// TaskHistoryCapacity is the max number of tasks to retain in history
	TaskHistoryCapacity int
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{TaskHistoryCapacity: 100}
}

// NewMetricsStore creates a MetricsStore. startTime is used for Uptime.
func NewMetricsStore(config StoreConfig, startTime time.Time) *MetricsStore {
	capacity := config.TaskHistoryCapacity
	if capacity < 1 {
		capacity = 100
	}

	return &MetricsStore{
		taskHistory: make([]TaskRecord, capacity),
		taskCap:     capacity,
		taskByMode:  make(map[string]*modeStats),
		startTime:   startTime,
	}
}

// RecordTask adds a finished task and clears the in-flight marker.
func (s *MetricsStore) RecordTask(task TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.taskHistory[s.taskHead] = task
	s.taskHead = (s.taskHead + 1) % s.taskCap
	if s.taskSize < s.taskCap {
		s.taskSize++
	}

	s.totalTasks++
	s.totalImages += int64(task.Images)
	switch task.Status {
	case TaskStatusSuccess:
		s.totalSuccess++
	case TaskStatusError:
		s.totalErrors++
	}

	stats, ok := s.taskByMode[task.Mode]
	if !ok {
		stats = &modeStats{}
		s.taskByMode[task.Mode] = stats
	}
	stats.count++
	if task.Status == TaskStatusSuccess {
		stats.successCount++
	}
	stats.totalDuration += task.Duration

	if s.inFlight != nil && s.inFlight.RequestID == task.RequestID {
		s.inFlight = nil
	}
}

// SetInFlight marks task as being processed.
func (s *MetricsStore) SetInFlight(task TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = &task
}

// InFlight returns the task being processed, if any.
func (s *MetricsStore) InFlight() (TaskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inFlight == nil {
		return TaskRecord{}, false
	}
	return *s.inFlight, true
}

// GetTaskMetrics returns aggregated task statistics.
func (s *MetricsStore) GetTaskMetrics() TaskMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := TaskMetrics{
		TotalProcessed: s.totalTasks,
		TotalSuccess:   s.totalSuccess,
		TotalErrors:    s.totalErrors,
		TotalImages:    s.totalImages,
		ByMode:         make(map[string]*ModeMetrics),
	}

	for mode, stats := range s.taskByMode {
		var successRate float64
		var avgDuration time.Duration
		if stats.count > 0 {
			successRate = float64(stats.successCount) / float64(stats.count) * 100
			avgDuration = stats.totalDuration / time.Duration(stats.count)
		}
		metrics.ByMode[mode] = &ModeMetrics{
			Count:       stats.count,
			SuccessRate: successRate,
			AvgDuration: avgDuration,
		}
	}

	return metrics
}

// GetRecentTasks returns up to limit of the most recent tasks, oldest first.
func (s *MetricsStore) GetRecentTasks(limit int) []TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.taskSize == 0 {
		return []TaskRecord{}
	}
	if limit > s.taskSize {
		limit = s.taskSize
	}

	result := make([]TaskRecord, limit)
	for i := 0; i < limit; i++ {
		idx := (s.taskHead - limit + i + s.taskCap) % s.taskCap
		result[i] = s.taskHistory[idx]
	}
	return result
}

// Uptime returns the time since the store was created.
func (s *MetricsStore) Uptime() time.Duration {
	return time.Since(s.startTime)
}

var _ TaskCollector = (*MetricsStore)(nil)
