package metrics

import (
	"sync"
	"time"

	"github.com/hiyori-akane/diffuse-pilot/queue"
)

// TaskCollector is the read/write surface of the task history used by the
// HTTP API.
type TaskCollector interface {
	RecordTask(task TaskRecord)
	GetTaskMetrics() TaskMetrics
	GetRecentTasks(limit int) []TaskRecord
	InFlight() (TaskRecord, bool)
}

// Recorder feeds queue lifecycle events into a MetricsStore and a Registry.
// It implements queue.Observer.
type Recorder struct {
	store    *MetricsStore
	registry *Registry
	now      func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
}

// NewRecorder creates a Recorder. Either sink may be nil.
func NewRecorder(store *MetricsStore, registry *Registry) *Recorder {
	return &Recorder{
		store:    store,
		registry: registry,
		now:      time.Now,
		started:  make(map[string]time.Time),
	}
}

// TaskEnqueued implements queue.Observer. The gauge moves by increments
// only, since enqueues and completions arrive on different goroutines.
func (r *Recorder) TaskEnqueued(queue.Task, int) {
	if r.registry != nil {
		r.registry.TaskQueued()
	}
}

// TaskStarted implements queue.Observer.
func (r *Recorder) TaskStarted(task queue.Task) {
	now := r.now()
	r.mu.Lock()
	r.started[task.RequestID] = now
	r.mu.Unlock()

	wait := now.Sub(task.EnqueuedAt)
	if task.EnqueuedAt.IsZero() || wait < 0 {
		wait = 0
	}
	if r.registry != nil {
		r.registry.ObserveQueueWait(string(task.Mode), wait)
	}
	if r.store != nil {
		r.store.SetInFlight(TaskRecord{
			RequestID: task.RequestID,
			Mode:      string(task.Mode),
			StartTime: now,
			QueueWait: wait,
		})
	}
}

// TaskFinished implements queue.Observer.
func (r *Recorder) TaskFinished(task queue.Task, result queue.Result) {
	end := r.now()
	r.mu.Lock()
	start, ok := r.started[task.RequestID]
	delete(r.started, task.RequestID)
	r.mu.Unlock()
	if !ok {
		start = end.Add(-result.Duration)
	}

	mode := string(result.Mode)
	if mode == "" {
		mode = string(task.Mode)
	}
	rec := TaskRecord{
		RequestID: task.RequestID,
		Mode:      mode,
		Status:    TaskStatusSuccess,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Images:    result.Images,
	}
	if !task.EnqueuedAt.IsZero() {
		rec.QueueWait = start.Sub(task.EnqueuedAt)
	}
	if result.Err != nil {
		rec.Status = TaskStatusError
		_, rec.ErrorMsg = queue.DescribeFailure(result.Err)
	}

	if r.store != nil {
		r.store.RecordTask(rec)
	}
	if r.registry != nil {
		r.registry.RecordTask(rec)
		r.registry.TaskDone()
	}
}

var _ queue.Observer = (*Recorder)(nil)
