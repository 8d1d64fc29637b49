package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/db"
	"github.com/hiyori-akane/diffuse-pilot/logging"
)

// Processor handles one dequeued task. *Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, task Task) Result
}

// Recoverer resets interrupted requests to PENDING and returns them.
// *db.Repository implements it.
type Recoverer interface {
	RecoverInterrupted(ctx context.Context) ([]db.Request, error)
}

// Observer is notified around every processed task. TaskEnqueued runs on
// the enqueuing goroutine; TaskStarted and TaskFinished run on the worker.
// Implementations must be safe for concurrent use.
type Observer interface {
	TaskEnqueued(task Task, pending int)
	TaskStarted(task Task)
	TaskFinished(task Task, result Result)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// RetryInterval is the pause after a failed task
	RetryInterval time.Duration

	// Observers receive task lifecycle callbacks (optional)
	Observers []Observer

	// Closer releases provider resources on Stop (optional)
	Closer interface{ Close() error }
}

// Manager owns the priority queue and its single worker.
//
// Thread Safety: Enqueue, Pending and Drain are safe for concurrent use.
type Manager struct {
	processor Processor
	recoverer Recoverer
	config    ManagerConfig
	logger    *zap.Logger

	mu      sync.Mutex
	tasks   taskHeap
	seq     uint64
	pending int
	drained []chan struct{}
	wake    chan struct{}

	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewManager creates a Manager. recoverer may be nil to skip startup recovery.
func NewManager(processor Processor, recoverer Recoverer, config ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetryInterval < 0 {
		config.RetryInterval = 0
	}
	return &Manager{
		processor: processor,
		recoverer: recoverer,
		config:    config,
		logger:    logger.Named("queue"),
		wake:      make(chan struct{}, 1),
	}
}

// Start recovers interrupted requests and starts the worker. Calling Start
// again is a no-op. ctx bounds the recovery query only; use Stop to end the
// worker.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if m.recoverer != nil {
		recovered, err := m.recoverer.RecoverInterrupted(ctx)
		if err != nil {
			m.mu.Lock()
			m.started = false
			m.mu.Unlock()
			return fmt.Errorf("queue: failed to recover interrupted requests: %w", err)
		}
		for _, req := range recovered {
			m.enqueue(req.ID, 0, req.Mode)
		}
		if len(recovered) > 0 {
			m.logger.Info("Recovered interrupted requests", zap.Int("count", len(recovered)))
		}
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.stopped {
		// Stop ran during recovery and has already released the providers.
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(workerCtx)
	m.logger.Info("Queue worker started")
	return nil
}

// Enqueue adds an SD-mode request. Higher priority runs first; equal
// priorities run in enqueue order. It never blocks.
func (m *Manager) Enqueue(requestID string, priority int) {
	m.enqueue(requestID, priority, db.ModeSD)
}

// EnqueueGemini adds a Gemini-mode request.
func (m *Manager) EnqueueGemini(requestID string, priority int) {
	m.enqueue(requestID, priority, db.ModeGemini)
}

// EnqueueXAI adds an xAI-mode request.
func (m *Manager) EnqueueXAI(requestID string, priority int) {
	m.enqueue(requestID, priority, db.ModeXAI)
}

// EnqueueMode adds a request in the given mode.
func (m *Manager) EnqueueMode(requestID string, priority int, mode db.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("queue: unknown mode %q", mode)
	}
	m.enqueue(requestID, priority, mode)
	return nil
}

func (m *Manager) enqueue(requestID string, priority int, mode db.Mode) {
	m.mu.Lock()
	m.seq++
	task := Task{
		Priority:   priority,
		Seq:        m.seq,
		RequestID:  requestID,
		Mode:       mode,
		EnqueuedAt: time.Now(),
	}
	heap.Push(&m.tasks, task)
	m.pending++
	pending := m.pending
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.logger.Info("Task enqueued",
		append(logging.RequestFields(requestID, string(mode)),
			zap.Int("priority", priority),
			zap.Int("pending", pending))...)
	for _, o := range m.config.Observers {
		o.TaskEnqueued(task, pending)
	}
}

// Pending returns the number of tasks enqueued but not yet finished,
// including the one being processed.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Drain blocks until every enqueued task has finished or ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	if m.pending == 0 {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.drained = append(m.drained, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the worker and waits for it to exit. A task in flight runs
// to completion or its own timeout. Stop is idempotent and safe to call on
// a Manager that was never started.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		cancel, done := m.cancel, m.done
		m.mu.Unlock()

		if cancel != nil {
			cancel()
			select {
			case <-done:
				m.logger.Info("Queue worker stopped")
			case <-ctx.Done():
				m.stopErr = fmt.Errorf("queue: worker did not stop: %w", ctx.Err())
				return
			}
		}

		if m.config.Closer != nil {
			if err := m.config.Closer.Close(); err != nil {
				m.stopErr = fmt.Errorf("queue: failed to release providers: %w", err)
			}
		}
	})
	return m.stopErr
}

// next blocks until a task is available or ctx is done.
func (m *Manager) next(ctx context.Context) (Task, bool) {
	for {
		m.mu.Lock()
		if m.tasks.Len() > 0 {
			t := heap.Pop(&m.tasks).(Task)
			m.mu.Unlock()
			return t, true
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-ctx.Done():
			return Task{}, false
		}
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		task, ok := m.next(ctx)
		if !ok {
			return
		}
		m.process(ctx, task)
	}
}

func (m *Manager) process(ctx context.Context, task Task) {
	defer m.taskDone()

	for _, o := range m.config.Observers {
		o.TaskStarted(task)
	}

	// The provider call is not interrupted by Stop.
	res := m.safeProcess(context.WithoutCancel(ctx), task)

	for _, o := range m.config.Observers {
		o.TaskFinished(task, res)
	}

	if res.OK() {
		return
	}
	m.logger.Error("Task failed",
		append(logging.RequestFields(task.RequestID, string(task.Mode)),
			zap.Error(res.Err),
			zap.Duration("retry_in", m.config.RetryInterval))...)

	if m.config.RetryInterval > 0 {
		timer := time.NewTimer(m.config.RetryInterval)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
}

// safeProcess converts a panicking processor into a failed result so the
// worker keeps running.
func (m *Manager) safeProcess(ctx context.Context, task Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				RequestID: task.RequestID,
				Mode:      task.Mode,
				Status:    db.StatusFailed,
				Err:       errors.New(fmt.Sprint("panic while processing task: ", r)),
			}
		}
	}()
	return m.processor.Process(ctx, task)
}

func (m *Manager) taskDone() {
	m.mu.Lock()
	m.pending--
	var waiters []chan struct{}
	if m.pending == 0 {
		waiters = m.drained
		m.drained = nil
	}
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
