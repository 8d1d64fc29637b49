package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

// Manager ties the pieces together:
//   - the first SIGINT/SIGTERM cancels Context
//   - a second signal exits immediately
//   - Shutdown waits for tracked work, then runs the cleanup registry
//
// Usage:
//
//	m := shutdown.NewManager(logger)
//	m.Register("http-server", shutdown.PriorityHTTPServer, server.Shutdown)
//	m.Register("database", shutdown.PriorityDatabase, shutdown.Close(database))
//	m.Start()
//	<-m.Context().Done()
//	_ = m.Shutdown()
type Manager struct {
	logger   *zap.Logger
	timeout  time.Duration
	exit     func(code int)
	mu       sync.Mutex
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *Registry
	signals  *SignalCounter
	sigChan  chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout bounds the whole shutdown sequence (default 60s).
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

// WithExitFunc replaces os.Exit for the forced exit on a second signal.
func WithExitFunc(exit func(code int)) ManagerOption {
	return func(m *Manager) {
		m.exit = exit
	}
}

// NewManager creates a Manager. Signals are not handled until Start.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  60 * time.Second,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("Received second signal, forcing exit")
		m.exit(core.ExitCodeSIGINT)
	})
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup step. See the Priority constants.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("Registered shutdown step", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. Repeated calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			if m.signals.Increment() == 1 {
				m.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
				m.cancel()
			}
		}
	}()
}

// Trigger begins shutdown without a signal, e.g. when a server fails.
func (m *Manager) Trigger(reason string) {
	m.logger.Info("Shutdown requested", zap.String("reason", reason))
	m.cancel()
}

// Go runs fn in a tracked goroutine with the manager context. It returns
// ErrTrackerClosed when shutdown has already begun.
func (m *Manager) Go(name string, fn func(ctx context.Context)) error {
	if !m.tracker.Start() {
		m.logger.Debug("Background task rejected during shutdown", zap.String("task", name))
		return ErrTrackerClosed
	}
	go func() {
		defer m.tracker.Done()
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("Background task panicked",
					zap.String("task", name), zap.Any("panic", p), zap.Stack("stack"))
			}
		}()
		fn(m.ctx)
	}()
	return nil
}

// Shutdown cancels Context, waits for tracked work and runs every cleanup
// step. It is idempotent.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.logger.Info("Initiating graceful shutdown",
		zap.Duration("timeout", m.timeout),
		zap.Strings("steps", m.registry.Names()))

	m.tracker.Close()
	if n := m.tracker.ActiveCount(); n > 0 {
		m.logger.Info("Waiting for background tasks", zap.Int64("active", n))
	}
	// Half the budget at most for background work so cleanup always runs.
	waitCtx, waitCancel := context.WithTimeout(ctx, m.timeout/2)
	if err := m.tracker.Wait(waitCtx); err != nil {
		m.logger.Warn("Background tasks still running", zap.Int64("remaining", m.tracker.ActiveCount()))
	}
	waitCancel()

	var failed int
	for _, r := range m.registry.Run(ctx) {
		if r.Err != nil {
			failed++
			m.logger.Error("Shutdown step failed", zap.String("step", r.Name), zap.Error(r.Err))
			continue
		}
		m.logger.Debug("Shutdown step completed", zap.String("step", r.Name), zap.Duration("duration", r.Duration))
	}

	if started {
		signal.Stop(m.sigChan)
	}

	if failed > 0 {
		return fmt.Errorf("shutdown had %d failed steps", failed)
	}
	m.logger.Info("Graceful shutdown completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// ActiveOperations returns the number of tracked background tasks.
func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Steps lists the cleanup steps in execution order.
func (m *Manager) Steps() []string {
	return m.registry.Names()
}
