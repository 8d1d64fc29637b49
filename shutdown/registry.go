package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hiyori-akane/diffuse-pilot/core"
)

// Cleanup priorities. Lower values run first.
const (
	PriorityHTTPServer       = 10
	PriorityDiscord          = 15
	PriorityQueue            = 20
	PriorityCleanupScheduler = 25
	PriorityDatabase         = 30
	PriorityTempImages       = 40
)

type entry struct {
	name     string
	priority int
	seq      int
	fn       core.ShutdownFunc
}

// StepResult is the outcome of one cleanup step.
type StepResult struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Registry is an ordered set of cleanup steps. Steps with equal priority
// run in registration order.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a step. It is a no-op after Run.
func (r *Registry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, entry{name: name, priority: priority, seq: len(r.entries), fn: fn})
}

func (r *Registry) sorted() []entry {
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Run executes every step once, in order, even when earlier steps fail.
// A second call returns nil.
func (r *Registry) Run(ctx context.Context) []StepResult {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	steps := r.sorted()
	r.mu.Unlock()

	results := make([]StepResult, 0, len(steps))
	for _, e := range steps {
		start := time.Now()
		err := runStep(ctx, e)
		results = append(results, StepResult{Name: e.name, Duration: time.Since(start), Err: err})
	}
	return results
}

func runStep(ctx context.Context, e entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", e.name, p)
		}
	}()
	if err := e.fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	return nil
}

// Names lists the steps in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := r.sorted()
	names := make([]string, len(steps))
	for i, e := range steps {
		names[i] = e.name
	}
	return names
}

// Count returns the number of registered steps.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
