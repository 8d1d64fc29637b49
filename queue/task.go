// Package queue runs generation requests one at a time in priority order.
//
// The Manager owns an unbounded in-memory priority queue and a single
// worker goroutine; the Orchestrator drives one request through its
// lifecycle (PENDING → PROCESSING → COMPLETED | FAILED) against the
// configured provider.
package queue

import (
	"time"

	"github.com/hiyori-akane/diffuse-pilot/db"
)

// Task is a queued request. It exists only between Enqueue and the worker
// picking it up.
type Task struct {
	Priority   int
	Seq        uint64
	RequestID  string
	Mode       db.Mode
	EnqueuedAt time.Time
}

// Result is the outcome of processing one task.
type Result struct {
	RequestID string
	Mode      db.Mode
	Status    db.Status
	Images    int
	Duration  time.Duration
	// Err is non-nil for a failed task.
	Err error
}

// OK reports whether the task completed.
func (r Result) OK() bool {
	return r.Err == nil
}

// taskHeap orders tasks by descending priority, then ascending sequence.
// It implements container/heap.Interface.
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
