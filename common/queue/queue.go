package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ccchow/ClawUI-sub001/common/logger"
)

// TaskType identifies what a queued task will do
type TaskType string

const (
	TaskRun        TaskType = "run"
	TaskReevaluate TaskType = "reevaluate"
	TaskEnrich     TaskType = "enrich"
	TaskGenerate   TaskType = "generate"
	TaskSplit      TaskType = "split"
	TaskSmartDeps  TaskType = "smart_deps"
)

var (
	// ErrCancelled resolves the future of a task removed before it started
	ErrCancelled = errors.New("task cancelled")
	// ErrTaskRunning is returned when removing a task that already started
	ErrTaskRunning = errors.New("task already running")
	// ErrTaskNotFound is returned when removing a task that is not queued
	ErrTaskNotFound = errors.New("task not found in queue")
)

// TaskFunc is the body of a queued task
type TaskFunc func(ctx context.Context) (any, error)

// PendingTask describes a task waiting in a blueprint queue
type PendingTask struct {
	Type     TaskType  `json:"type"`
	NodeID   string    `json:"nodeId,omitempty"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Info is a snapshot of one blueprint's queue
type Info struct {
	Running       bool          `json:"running"`
	Depth         int           `json:"depth"`
	CurrentNodeID string        `json:"currentNodeId,omitempty"`
	CurrentType   TaskType      `json:"currentType,omitempty"`
	PendingTasks  []PendingTask `json:"pendingTasks"`
}

// Future carries the eventual value of an enqueued task
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(val any, err error) {
	f.val = val
	f.err = err
	close(f.done)
}

// Wait blocks until the task finishes, is cancelled, or ctx expires
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the task has resolved
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type item struct {
	pending PendingTask
	fn      TaskFunc
	future  *Future
}

type blueprintQueue struct {
	items       []*item
	running     bool
	currentNode string
	currentType TaskType
}

// Manager owns one FIFO task queue per blueprint. Tasks for the same
// blueprint run strictly serially; tasks for different blueprints run in
// parallel. There is no cap on concurrently-active blueprints.
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*blueprintQueue
	baseCtx context.Context
	log     *logger.Logger
}

// NewManager creates a queue manager. baseCtx bounds the lifetime of every
// task the manager will ever run.
func NewManager(baseCtx context.Context, log *logger.Logger) *Manager {
	return &Manager{
		queues:  make(map[string]*blueprintQueue),
		baseCtx: baseCtx,
		log:     log,
	}
}

// Enqueue appends a task to the blueprint's queue and starts the drain
// goroutine if it is idle. The returned future resolves with the task's
// value, its error, or ErrCancelled.
func (m *Manager) Enqueue(blueprintID string, pending PendingTask, fn TaskFunc) *Future {
	if pending.QueuedAt.IsZero() {
		pending.QueuedAt = time.Now().UTC()
	}

	it := &item{pending: pending, fn: fn, future: newFuture()}

	m.mu.Lock()
	q, ok := m.queues[blueprintID]
	if !ok {
		q = &blueprintQueue{}
		m.queues[blueprintID] = q
	}
	q.items = append(q.items, it)
	start := !q.running
	if start {
		q.running = true
	}
	m.mu.Unlock()

	m.log.Debug("task enqueued",
		"blueprint_id", blueprintID,
		"type", pending.Type,
		"node_id", pending.NodeID,
	)

	if start {
		go m.drain(blueprintID)
	}

	return it.future
}

// Remove cancels a not-yet-started task for the given node. It fails with
// ErrTaskRunning if the task is currently executing.
func (m *Manager) Remove(blueprintID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[blueprintID]
	if !ok {
		return ErrTaskNotFound
	}

	if q.running && q.currentNode == nodeID {
		return ErrTaskRunning
	}

	for i, it := range q.items {
		if it.pending.NodeID == nodeID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			it.future.resolve(nil, ErrCancelled)
			return nil
		}
	}

	return ErrTaskNotFound
}

// Info returns a snapshot of one blueprint's queue
func (m *Manager) Info(blueprintID string) Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[blueprintID]
	if !ok {
		return Info{PendingTasks: []PendingTask{}}
	}
	return snapshot(q)
}

// GlobalInfo returns queue snapshots for every blueprint with activity
func (m *Manager) GlobalInfo() map[string]Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Info, len(m.queues))
	for id, q := range m.queues {
		if !q.running && len(q.items) == 0 {
			continue
		}
		out[id] = snapshot(q)
	}
	return out
}

func snapshot(q *blueprintQueue) Info {
	pending := make([]PendingTask, len(q.items))
	for i, it := range q.items {
		pending[i] = it.pending
	}
	return Info{
		Running:       q.running,
		Depth:         len(q.items),
		CurrentNodeID: q.currentNode,
		CurrentType:   q.currentType,
		PendingTasks:  pending,
	}
}

// drain runs queued tasks one at a time until the queue empties. The manager
// holds no locks while a task body executes.
func (m *Manager) drain(blueprintID string) {
	for {
		m.mu.Lock()
		q := m.queues[blueprintID]
		if len(q.items) == 0 {
			q.running = false
			q.currentNode = ""
			q.currentType = ""
			m.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.currentNode = it.pending.NodeID
		q.currentType = it.pending.Type
		m.mu.Unlock()

		val, err := m.runTask(blueprintID, it)
		it.future.resolve(val, err)
	}
}

func (m *Manager) runTask(blueprintID string, it *item) (val any, err error) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("task panicked",
				"blueprint_id", blueprintID,
				"type", it.pending.Type,
				"panic", fmt.Sprintf("%v", p),
			)
			err = fmt.Errorf("task panic: %v", p)
		}
	}()

	return it.fn(m.baseCtx)
}
