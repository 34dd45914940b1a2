// Package registry holds the in-memory task registry: a bounded set of task
// records, each owned by the principal that created it.
//
// Ids are allocated sequentially from zero and never reused. Records are never
// removed; the only mutation after creation is the one-way completion flag,
// which only the creator may set.
package registry

import (
	"log/slog"
	"sync"

	"github.com/basket/taskd/internal/bus"
)

// DefaultCapacity is the maximum number of tasks a registry holds unless
// configured otherwise.
const DefaultCapacity = 1000

const (
	opCreate   = "create"
	opComplete = "complete"
)

// TaskID identifies a task. Ids start at 0 and increase by one per creation.
type TaskID uint64

// Task is a stored task record. Description is nil when none was supplied.
type Task struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Deadline    int64   `json:"deadline"`
	Completed   bool    `json:"completed"`
	Creator     string  `json:"creator"`
}

// Config holds the dependencies for a Registry.
type Config struct {
	Capacity int          // defaults to DefaultCapacity if zero
	Bus      *bus.Bus     // optional; receives task.* events
	Logger   *slog.Logger // defaults to slog.Default()
}

// Registry is the task store. A single RWMutex serializes creations and
// completions; lookups share the read lock, so readers never see a
// half-applied mutation.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[TaskID]Task
	order  []TaskID
	nextID TaskID

	capacity int
	bus      *bus.Bus
	logger   *slog.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:    make(map[TaskID]Task),
		capacity: capacity,
		bus:      cfg.Bus,
		logger:   logger.With("subsystem", "registry"),
	}
}

// CreateTask stores a new, incomplete task owned by caller and returns its id.
// It fails with ErrCapacityExceeded once the registry is full, leaving the
// registry untouched.
func (r *Registry) CreateTask(title string, description *string, deadline int64, caller string) (TaskID, error) {
	if description != nil {
		d := *description
		description = &d
	}

	r.mu.Lock()
	if len(r.tasks) >= r.capacity {
		r.mu.Unlock()
		err := &TaskError{Op: opCreate, Caller: caller, Err: ErrCapacityExceeded}
		r.reject(err)
		return 0, err
	}
	id := r.nextID
	r.tasks[id] = Task{
		Title:       title,
		Description: description,
		Deadline:    deadline,
		Creator:     caller,
	}
	r.order = append(r.order, id)
	r.nextID++
	r.mu.Unlock()

	r.logger.Debug("task created", "task_id", id, "creator", caller)
	r.publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
		TaskID:   uint64(id),
		Creator:  caller,
		Title:    title,
		Deadline: deadline,
	})
	return id, nil
}

// CompleteTask marks task id as completed. Existence is checked before
// ownership: an unknown id yields ErrNotFound whoever the caller is, and a
// known id owned by someone else yields ErrForbidden. Completing an already
// completed task as its creator succeeds without further change.
func (r *Registry) CompleteTask(id TaskID, caller string) error {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		err := &TaskError{Op: opComplete, TaskID: id, Caller: caller, Err: ErrNotFound}
		r.reject(err)
		return err
	}
	if task.Creator != caller {
		r.mu.Unlock()
		err := &TaskError{Op: opComplete, TaskID: id, Caller: caller, Err: ErrForbidden}
		r.reject(err)
		return err
	}
	already := task.Completed
	if !already {
		task.Completed = true
		r.tasks[id] = task
	}
	r.mu.Unlock()

	r.logger.Debug("task completed", "task_id", id, "creator", caller, "already_completed", already)
	r.publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
		TaskID:           uint64(id),
		Creator:          caller,
		AlreadyCompleted: already,
	})
	return nil
}

// GetTask returns a copy of task id. The boolean is false when no such task
// exists; absence is not an error.
func (r *Registry) GetTask(id TaskID) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return cloneTask(task), true
}

// GetUserTasks returns, in creation order, the ids of every task created by
// caller. The result is empty, never nil, when caller owns nothing.
func (r *Registry) GetUserTasks(caller string) []TaskID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskID, 0)
	for _, id := range r.order {
		if r.tasks[id].Creator == caller {
			out = append(out, id)
		}
	}
	return out
}

// Range calls fn for each task in creation order until fn returns false.
// fn runs under the read lock and must not call back into the registry's
// mutating methods.
func (r *Registry) Range(fn func(id TaskID, task Task) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if !fn(id, cloneTask(r.tasks[id])) {
			return
		}
	}
}

// Len returns the number of stored tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Capacity returns the configured task limit.
func (r *Registry) Capacity() int {
	return r.capacity
}

// NextID returns the id the next successful creation will receive.
func (r *Registry) NextID() TaskID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

func (r *Registry) reject(err *TaskError) {
	r.logger.Info("task operation rejected",
		"op", err.Op,
		"task_id", err.TaskID,
		"caller", err.Caller,
		"reason", Reason(err),
	)
	r.publish(bus.TopicTaskRejected, bus.TaskRejectedEvent{
		Op:     err.Op,
		TaskID: uint64(err.TaskID),
		Caller: err.Caller,
		Reason: Reason(err),
		Code:   Code(err),
	})
}

func (r *Registry) publish(topic string, payload interface{}) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}

func cloneTask(t Task) Task {
	if t.Description != nil {
		d := *t.Description
		t.Description = &d
	}
	return t
}
