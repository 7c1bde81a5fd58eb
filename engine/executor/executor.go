// Package executor defines the pluggable unit-of-work contract (spec.md
// §4.A) and the registry that maps a task's type to its Executor.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskforge/engine/engine/task"
)

// ProgressSink lets an Executor report incremental progress while it runs,
// and record the output a parent's hooks will read once it terminates
// (spec.md §3's output field, §4.G's set_output operation). Implementations
// must tolerate rapid, repeated calls from Execute.
type ProgressSink interface {
	Report(percentage float64, details, payload string)
	SetOutput(output string)
}

// Executor runs the leaf work for one task type. Execute must periodically
// observe ctx.Done() so cancellation and timeouts (spec.md §4.H) can take
// effect; it returns nil on success, ctx.Err() (or a wrapping of it) when
// cancelled, or any other error on failure.
type Executor interface {
	TaskType() string
	Execute(ctx context.Context, t *task.Item, sink ProgressSink) error
}

// SubtaskProgressChange and SubtaskStateChange carry the observation a
// parent's hooks receive about one of its children.
type SubtaskProgressChange struct {
	Percentage float64
	Details    string
	Payload    string
}

type SubtaskStateChange struct {
	OldState task.State
	NewState task.State
	Details  string
}

// The hook interfaces below are optional capability probes (spec.md §9):
// an Executor backing a parent task type implements whichever of these it
// needs, and the dispatcher type-asserts for each one rather than relying
// on inheritance or a base class with no-op overrides.

// SubtaskProgressObserver is notified synchronously every time one of the
// parent's children reports progress.
type SubtaskProgressObserver interface {
	OnSubtaskProgress(parent, child *task.Item, change SubtaskProgressChange)
}

// SubtaskStateObserver is notified synchronously whenever a child's state
// changes (this repo's policy, per SPEC_FULL.md §9, is to fire this only
// on terminal transitions).
type SubtaskStateObserver interface {
	OnSubtaskStateChange(parent, child *task.Item, change SubtaskStateChange)
}

// SubtaskTerminalHandler is called exactly once when a child enters a
// terminal state. Returned requests are appended as new children of the
// parent (used for retries and dynamic fan-out).
type SubtaskTerminalHandler interface {
	OnSubtaskTerminal(parent, child *task.Item, change SubtaskStateChange) []task.CreateRequest
}

// AllSubtasksSuccessHandler is called once, after every child of the
// parent has reached Completed.
type AllSubtasksSuccessHandler interface {
	OnAllSubtasksSuccess(parent *task.Item, children []*task.Item)
}

// Registry maps task type to Executor, adapted from the teacher's
// plugin.InMemoryRegistry: a mutex-guarded map with Register/Get/List.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor under its TaskType. Returns an error if that
// type is already registered.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.TaskType()]; exists {
		return fmt.Errorf("executor for type %q already registered", e.TaskType())
	}
	r.executors[e.TaskType()] = e
	return nil
}

// Get returns the executor registered for taskType, if any.
func (r *Registry) Get(taskType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[taskType]
	return e, ok
}

// List returns all registered executors.
func (r *Registry) List() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Executor, 0, len(r.executors))
	for _, e := range r.executors {
		out = append(out, e)
	}
	return out
}
