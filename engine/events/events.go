// Package events defines the outbound event fan-out contract (spec.md
// §4.B, §6): five operations the dispatcher and service call as a
// best-effort, at-least-once notification sink. Ordering is only
// guaranteed per task_id (spec.md §5).
package events

import "github.com/taskforge/engine/engine/task"

// Publisher is the fire-and-forget sink the execution core depends on.
// Implementations must not block the caller meaningfully and must not
// reorder events for a given task_id.
type Publisher interface {
	Created(t *task.Item)
	Updated(t *task.Item)
	Deleted(taskID, ownerID string)
	StateChanged(taskID, ownerID string, newState task.State, details string)
	Progress(taskID, ownerID string, percentage float64, details, payload string)
}

// NoOp is a Publisher that discards every event. Useful for tests and
// callers that only care about repository/queue state.
type NoOp struct{}

func (NoOp) Created(*task.Item)                                               {}
func (NoOp) Updated(*task.Item)                                               {}
func (NoOp) Deleted(string, string)                                           {}
func (NoOp) StateChanged(string, string, task.State, string)                  {}
func (NoOp) Progress(string, string, float64, string, string)                 {}
