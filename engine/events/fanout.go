package events

import "github.com/taskforge/engine/engine/task"

// Fanout implements Publisher by forwarding every call to each of its
// targets in order, realizing spec.md §2's "event fan-out contract
// consumed by an external pub/sub layer" when more than one sink needs
// the stream — e.g. the in-memory history bus and a real-time SSE hub
// both subscribed to the same task events.
type Fanout []Publisher

var _ Publisher = Fanout(nil)

func (f Fanout) Created(t *task.Item) {
	for _, p := range f {
		p.Created(t)
	}
}

func (f Fanout) Updated(t *task.Item) {
	for _, p := range f {
		p.Updated(t)
	}
}

func (f Fanout) Deleted(taskID, ownerID string) {
	for _, p := range f {
		p.Deleted(taskID, ownerID)
	}
}

func (f Fanout) StateChanged(taskID, ownerID string, newState task.State, details string) {
	for _, p := range f {
		p.StateChanged(taskID, ownerID, newState, details)
	}
}

func (f Fanout) Progress(taskID, ownerID string, percentage float64, details, payload string) {
	for _, p := range f {
		p.Progress(taskID, ownerID, percentage, details, payload)
	}
}
