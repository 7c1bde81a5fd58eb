package events

import (
	"sync"
	"time"

	"github.com/taskforge/engine/engine/task"
)

// Record is one event in the InMemoryBus history, adapted from the
// teacher's comms.Message: a typed envelope plus a timestamp, kept so
// subscribers that attach late can still catch up.
type Record struct {
	Type      string    `json:"type"` // "created", "updated", "deleted", "state_changed", "progress"
	TaskID    string    `json:"task_id"`
	OwnerID   string    `json:"owner_id"`
	Task      *task.Item `json:"task,omitempty"`
	NewState  task.State `json:"new_state,omitempty"`
	Details   string    `json:"details,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Percentage float64  `json:"percentage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives every Record published to the bus. It is called
// synchronously from the publishing goroutine, so a slow subscriber delays
// that publisher; the bus does not drop events.
type Subscriber func(Record)

// InMemoryBus is a thread-safe, in-process Publisher, adapted from the
// teacher's comms.InMemoryBus: a history ring buffer plus a set of
// subscriber callbacks, with handlers collected under the lock and
// invoked outside it so a slow subscriber does not hold the bus lock
// while other goroutines publish or read history. A panicking subscriber
// is not recovered.
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]Subscriber
	nextID      int
	history     []Record
	maxHist     int
}

// NewInMemoryBus creates an InMemoryBus with a 1000-event history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subscribers: make(map[int]Subscriber),
		maxHist:     1000,
	}
}

// Subscribe registers fn to receive every future Record. The returned
// function unsubscribes it.
func (b *InMemoryBus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// History returns up to limit of the most recent events for taskID, in
// chronological order. limit <= 0 means no cap.
func (b *InMemoryBus) History(taskID string, limit int) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Record
	for i := len(b.history) - 1; i >= 0; i-- {
		r := b.history[i]
		if r.TaskID == taskID {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func (b *InMemoryBus) publish(r Record) {
	r.Timestamp = time.Now()

	b.mu.Lock()
	b.history = append(b.history, r)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	targets := make([]Subscriber, 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		targets = append(targets, fn)
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(r)
	}
}

func (b *InMemoryBus) Created(t *task.Item) {
	b.publish(Record{Type: "created", TaskID: t.ID, OwnerID: t.OwnerID, Task: t.Clone()})
}

func (b *InMemoryBus) Updated(t *task.Item) {
	b.publish(Record{Type: "updated", TaskID: t.ID, OwnerID: t.OwnerID, Task: t.Clone()})
}

func (b *InMemoryBus) Deleted(taskID, ownerID string) {
	b.publish(Record{Type: "deleted", TaskID: taskID, OwnerID: ownerID})
}

func (b *InMemoryBus) StateChanged(taskID, ownerID string, newState task.State, details string) {
	b.publish(Record{Type: "state_changed", TaskID: taskID, OwnerID: ownerID, NewState: newState, Details: details})
}

func (b *InMemoryBus) Progress(taskID, ownerID string, percentage float64, details, payload string) {
	b.publish(Record{Type: "progress", TaskID: taskID, OwnerID: ownerID, Percentage: percentage, Details: details, Payload: payload})
}
