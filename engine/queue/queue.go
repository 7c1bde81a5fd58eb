// Package queue implements the per-group priority queue described in
// spec.md §4.D: one ordered queue per group_id, with a single global
// dequeue operation that selects the highest (priority desc, seq asc) key
// across every non-empty group.
package queue

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// Item is a queued reference: the dispatcher only needs the task and group
// ID to do its work — the task body itself lives in the Repository.
type Item struct {
	TaskID   string
	GroupID  string
	Priority int
	seq      uint64
}

// less reports whether a ranks ahead of b under the (priority desc, seq asc)
// ordering spec.md §4.D defines.
func less(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// groupHeap is a container/heap ordering queued items for one group.
type groupHeap []*Item

func (h groupHeap) Len() int            { return len(h) }
func (h groupHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h groupHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *groupHeap) Push(x any)         { *h = append(*h, x.(*Item)) }
func (h *groupHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is the fair, group-partitioned priority queue. Groups are created
// lazily on first enqueue. A single Dequeue call blocks until some group
// has a live (non-tombstoned) item, or the caller's stop channel fires.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	groups    map[string]*groupHeap
	tombstone map[string]struct{}
	seq       atomic.Uint64
	closed    bool
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{
		groups:    make(map[string]*groupHeap),
		tombstone: make(map[string]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds taskID to groupID's queue at the given priority and wakes
// any blocked Dequeue caller.
func (q *Queue) Enqueue(taskID, groupID string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.groups[groupID]
	if !ok {
		nh := make(groupHeap, 0, 8)
		h = &nh
		q.groups[groupID] = h
	}
	delete(q.tombstone, taskID) // re-enqueue clears any stale tombstone
	heap.Push(h, &Item{TaskID: taskID, GroupID: groupID, Priority: priority, seq: q.seq.Add(1)})
	q.cond.Broadcast()
}

// TryCancel marks taskID as tombstoned; it is dropped the next time it
// would be dequeued instead of being removed from its heap immediately
// (cheaper, and the heap position is invalidated lazily on pop anyway).
func (q *Queue) TryCancel(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tombstone[taskID] = struct{}{}
}

// Close unblocks any pending or future Dequeue call with ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Dequeue blocks until a live item is available across all groups, then
// returns the globally best-ranked one. stop, if non-nil, is polled to
// allow a caller to unblock early without closing the queue for everyone
// else.
func (q *Queue) Dequeue(stop <-chan struct{}) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if it, ok := q.popBestLocked(); ok {
			return it, true
		}
		if q.closed {
			return nil, false
		}
		if stop != nil {
			select {
			case <-stop:
				return nil, false
			default:
			}
		}
		q.cond.Wait()
	}
}

// popBestLocked scans every group's heap root, drops tombstoned entries,
// and pops+returns the single globally-best item. Caller must hold q.mu.
func (q *Queue) popBestLocked() (*Item, bool) {
	for {
		var bestGroup string
		var best *Item
		for gid, h := range q.groups {
			for h.Len() > 0 {
				top := (*h)[0]
				if _, dead := q.tombstone[top.TaskID]; dead {
					heap.Pop(h)
					delete(q.tombstone, top.TaskID)
					continue
				}
				break
			}
			if h.Len() == 0 {
				continue
			}
			cand := (*h)[0]
			if best == nil || less(cand, best) {
				best = cand
				bestGroup = gid
			}
		}
		if best == nil {
			return nil, false
		}
		h := q.groups[bestGroup]
		heap.Pop(h)
		return best, true
	}
}

// Len returns the total number of live (non-tombstoned) items across all
// groups. Intended for tests and metrics, not for control flow.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, h := range q.groups {
		for _, it := range *h {
			if _, dead := q.tombstone[it.TaskID]; !dead {
				n++
			}
		}
	}
	return n
}
