// Package gate implements the per-group counting semaphores described in
// spec.md §4.E: one semaphore per group_id, sized by that group's
// max_parallelism, created lazily the first time the group is dispatched.
package gate

import "sync"

// SizeFunc resolves a group's configured concurrency cap. It is called at
// most once per group (the first time that group is encountered).
type SizeFunc func(groupID string) int

// Gates owns one counting semaphore per group.
type Gates struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	sizeOf SizeFunc
}

// New creates a Gates table. sizeOf resolves each group's cap; if it
// returns <= 0, a cap of 1 is used so misconfiguration never means
// unbounded concurrency.
func New(sizeOf SizeFunc) *Gates {
	return &Gates{
		sems:   make(map[string]chan struct{}),
		sizeOf: sizeOf,
	}
}

func (g *Gates) semFor(groupID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.sems[groupID]
	if !ok {
		n := g.sizeOf(groupID)
		if n <= 0 {
			n = 1
		}
		sem = make(chan struct{}, n)
		g.sems[groupID] = sem
	}
	return sem
}

// Acquire blocks until a slot in groupID's gate is free, or done is
// closed. It reports whether a slot was acquired.
func (g *Gates) Acquire(done <-chan struct{}, groupID string) bool {
	sem := g.semFor(groupID)
	select {
	case sem <- struct{}{}:
		return true
	case <-done:
		return false
	}
}

// Release frees a slot in groupID's gate. It must be called exactly once
// per successful Acquire.
func (g *Gates) Release(groupID string) {
	sem := g.semFor(groupID)
	select {
	case <-sem:
	default:
		// Released without a matching Acquire — a bug in the caller, but
		// panicking here would take down an unrelated worker goroutine.
	}
}

// InUse reports how many slots of groupID's gate are currently held.
// Intended for tests and metrics.
func (g *Gates) InUse(groupID string) int {
	sem := g.semFor(groupID)
	return len(sem)
}
