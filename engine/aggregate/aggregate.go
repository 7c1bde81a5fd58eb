// Package aggregate implements the weighted progress roll-up described in
// spec.md §4.F: whenever a child reports progress or reaches a terminal
// state, its parent's progress is recomputed from all immediate children
// and the change is bubbled up the ancestor chain.
package aggregate

import (
	"fmt"

	"github.com/taskforge/engine/engine/events"
	"github.com/taskforge/engine/engine/task"
)

// AggregatedDetails is the convention (spec.md §9) consumers use to tell a
// parent's derived Progress event apart from a leaf's own progress report.
const AggregatedDetails = "Aggregated from %d children"

// Aggregator recomputes and publishes parent progress. Callers notify it
// after every child progress report or child terminal transition.
type Aggregator struct {
	repo      task.Repository
	publisher events.Publisher
}

// New creates an Aggregator over repo, publishing roll-up events to pub.
func New(repo task.Repository, pub events.Publisher) *Aggregator {
	return &Aggregator{repo: repo, publisher: pub}
}

// OnChildChange recomputes progress for childID's parent (and, per
// spec.md §4.F step 7, that parent's ancestors in turn) after childID's
// progress or state has changed. It is an iterative ancestor walk, not
// recursion, per spec.md §9's explicit preference.
func (a *Aggregator) OnChildChange(childID string) error {
	child, err := a.repo.Get(childID)
	if err != nil {
		return fmt.Errorf("aggregate: load child %s: %w", childID, err)
	}

	parentID := child.ParentTaskID
	for parentID != "" {
		parent, err := a.repo.Get(parentID)
		if err != nil {
			return fmt.Errorf("aggregate: load parent %s: %w", parentID, err)
		}
		children, err := a.repo.GetChildren(parentID)
		if err != nil {
			return fmt.Errorf("aggregate: load children of %s: %w", parentID, err)
		}

		parent.Progress = weightedProgress(children)
		if err := a.repo.Put(parent); err != nil {
			return fmt.Errorf("aggregate: write parent %s: %w", parentID, err)
		}

		a.publisher.Progress(parent.ID, parent.OwnerID, parent.Progress,
			fmt.Sprintf(AggregatedDetails, len(children)), "")

		parentID = parent.ParentTaskID
	}
	return nil
}

// weightedProgress implements spec.md §4.F steps 3–5: a Completed child
// always contributes 100; every other child contributes its own current
// progress (preserving "progress at failure" for Cancelled/Errored/
// Terminated children). Weight normalization (rejecting non-positive
// weights) is the Task Service's job at creation time, not the
// aggregator's — a zero total_weight here means zero children or children
// that genuinely carry zero weight, and per spec.md §4.F step 3 that's 0.
func weightedProgress(children []*task.Item) float64 {
	var totalWeight, weighted float64
	for _, c := range children {
		contribution := c.Progress
		if c.State == task.Completed {
			contribution = 100
		}
		totalWeight += c.Weight
		weighted += c.Weight * contribution
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}
