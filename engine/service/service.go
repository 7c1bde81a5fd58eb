// Package service implements the Task Service (spec.md §4.G): the single
// entry point that creates, cancels, deletes, and mutates tasks on behalf
// of an owning principal, adapted in collaborator shape from the teacher's
// server/api.Handlers (a struct bundling its repository/queue/publisher
// dependencies as fields set at construction).
package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/engine/engine/aggregate"
	"github.com/taskforge/engine/engine/events"
	"github.com/taskforge/engine/engine/queue"
	"github.com/taskforge/engine/engine/task"
)

const (
	detailsCancelledByUser   = "Cancelled by user request"
	detailsCancelCascade     = "Cancelled (cascade from parent)"
	detailsCancelSubtreeRoot = "Cancelled by user request (with subtree)"
)

// RunningCanceller fires the cancellation signal for an in-flight task.
// Service depends on this interface rather than engine/dispatcher directly
// so the two packages don't import each other; engine.go wires the concrete
// *dispatcher.Dispatcher in.
type RunningCanceller interface {
	Cancel(taskID string) bool
}

// Service is the Task Service. All operations authorize against owner
// before touching a task, matching the teacher's handlers' "fetch, check
// owner, act" shape.
type Service struct {
	repo       task.Repository
	queue      *queue.Queue
	publisher  events.Publisher
	aggregator *aggregate.Aggregator
	running    RunningCanceller
}

// New creates a Service. running may be nil (e.g. in tests that only
// exercise Queued-state cancellation, which never needs it).
func New(repo task.Repository, q *queue.Queue, pub events.Publisher, agg *aggregate.Aggregator, running RunningCanceller) *Service {
	return &Service{repo: repo, queue: q, publisher: pub, aggregator: agg, running: running}
}

// Create inserts req as a new task owned by owner, optionally as a child of
// req.ParentTaskID, enqueues it, and publishes Created.
func (s *Service) Create(req task.CreateRequest, owner, authToken string) (*task.Item, error) {
	var parent *task.Item
	if req.ParentTaskID != "" {
		p, err := s.repo.Get(req.ParentTaskID)
		if err != nil {
			return nil, fmt.Errorf("service: create: parent %s: %w", req.ParentTaskID, task.ErrInvalidRequest)
		}
		if p.OwnerID != owner {
			return nil, fmt.Errorf("service: create: parent %s: %w", req.ParentTaskID, task.ErrInvalidRequest)
		}
		parent = p
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()

	item := &task.Item{
		ID:                 id,
		OwnerID:            owner,
		GroupID:            req.GroupID,
		Priority:           req.Priority,
		Type:               req.Type,
		Payload:            req.Payload,
		State:              task.Queued,
		Weight:             req.Weight,
		SubtaskParallelism: req.SubtaskParallelism,
		ParentTaskID:       req.ParentTaskID,
		AuthToken:          authToken,
		TrackHistory:       req.TrackHistory,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if item.GroupID == "" {
		item.GroupID = task.DefaultGroup
	}
	if item.Weight <= 0 {
		item.Weight = 1
	}
	if parent != nil {
		// Invariant (spec.md §3): a child shares root_task_id, auth_token,
		// and track_history with its parent — these are never re-derived.
		item.RootTaskID = parent.RootTaskID
		item.AuthToken = parent.AuthToken
		item.TrackHistory = parent.TrackHistory
	} else {
		item.RootTaskID = id
	}

	if err := s.repo.Put(item); err != nil {
		return nil, fmt.Errorf("service: create: %w", err)
	}
	s.queue.Enqueue(item.ID, item.GroupID, item.Priority)
	s.publisher.Created(item)
	return item.Clone(), nil
}

// CreateHierarchy materializes req's whole tree atomically, assigning every
// node root_task_id = the root's id, enqueues only the root, and publishes
// Created for every node.
func (s *Service) CreateHierarchy(req task.HierarchyRequest, owner, authToken string) (*task.Item, error) {
	rootID := req.Parent.ID
	if rootID == "" {
		rootID = uuid.NewString()
	}
	now := time.Now().UTC()

	var items []*task.Item
	var root *task.Item

	var walk func(node task.HierarchyRequest, id, parentID string)
	walk = func(node task.HierarchyRequest, id, parentID string) {
		p := node.Parent
		it := &task.Item{
			ID:                 id,
			OwnerID:            owner,
			GroupID:            p.GroupID,
			Priority:           p.Priority,
			Type:               p.Type,
			Payload:            p.Payload,
			State:              task.Queued,
			Weight:             p.Weight,
			SubtaskParallelism: p.SubtaskParallelism,
			ParentTaskID:       parentID,
			RootTaskID:         rootID,
			AuthToken:          authToken,
			TrackHistory:       p.TrackHistory,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if it.GroupID == "" {
			it.GroupID = task.DefaultGroup
		}
		if it.Weight <= 0 {
			it.Weight = 1
		}
		items = append(items, it)
		if parentID == "" {
			root = it
		}
		for _, child := range node.Children {
			childID := child.Parent.ID
			if childID == "" {
				childID = uuid.NewString()
			}
			walk(child, childID, id)
		}
	}
	walk(req, rootID, "")

	if err := s.repo.AddBatch(items); err != nil {
		return nil, fmt.Errorf("service: create hierarchy: %w", err)
	}
	s.queue.Enqueue(root.ID, root.GroupID, root.Priority)
	for _, it := range items {
		s.publisher.Created(it)
	}
	return root.Clone(), nil
}

// Get returns id if owned by owner, or (nil, nil) on owner mismatch —
// callers see a foreign task exactly as if it did not exist.
func (s *Service) Get(id, owner string) (*task.Item, error) {
	t, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != owner {
		return nil, nil
	}
	return t, nil
}

// ListOwnerTasks returns every task owned by owner, newest first.
func (s *Service) ListOwnerTasks(owner string) ([]*task.Item, error) {
	return s.repo.GetByOwner(owner)
}

// Update changes priority and/or payload on a Queued task. priority/payload
// are pointers so "not supplied" and "set to zero value" are distinguishable.
func (s *Service) Update(id, owner string, priority *int, payload *string) (*task.Item, error) {
	t, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != owner {
		return nil, task.ErrForbidden
	}
	if t.State != task.Queued {
		return nil, task.ErrInvalidState
	}
	if priority != nil {
		t.Priority = *priority
	}
	if payload != nil {
		t.Payload = *payload
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.repo.Put(t); err != nil {
		return nil, err
	}
	s.publisher.Updated(t)
	return t.Clone(), nil
}

// Cancel transitions id to Cancelled. Calling it on a task already in a
// terminal state is a no-op and emits no events (spec.md §8 invariant 8).
func (s *Service) Cancel(id, owner string) (*task.Item, error) {
	t, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != owner {
		return nil, task.ErrForbidden
	}
	if t.State.Terminal() {
		return t, nil
	}
	s.cancelInPlace(t, detailsCancelledByUser)
	if err := s.repo.Put(t); err != nil {
		return nil, err
	}
	s.publisher.StateChanged(t.ID, t.OwnerID, t.State, t.StateDetails)
	return t.Clone(), nil
}

// cancelInPlace fires the appropriate external signal (queue tombstone or
// running-task cancel) and mutates t to Cancelled. Caller persists and
// publishes; this lets CancelSubtree share the transition logic without
// publishing twice per node.
func (s *Service) cancelInPlace(t *task.Item, details string) {
	switch t.State {
	case task.Queued:
		s.queue.TryCancel(t.ID)
	case task.Executing:
		if s.running != nil {
			s.running.Cancel(t.ID)
		}
	}
	now := time.Now().UTC()
	t.State = task.Cancelled
	t.StateDetails = details
	t.UpdatedAt = now
	t.CompletedAt = &now
}

// CancelSubtree cancels id's descendants leaves-first, then id itself,
// matching S7's details convention: descendants get the cascade message,
// the subtree root gets its own. Already-terminal nodes are left alone.
func (s *Service) CancelSubtree(id, owner string) error {
	root, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if root.OwnerID != owner {
		return task.ErrForbidden
	}

	descendants, err := s.repo.GetDescendants(id)
	if err != nil {
		return err
	}

	// GetDescendants returns BFS (shallow-first) order; walking it in
	// reverse visits deeper nodes before their ancestors, i.e. leaves first.
	for i := len(descendants) - 1; i >= 0; i-- {
		d := descendants[i]
		if d.State.Terminal() {
			continue
		}
		s.cancelInPlace(d, detailsCancelCascade)
		if err := s.repo.Put(d); err != nil {
			return err
		}
		s.publisher.StateChanged(d.ID, d.OwnerID, d.State, d.StateDetails)
	}

	if !root.State.Terminal() {
		s.cancelInPlace(root, detailsCancelSubtreeRoot)
		if err := s.repo.Put(root); err != nil {
			return err
		}
		s.publisher.StateChanged(root.ID, root.OwnerID, root.State, root.StateDetails)
	}
	return nil
}

// Delete cancels id first if it is still live, then removes it.
func (s *Service) Delete(id, owner string) error {
	t, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if t.OwnerID != owner {
		return task.ErrForbidden
	}
	if !t.State.Terminal() {
		if _, err := s.Cancel(id, owner); err != nil {
			return err
		}
	}
	if err := s.repo.Delete(id); err != nil {
		return err
	}
	s.publisher.Deleted(id, owner)
	return nil
}

// DeleteSubtree cancels id's whole subtree, removes it from the repository
// in one atomic delete, then publishes Deleted for every removed node.
func (s *Service) DeleteSubtree(id, owner string) error {
	root, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if root.OwnerID != owner {
		return task.ErrForbidden
	}

	descendants, err := s.repo.GetDescendants(id)
	if err != nil {
		return err
	}
	if err := s.CancelSubtree(id, owner); err != nil {
		return err
	}
	if err := s.repo.DeleteSubtree(id); err != nil {
		return err
	}

	for i := len(descendants) - 1; i >= 0; i-- {
		s.publisher.Deleted(descendants[i].ID, descendants[i].OwnerID)
	}
	s.publisher.Deleted(root.ID, root.OwnerID)
	return nil
}

// AddSubtask inserts req as a new child of parentID. callerOwner must match
// the parent's owner; the child itself always inherits the parent's owner,
// auth_token, root_task_id, and track_history (spec.md §3's sharing
// invariant), and falls back to the parent's group when unset.
func (s *Service) AddSubtask(parentID string, req task.CreateRequest, callerOwner string) (*task.Item, error) {
	parent, err := s.repo.Get(parentID)
	if err != nil {
		return nil, err
	}
	if parent.OwnerID != callerOwner {
		return nil, task.ErrForbidden
	}
	if parent.State != task.Executing {
		return nil, task.ErrInvalidState
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	groupID := req.GroupID
	if groupID == "" {
		groupID = parent.GroupID
	}
	weight := req.Weight
	if weight <= 0 {
		weight = 1
	}
	now := time.Now().UTC()

	child := &task.Item{
		ID:                 id,
		OwnerID:            parent.OwnerID,
		GroupID:            groupID,
		Priority:           req.Priority,
		Type:               req.Type,
		Payload:            req.Payload,
		State:              task.Queued,
		Weight:             weight,
		SubtaskParallelism: req.SubtaskParallelism,
		ParentTaskID:       parentID,
		RootTaskID:         parent.RootTaskID,
		AuthToken:          parent.AuthToken,
		TrackHistory:       parent.TrackHistory,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Put(child); err != nil {
		return nil, err
	}
	s.queue.Enqueue(child.ID, child.GroupID, child.Priority)
	s.publisher.Created(child)

	if s.aggregator != nil {
		if err := s.aggregator.OnChildChange(child.ID); err != nil {
			return nil, fmt.Errorf("service: add subtask: aggregate: %w", err)
		}
	}
	return child.Clone(), nil
}

// AddSubtasks adds each request in order, returning the created items in
// the same order. It stops at the first failure.
func (s *Service) AddSubtasks(parentID string, reqs []task.CreateRequest, callerOwner string) ([]*task.Item, error) {
	out := make([]*task.Item, 0, len(reqs))
	for _, req := range reqs {
		child, err := s.AddSubtask(parentID, req, callerOwner)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

// SetOutput writes a task's output field, readable by a parent's hooks.
func (s *Service) SetOutput(id, output string) error {
	t, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	t.Output = output
	t.UpdatedAt = time.Now().UTC()
	return s.repo.Put(t)
}

// UpdateQueuedPayload replaces a Queued task's payload. Used by a sequential
// parent's on_subtask_terminal hook to pass data to the next sibling (S5).
func (s *Service) UpdateQueuedPayload(id, payload string) error {
	t, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if t.State != task.Queued {
		return task.ErrInvalidState
	}
	t.Payload = payload
	t.UpdatedAt = time.Now().UTC()
	return s.repo.Put(t)
}
