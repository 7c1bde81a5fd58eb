// Package dispatcher implements the Dispatcher/Processor (spec.md §4.H):
// a single dispatch loop that dequeues tasks and hands each to an
// independently scheduled worker goroutine, bounded only by per-group
// concurrency gates. Grounded in technique on the teacher's agent.Runtime
// (one context.CancelFunc per unit of concurrent work, guarded by a
// mutex), generalized from one cancel func per agent to one per
// in-flight task.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/engine/engine/aggregate"
	"github.com/taskforge/engine/engine/events"
	"github.com/taskforge/engine/engine/executor"
	"github.com/taskforge/engine/engine/gate"
	"github.com/taskforge/engine/engine/queue"
	"github.com/taskforge/engine/engine/task"
)

const (
	defaultTaskTimeout  = 60 * time.Minute
	defaultPollInterval = 100 * time.Millisecond

	detailsTimedOut = "timed out or terminated"
)

// AddSubtasker is the slice of engine/service.Service the dispatcher needs
// to slot dynamically-created children into a running parent (S6's retry
// flow). Depending on this narrow interface, instead of the concrete
// Service type, keeps engine/service -> engine/dispatcher (via
// RunningCanceller) from becoming a circular import.
type AddSubtasker interface {
	AddSubtasks(parentID string, reqs []task.CreateRequest, callerOwner string) ([]*task.Item, error)
}

// Config holds the Dispatcher's tunables, sourced from config.Config
// (spec.md §6).
type Config struct {
	TaskTimeout       time.Duration
	QueuePollInterval time.Duration
	Logger            *slog.Logger
}

// Dispatcher owns the dispatch loop and the running_tasks cancellation
// registry (spec.md §5).
type Dispatcher struct {
	repo       task.Repository
	queue      *queue.Queue
	gates      *gate.Gates
	registry   *executor.Registry
	publisher  events.Publisher
	aggregator *aggregate.Aggregator
	service    AddSubtasker

	taskTimeout  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a Dispatcher. svc may be nil for deployments with no dynamic
// subtask hooks in play.
func New(repo task.Repository, q *queue.Queue, gates *gate.Gates, registry *executor.Registry, pub events.Publisher, agg *aggregate.Aggregator, svc AddSubtasker, cfg Config) *Dispatcher {
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	poll := cfg.QueuePollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		repo: repo, queue: q, gates: gates, registry: registry,
		publisher: pub, aggregator: agg, service: svc,
		taskTimeout: timeout, pollInterval: poll, logger: logger,
		running:  make(map[string]context.CancelFunc),
		shutdown: make(chan struct{}),
	}
}

// SetService wires the Service the dispatcher uses to slot dynamically
// created subtasks in (S6's retry flow). It exists because Dispatcher and
// Service each depend on the other (service needs a RunningCanceller,
// dispatcher needs an AddSubtasker) — callers outside this package
// construct the Dispatcher first with a nil service, build the Service
// around it, then close the loop with SetService before calling Run.
func (d *Dispatcher) SetService(svc AddSubtasker) {
	d.service = svc
}

// Cancel fires the cancellation signal for an in-flight task, if any. It
// implements engine/service.RunningCanceller.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.mu.Lock()
	cancel, ok := d.running[taskID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Run is the single dispatch loop. It blocks dequeuing tasks and spawning
// a worker goroutine for each until Stop is called.
func (d *Dispatcher) Run() {
	for {
		item, ok := d.queue.Dequeue(d.shutdown)
		if !ok {
			return
		}
		d.wg.Add(1)
		go func(taskID, groupID string) {
			defer d.wg.Done()
			d.process(taskID, groupID)
		}(item.TaskID, item.GroupID)
	}
}

// Stop signals the dispatch loop and every in-flight worker to exit, then
// waits for them to finish.
func (d *Dispatcher) Stop() {
	close(d.shutdown)
	d.queue.Close()
	d.mu.Lock()
	for _, cancel := range d.running {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) registerRunning(id string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.running[id] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) unregisterRunning(id string) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
}

// taskContext combines the three trip conditions spec.md §4.H step 2
// requires: global shutdown, explicit per-task cancel (via the returned
// CancelFunc, registered by the caller), and a timeout deadline.
func (d *Dispatcher) taskContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), d.taskTimeout)
	go func() {
		select {
		case <-d.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// process implements the per-task worker algorithm's common prefix
// (spec.md §4.H): acquire the gate, load the task, and route to the leaf
// or parent path.
func (d *Dispatcher) process(taskID, groupID string) {
	if !d.gates.Acquire(d.shutdown, groupID) {
		return
	}

	t, err := d.repo.Get(taskID)
	if err != nil {
		d.gates.Release(groupID)
		return
	}
	if t.State == task.Cancelled {
		d.gates.Release(groupID)
		return
	}

	children, err := d.repo.GetChildren(taskID)
	if err != nil {
		d.logger.Error("dispatcher: load children failed", "task_id", taskID, "err", err)
		d.gates.Release(groupID)
		return
	}

	if len(children) > 0 {
		d.runParent(t, children, groupID)
	} else {
		d.runLeaf(t, groupID)
	}
}

// runLeaf implements spec.md §4.H's Leaf Path.
func (d *Dispatcher) runLeaf(t *task.Item, groupID string) {
	defer d.gates.Release(groupID)

	exec, ok := d.registry.Get(t.Type)
	if !ok {
		d.transitionTerminal(t, task.Errored, fmt.Sprintf("no executor for type %s", t.Type))
		return
	}

	ctx, cancel := d.taskContext()
	defer cancel()
	d.registerRunning(t.ID, cancel)
	defer d.unregisterRunning(t.ID)

	now := time.Now().UTC()
	t.State = task.Executing
	t.StartedAt = &now
	t.UpdatedAt = now
	if err := d.repo.Put(t); err != nil {
		d.logger.Error("dispatcher: persist Executing failed", "task_id", t.ID, "err", err)
	}
	d.publisher.StateChanged(t.ID, t.OwnerID, task.Executing, "")

	sink := &progressSink{d: d, task: t}
	execErr := exec.Execute(ctx, t, sink)

	// Reload: progress-sink reports and parent hooks may have written this
	// task through the repository from other goroutines while Execute ran.
	latest, err := d.repo.Get(t.ID)
	if err != nil {
		d.logger.Error("dispatcher: reload before terminal write failed", "task_id", t.ID, "err", err)
		latest = t
	}

	if latest.State == task.Cancelled {
		// An explicit Service.Cancel already wrote the terminal state;
		// the leaf's own terminal write must not overwrite it (§4.H step 6).
		return
	}

	switch {
	case execErr == nil:
		latest.State = task.Completed
		latest.Progress = 100
	case ctx.Err() != nil:
		latest.State = task.Terminated
		latest.StateDetails = detailsTimedOut
	default:
		latest.State = task.Errored
		latest.StateDetails = execErr.Error()
	}
	d.finishTerminal(latest)
}

// finishTerminal persists a terminal state, publishes it, and notifies the
// aggregator. Shared by the leaf and parent paths.
func (d *Dispatcher) finishTerminal(t *task.Item) {
	now := time.Now().UTC()
	t.CompletedAt = &now
	t.UpdatedAt = now
	if err := d.repo.Put(t); err != nil {
		d.logger.Error("dispatcher: persist terminal state failed", "task_id", t.ID, "err", err)
	}
	d.publisher.StateChanged(t.ID, t.OwnerID, t.State, t.StateDetails)
	if d.aggregator != nil {
		if err := d.aggregator.OnChildChange(t.ID); err != nil {
			d.logger.Error("dispatcher: aggregate failed", "task_id", t.ID, "err", err)
		}
	}
}

func (d *Dispatcher) transitionTerminal(t *task.Item, state task.State, details string) {
	t.State = state
	t.StateDetails = details
	d.finishTerminal(t)
}

// progressSink is the executor.ProgressSink handed to Execute, implementing
// spec.md §4.H step 4.
type progressSink struct {
	d    *Dispatcher
	task *task.Item
}

func (s *progressSink) Report(percentage float64, details, payload string) {
	s.d.reportProgress(s.task, percentage, details, payload)
}

func (s *progressSink) SetOutput(output string) {
	s.d.setOutput(s.task, output)
}

// setOutput writes a leaf's output field mid-execution, the in-process path
// for spec.md §4.G's set_output operation: it lets an executor hand data to
// a parent's on_subtask_terminal hook (S5) without a round trip through the
// HTTP surface. No event is published, matching Service.SetOutput.
func (d *Dispatcher) setOutput(t *task.Item, output string) {
	t.Output = output
	t.UpdatedAt = time.Now().UTC()
	if err := d.repo.Put(t); err != nil {
		d.logger.Error("dispatcher: persist output failed", "task_id", t.ID, "err", err)
	}
}

func (d *Dispatcher) reportProgress(t *task.Item, percentage float64, details, payload string) {
	t.Progress = percentage
	t.ProgressDetails = details
	t.ProgressPayload = payload
	t.UpdatedAt = time.Now().UTC()
	if err := d.repo.Put(t); err != nil {
		d.logger.Error("dispatcher: persist progress failed", "task_id", t.ID, "err", err)
	}
	d.publisher.Progress(t.ID, t.OwnerID, percentage, details, payload)
	if d.aggregator != nil {
		if err := d.aggregator.OnChildChange(t.ID); err != nil {
			d.logger.Error("dispatcher: aggregate failed", "task_id", t.ID, "err", err)
		}
	}
	if t.ParentTaskID != "" {
		d.notifySubtaskProgress(t)
	}
}

func (d *Dispatcher) notifySubtaskProgress(child *task.Item) {
	parent, err := d.repo.Get(child.ParentTaskID)
	if err != nil {
		return
	}
	exec, ok := d.registry.Get(parent.Type)
	if !ok {
		return
	}
	if observer, ok := exec.(executor.SubtaskProgressObserver); ok {
		observer.OnSubtaskProgress(parent, child, executor.SubtaskProgressChange{
			Percentage: child.Progress,
			Details:    child.ProgressDetails,
			Payload:    child.ProgressPayload,
		})
	}
}

// runParent implements spec.md §4.H's Parent Path.
func (d *Dispatcher) runParent(t *task.Item, children []*task.Item, groupID string) {
	d.gates.Release(groupID) // parents never hold a concurrency slot (§4.E rationale)

	t.State = task.Executing
	t.UpdatedAt = time.Now().UTC()
	if err := d.repo.Put(t); err != nil {
		d.logger.Error("dispatcher: persist parent Executing failed", "task_id", t.ID, "err", err)
	}
	d.publisher.StateChanged(t.ID, t.OwnerID, task.Executing, "")

	ctx, cancel := d.taskContext()
	defer cancel()
	d.registerRunning(t.ID, cancel)
	defer d.unregisterRunning(t.ID)

	exec, _ := d.registry.Get(t.Type) // a parent type need not register hooks

	lastKnown := make(map[string]task.State, len(children))
	hookDone := make(map[string]bool, len(children))
	allChildIDs := make([]string, 0, len(children))
	for _, c := range children {
		lastKnown[c.ID] = c.State
		allChildIDs = append(allChildIDs, c.ID)
	}

	// superseded marks a child whose terminal hook produced a replacement
	// (a retry, typically): it stays in the repository and in allChildIDs
	// so the final child count still reflects it, but its own failure is
	// not held against the parent's all-success verdict (S6).
	superseded := make(map[string]bool, len(children))

	if t.SubtaskParallelism {
		for _, c := range children {
			d.queue.Enqueue(c.ID, c.GroupID, c.Priority)
		}
	} else {
		// Sequential: enqueue one sibling at a time, running its terminal
		// hooks before the next goes out — the only window in which a
		// hook may rewrite the next sibling's payload or splice in new
		// dynamic subtasks ahead of it (spec.md §4.H step 4).
		for _, c := range children {
			d.queue.Enqueue(c.ID, c.GroupID, c.Priority)
			if !d.waitForTerminal(ctx, c.ID) {
				break
			}
			hookDone[c.ID] = true
			added := d.runTerminalHooks(t, c.ID, exec, lastKnown)
			if len(added) > 0 {
				superseded[c.ID] = true
			}
			allChildIDs = append(allChildIDs, added...)
		}
	}

	d.watchChildren(ctx, t, exec, &allChildIDs, lastKnown, hookDone, superseded)
	d.finalizeParent(t, allChildIDs, exec, superseded)
}

// waitForTerminal blocks (polling at pollInterval) until childID reaches a
// terminal state, or ctx/shutdown fires. Used between siblings in
// sequential mode.
func (d *Dispatcher) waitForTerminal(ctx context.Context, childID string) bool {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		c, err := d.repo.Get(childID)
		if err == nil && c.State.Terminal() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-d.shutdown:
			return false
		case <-ticker.C:
		}
	}
}

// watchChildren polls every immediate child (spec.md §4.H step 5),
// including any added dynamically by a terminal hook, until every one of
// them is terminal.
func (d *Dispatcher) watchChildren(ctx context.Context, parent *task.Item, exec executor.Executor, childIDs *[]string, lastKnown map[string]task.State, hookDone map[string]bool, superseded map[string]bool) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		allTerminal := true
		for i := 0; i < len(*childIDs); i++ {
			id := (*childIDs)[i]
			c, err := d.repo.Get(id)
			if err != nil {
				continue
			}
			if c.State != lastKnown[id] {
				if c.State.Terminal() && !hookDone[id] {
					hookDone[id] = true
					added := d.runTerminalHooks(parent, id, exec, lastKnown)
					if len(added) > 0 {
						superseded[id] = true
					}
					*childIDs = append(*childIDs, added...)
				}
				lastKnown[id] = c.State
			}
			if !c.State.Terminal() {
				allTerminal = false
			}
		}
		if allTerminal {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
		}
	}
}

// runTerminalHooks fires the parent's state-change and terminal hooks for
// one child (spec.md §9's resolved policy: on_subtask_state_change fires
// only on terminal transitions, never on e.g. Queued→Executing), and slots
// any requests on_subtask_terminal returns in as new children.
func (d *Dispatcher) runTerminalHooks(parent *task.Item, childID string, exec executor.Executor, lastKnown map[string]task.State) []string {
	child, err := d.repo.Get(childID)
	if err != nil {
		return nil
	}
	change := executor.SubtaskStateChange{
		OldState: lastKnown[childID],
		NewState: child.State,
		Details:  child.StateDetails,
	}

	if exec == nil {
		return nil
	}
	if observer, ok := exec.(executor.SubtaskStateObserver); ok {
		observer.OnSubtaskStateChange(parent, child, change)
	}

	handler, ok := exec.(executor.SubtaskTerminalHandler)
	if !ok {
		return nil
	}
	reqs := handler.OnSubtaskTerminal(parent, child, change)
	if len(reqs) == 0 || d.service == nil {
		return nil
	}
	added, err := d.service.AddSubtasks(parent.ID, reqs, parent.OwnerID)
	if err != nil {
		d.logger.Error("dispatcher: dynamic subtask add failed", "task_id", parent.ID, "err", err)
		return nil
	}
	ids := make([]string, 0, len(added))
	for _, a := range added {
		ids = append(ids, a.ID)
	}
	return ids
}

// finalizeParent implements spec.md §4.H step 6: all-Completed children
// trigger on_all_subtasks_success and a Completed parent; anything else
// is Errored with a count of the failures.
func (d *Dispatcher) finalizeParent(parent *task.Item, childIDs []string, exec executor.Executor, superseded map[string]bool) {
	children := make([]*task.Item, 0, len(childIDs))
	failed := 0
	for _, id := range childIDs {
		c, err := d.repo.Get(id)
		if err != nil {
			continue
		}
		children = append(children, c)
		if superseded[id] {
			continue
		}
		if c.State != task.Completed {
			failed++
		}
	}

	latest, err := d.repo.Get(parent.ID)
	if err != nil {
		latest = parent
	}
	if latest.State == task.Cancelled {
		return // a cancel_subtree already finalized this parent
	}

	if failed == 0 {
		if exec != nil {
			if handler, ok := exec.(executor.AllSubtasksSuccessHandler); ok {
				handler.OnAllSubtasksSuccess(latest, children)
			}
		}
		latest.State = task.Completed
		latest.Progress = 100
	} else {
		latest.State = task.Errored
		latest.StateDetails = fmt.Sprintf("%d child task(s) did not complete successfully", failed)
	}
	d.finishTerminal(latest)
}
