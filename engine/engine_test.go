package engine

import (
	"context"
	"testing"
	"time"

	"github.com/taskforge/engine/config"
	"github.com/taskforge/engine/engine/events"
	"github.com/taskforge/engine/engine/executor"
	"github.com/taskforge/engine/engine/executor/builtin"
	"github.com/taskforge/engine/engine/task"
)

// producerExecutor sets its output (spec.md §3's output field, via
// ProgressSink.SetOutput) and completes, grounding S5's "X's executor sets
// output" step.
type producerExecutor struct{}

func (p *producerExecutor) TaskType() string { return "producer" }

func (p *producerExecutor) Execute(_ context.Context, _ *task.Item, sink executor.ProgressSink) error {
	sink.SetOutput("42")
	return nil
}

// consumerExecutor records the payload it was run with, so the test can
// confirm the handoff actually changed Y's payload before it ran.
type consumerExecutor struct{ received chan string }

func (c *consumerExecutor) TaskType() string { return "consumer" }

func (c *consumerExecutor) Execute(_ context.Context, t *task.Item, _ executor.ProgressSink) error {
	c.received <- t.Payload
	return nil
}

// handoffParent is the sequential parent hook from S5: when the producer
// child terminates, it reads the producer's output and rewrites the
// consumer sibling's still-Queued payload with it.
type handoffParent struct {
	repo task.Repository
	svc  interface {
		UpdateQueuedPayload(id, payload string) error
	}
}

func (p *handoffParent) TaskType() string { return "handoff-parent" }

func (p *handoffParent) Execute(context.Context, *task.Item, executor.ProgressSink) error {
	return nil
}

func (p *handoffParent) OnSubtaskTerminal(parent, child *task.Item, _ executor.SubtaskStateChange) []task.CreateRequest {
	if child.Type != "producer" {
		return nil
	}
	siblings, err := p.repo.GetChildren(parent.ID)
	if err != nil {
		return nil
	}
	for _, sib := range siblings {
		if sib.Type == "consumer" {
			_ = p.svc.UpdateQueuedPayload(sib.ID, child.Output)
		}
	}
	return nil
}

// newTestEngine builds an Engine over a fast-polling config, suitable for
// the end-to-end scenarios in spec.md §8. Callers register executors on
// the returned Registry before calling Start.
func newTestEngine(t *testing.T) (*Engine, *executor.Registry, *events.InMemoryBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.QueuePollInterval = 10 * time.Millisecond
	cfg.DefaultTaskTimeout = time.Minute

	reg := executor.NewRegistry()
	bus := events.NewInMemoryBus()
	eng := New(cfg, reg, WithPublisher(bus))
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng, reg, bus
}

func waitForState(t *testing.T, eng *Engine, id string, want task.State, timeout time.Duration) *task.Item {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		got, err := eng.Repo.Get(id)
		if err == nil && got.State == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %v in time", id, want)
	return nil
}

// sleepExecutor blocks until its duration elapses or ctx is cancelled,
// grounding S2 (timeout) and S3 (external cancel) without depending on
// CountdownExecutor's tick cadence.
type sleepExecutor struct {
	taskType string
	sleep    time.Duration
}

func (s *sleepExecutor) TaskType() string { return s.taskType }

func (s *sleepExecutor) Execute(ctx context.Context, _ *task.Item, _ executor.ProgressSink) error {
	select {
	case <-time.After(s.sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// S1: a leaf task using the countdown executor reports progress and
// completes successfully.
func TestEngine_S1_LeafSuccess(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	reg.Register(&builtin.CountdownExecutor{Tick: 5 * time.Millisecond})

	item, err := eng.Service.Create(task.CreateRequest{
		Type: "countdown", Priority: 5, Payload: `{"durationInSeconds":0.02}`,
	}, "alice", "tok-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := waitForState(t, eng, item.ID, task.Completed, 2*time.Second)
	if got.Progress != 100 {
		t.Errorf("Progress = %v, want 100", got.Progress)
	}
}

// S2: a leaf task that outruns its per-task timeout is terminated, not
// errored.
func TestEngine_S2_LeafTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.QueuePollInterval = 10 * time.Millisecond
	cfg.DefaultTaskTimeout = 50 * time.Millisecond

	reg := executor.NewRegistry()
	reg.Register(&sleepExecutor{taskType: "slow", sleep: 500 * time.Millisecond})
	eng := New(cfg, reg)
	eng.Start()
	t.Cleanup(eng.Stop)

	item, err := eng.Service.Create(task.CreateRequest{Type: "slow"}, "alice", "tok-2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := waitForState(t, eng, item.ID, task.Terminated, 2*time.Second)
	if got.StateDetails == "" {
		t.Error("expected a non-empty StateDetails explaining the timeout")
	}
}

// S3: cancelling a running leaf task externally moves it to Cancelled,
// not whatever terminal state its own executor would have reached.
func TestEngine_S3_LeafExternalCancel(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	reg.Register(&sleepExecutor{taskType: "slow", sleep: 5 * time.Second})

	item, err := eng.Service.Create(task.CreateRequest{Type: "slow"}, "alice", "tok-3")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForState(t, eng, item.ID, task.Executing, time.Second)

	if _, err := eng.Service.Cancel(item.ID, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := waitForState(t, eng, item.ID, task.Cancelled, time.Second)
	if got.StateDetails != "Cancelled by user request" {
		t.Errorf("StateDetails = %q", got.StateDetails)
	}
}

// S4: a parallel parent's weighted progress is the weighted average of
// its children's progress, and the parent completes only once every
// child has reached a terminal state.
func TestEngine_S4_ParallelParentAggregatesProgress(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	reg.Register(&builtin.CountdownExecutor{Tick: 5 * time.Millisecond})

	root, err := eng.Service.CreateHierarchy(task.HierarchyRequest{
		Parent: task.CreateRequest{Type: "countdown", Payload: `{"durationInSeconds":0}`, SubtaskParallelism: true},
		Children: []task.HierarchyRequest{
			{Parent: task.CreateRequest{Type: "countdown", Payload: `{"durationInSeconds":0.02}`, Weight: 1}},
			{Parent: task.CreateRequest{Type: "countdown", Payload: `{"durationInSeconds":0.02}`, Weight: 3}},
		},
	}, "alice", "tok-4")
	if err != nil {
		t.Fatalf("CreateHierarchy: %v", err)
	}

	got := waitForState(t, eng, root.ID, task.Completed, 2*time.Second)
	if got.Progress != 100 {
		t.Errorf("root Progress = %v, want 100", got.Progress)
	}

	children, err := eng.Repo.GetChildren(root.ID)
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	for _, c := range children {
		if c.State != task.Completed {
			t.Errorf("child %s state = %v, want Completed", c.ID, c.State)
		}
	}
}

// sequentialStage is a no-op leaf executor used to build a sequential
// parent chain whose ordering matters more than its side effects.
type sequentialStage struct {
	taskType string
}

func (s *sequentialStage) TaskType() string { return s.taskType }

func (s *sequentialStage) Execute(_ context.Context, t *task.Item, sink executor.ProgressSink) error {
	sink.Report(100, "done", t.Payload+"->"+s.taskType)
	return nil
}

// S5: a sequential parent runs its children one at a time, in order,
// only proceeding to the next child once the previous one reaches a
// terminal state.
func TestEngine_S5_SequentialParentRunsChildrenInOrder(t *testing.T) {
	eng, reg, bus := newTestEngine(t)
	reg.Register(&sequentialStage{taskType: "stage-a"})
	reg.Register(&sequentialStage{taskType: "stage-b"})

	root, err := eng.Service.CreateHierarchy(task.HierarchyRequest{
		Parent: task.CreateRequest{Type: "stage-a", SubtaskParallelism: false},
		Children: []task.HierarchyRequest{
			{Parent: task.CreateRequest{Type: "stage-a", Weight: 1}},
			{Parent: task.CreateRequest{Type: "stage-b", Weight: 1}},
		},
	}, "alice", "tok-5")
	if err != nil {
		t.Fatalf("CreateHierarchy: %v", err)
	}

	waitForState(t, eng, root.ID, task.Completed, 2*time.Second)

	children, err := eng.Repo.GetChildren(root.ID)
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.State != task.Completed {
			t.Errorf("child %s (%s) state = %v, want Completed", c.ID, c.Type, c.State)
		}
	}
	first, second := children[0], children[1]
	if first.CompletedAt == nil || second.StartedAt == nil || second.StartedAt.Before(*first.CompletedAt) {
		t.Errorf("child %s (%s) started before child %s (%s) completed", second.ID, second.Type, first.ID, first.Type)
	}
	_ = bus.History(root.ID, 0) // exercise the history path the /history endpoint reads
}

// S5 (literal scenario): a sequential parent's on_subtask_terminal hook
// reads one child's output and rewrites the next, still-Queued sibling's
// payload with it before that sibling is enqueued.
func TestEngine_S5_SequentialDataPassing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.QueuePollInterval = 10 * time.Millisecond
	cfg.DefaultTaskTimeout = time.Minute

	reg := executor.NewRegistry()
	eng := New(cfg, reg)
	consumer := &consumerExecutor{received: make(chan string, 1)}
	reg.Register(&handoffParent{repo: eng.Repo, svc: eng.Service})
	reg.Register(&producerExecutor{})
	reg.Register(consumer)
	eng.Start()
	t.Cleanup(eng.Stop)

	root, err := eng.Service.CreateHierarchy(task.HierarchyRequest{
		Parent: task.CreateRequest{Type: "handoff-parent", SubtaskParallelism: false},
		Children: []task.HierarchyRequest{
			{Parent: task.CreateRequest{Type: "producer", Weight: 1}},
			{Parent: task.CreateRequest{Type: "consumer", Weight: 1, Payload: "unset"}},
		},
	}, "alice", "tok-5b")
	if err != nil {
		t.Fatalf("CreateHierarchy: %v", err)
	}

	waitForState(t, eng, root.ID, task.Completed, 2*time.Second)

	select {
	case got := <-consumer.received:
		if got != "42" {
			t.Errorf("consumer ran with payload %q, want %q", got, "42")
		}
	default:
		t.Fatal("consumer executor never ran")
	}
}

// retryOnErrorParent demonstrates S6's hook contract: a parent executor
// that, on a child's terminal Errored transition, dynamically enqueues a
// replacement child via Dispatcher.AddSubtasker.
type retryOnErrorParent struct{}

func (r *retryOnErrorParent) TaskType() string { return "retry-parent" }

func (r *retryOnErrorParent) Execute(context.Context, *task.Item, executor.ProgressSink) error {
	return nil
}

func (r *retryOnErrorParent) OnSubtaskTerminal(_ *task.Item, child *task.Item, change executor.SubtaskStateChange) []task.CreateRequest {
	if change.NewState != task.Errored {
		return nil
	}
	return []task.CreateRequest{{Type: "flaky-once", Weight: child.Weight}}
}

// flakyOnce fails its first invocation and succeeds on any later one, so
// a retry issued by the parent hook is guaranteed to succeed.
type flakyOnce struct {
	calls chan struct{}
}

func (f *flakyOnce) TaskType() string { return "flaky-once" }

func (f *flakyOnce) Execute(_ context.Context, _ *task.Item, _ executor.ProgressSink) error {
	select {
	case f.calls <- struct{}{}:
		return context.Canceled
	default:
		return nil
	}
}

// S6: a sequential parent dynamically adds a replacement child after the
// original child errors, and the tree still converges to Completed.
func TestEngine_S6_DynamicSubtaskRetry(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	reg.Register(&retryOnErrorParent{})
	reg.Register(&flakyOnce{calls: make(chan struct{}, 1)})

	root, err := eng.Service.CreateHierarchy(task.HierarchyRequest{
		Parent: task.CreateRequest{Type: "retry-parent", SubtaskParallelism: false},
		Children: []task.HierarchyRequest{
			{Parent: task.CreateRequest{Type: "flaky-once", Weight: 1}},
		},
	}, "alice", "tok-6")
	if err != nil {
		t.Fatalf("CreateHierarchy: %v", err)
	}

	got := waitForState(t, eng, root.ID, task.Completed, 2*time.Second)
	if got.State != task.Completed {
		t.Fatalf("root state = %v, want Completed", got.State)
	}

	children, err := eng.Repo.GetChildren(root.ID)
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	if len(children) != 2 {
		t.Errorf("len(children) = %d, want 2 (original + retry)", len(children))
	}
}

// S7: cancelling a subtree cascades leaves-first, and every descendant
// ends Cancelled.
func TestEngine_S7_CancelSubtreeCascades(t *testing.T) {
	eng, reg, _ := newTestEngine(t)
	reg.Register(&sleepExecutor{taskType: "slow", sleep: 5 * time.Second})

	root, err := eng.Service.CreateHierarchy(task.HierarchyRequest{
		Parent: task.CreateRequest{Type: "slow", SubtaskParallelism: true},
		Children: []task.HierarchyRequest{
			{Parent: task.CreateRequest{Type: "slow", Weight: 1}},
			{Parent: task.CreateRequest{Type: "slow", Weight: 1}},
		},
	}, "alice", "tok-7")
	if err != nil {
		t.Fatalf("CreateHierarchy: %v", err)
	}

	waitForState(t, eng, root.ID, task.Executing, time.Second)

	if err := eng.Service.CancelSubtree(root.ID, "alice"); err != nil {
		t.Fatalf("CancelSubtree: %v", err)
	}

	descendants, err := eng.Repo.GetDescendants(root.ID)
	if err != nil {
		t.Fatalf("GetDescendants: %v", err)
	}
	for _, d := range descendants {
		got := waitForState(t, eng, d.ID, task.Cancelled, time.Second)
		if got.State != task.Cancelled {
			t.Errorf("descendant %s state = %v, want Cancelled", d.ID, got.State)
		}
	}
	rootGot, err := eng.Repo.Get(root.ID)
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	if rootGot.State != task.Cancelled {
		t.Errorf("root state = %v, want Cancelled", rootGot.State)
	}
}
