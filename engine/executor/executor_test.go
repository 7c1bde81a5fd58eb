package executor

import (
	"context"
	"testing"

	"github.com/taskforge/engine/engine/task"
)

type stubExecutor struct{ typ string }

func (s *stubExecutor) TaskType() string { return s.typ }
func (s *stubExecutor) Execute(ctx context.Context, t *task.Item, sink ProgressSink) error {
	return nil
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	e := &stubExecutor{typ: "noop"}
	if err := r.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("noop")
	if !ok || got.TaskType() != "noop" {
		t.Fatalf("Get(noop) = %v, %v", got, ok)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) = true, want false")
	}

	if len(r.List()) != 1 {
		t.Errorf("List() = %d entries, want 1", len(r.List()))
	}
}

func TestRegistry_DuplicateRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubExecutor{typ: "noop"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(&stubExecutor{typ: "noop"}); err == nil {
		t.Fatal("second Register with same type: want error, got nil")
	}
}
