package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/taskforge/engine/engine/task"
)

func TestShellExecutor_CapturesOutput(t *testing.T) {
	e := &ShellExecutor{}
	item := &task.Item{Payload: "echo hello"}
	sink := &recordingSink{}

	if err := e.Execute(context.Background(), item, sink); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(sink.output, "hello") {
		t.Errorf("output = %q, want it to contain hello", sink.output)
	}
	if len(sink.reports) != 2 || sink.reports[len(sink.reports)-1] != 100 {
		t.Errorf("reports = %v, want [0 100]", sink.reports)
	}
}

func TestShellExecutor_FailingCommand(t *testing.T) {
	e := &ShellExecutor{}
	item := &task.Item{Payload: "exit 7"}
	sink := &recordingSink{}

	if err := e.Execute(context.Background(), item, sink); err == nil {
		t.Fatal("expected error from failing command")
	}
}
