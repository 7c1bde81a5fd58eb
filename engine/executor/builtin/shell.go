package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/taskforge/engine/engine/executor"
	"github.com/taskforge/engine/engine/task"
)

// ShellExecutor runs a task's payload as a shell command on the host,
// for workloads that don't need container isolation. It reports progress
// 0 when the command starts and 100 when it finishes successfully;
// exec.CommandContext already ties the process lifetime to cancellation,
// so there's nothing to poll mid-run.
type ShellExecutor struct {
	// Shell is the interpreter used to run the payload, e.g. "/bin/sh".
	// Defaults to "/bin/sh" with "-c".
	Shell string
}

func (s *ShellExecutor) TaskType() string { return "shell" }

func (s *ShellExecutor) Execute(ctx context.Context, t *task.Item, sink executor.ProgressSink) error {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	sink.Report(0, "starting command", "")

	cmd := exec.CommandContext(ctx, shell, "-c", t.Payload)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("shell: command failed: %w: %s", err, out.String())
	}

	sink.SetOutput(out.String())
	sink.Report(100, "command finished", "")
	return nil
}
