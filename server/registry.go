package server

import (
	"github.com/taskforge/engine/engine/executor"
	"github.com/taskforge/engine/engine/executor/builtin"
)

// newDefaultRegistry registers every built-in Executor (spec.md §4.A)
// the server ships with: countdown for demos and the S1-S3 scenarios,
// shell for host commands, and the docker/browser executors for
// container- and page-driven workloads. A failed Register here indicates
// a duplicate TaskType and is a programming error, not a runtime one.
func newDefaultRegistry() *executor.Registry {
	reg := executor.NewRegistry()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(reg.Register(&builtin.CountdownExecutor{}))
	must(reg.Register(&builtin.ShellExecutor{}))
	must(reg.Register(builtin.NewDockerExecutor()))
	must(reg.Register(builtin.NewBrowserExecutor(true)))
	return reg
}
