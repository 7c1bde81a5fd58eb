// Package builtin provides reference Executor implementations used by the
// test suite and registered by the server daemon (server/registry.go
// registers all four). The package name mirrors the teacher's habit of shipping a
// ready-to-run default alongside a pluggable interface (provider/mock in
// the teacher repo plays the same role for provider.Provider).
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge/engine/engine/executor"
	"github.com/taskforge/engine/engine/task"
)

// CountdownExecutor is a deterministic leaf executor: it reports progress
// once a second for durationInSeconds seconds, then completes. It backs
// spec.md §8's S1 (leaf success) and S2 (timeout) scenarios directly.
type CountdownExecutor struct {
	// Tick overrides the reporting interval; defaults to one second. Tests
	// set this to a few milliseconds to avoid a slow suite.
	Tick time.Duration
}

// countdownPayload is the JSON payload shape the scenarios in spec.md §8
// use: {"durationInSeconds": 1}.
type countdownPayload struct {
	DurationInSeconds float64 `json:"durationInSeconds"`
}

func (c *CountdownExecutor) TaskType() string { return "countdown" }

func (c *CountdownExecutor) Execute(ctx context.Context, t *task.Item, sink executor.ProgressSink) error {
	var p countdownPayload
	if t.Payload != "" {
		if err := json.Unmarshal([]byte(t.Payload), &p); err != nil {
			return fmt.Errorf("countdown: invalid payload: %w", err)
		}
	}
	if p.DurationInSeconds <= 0 {
		p.DurationInSeconds = 1
	}

	tick := c.Tick
	if tick <= 0 {
		tick = time.Second
	}
	total := time.Duration(p.DurationInSeconds * float64(time.Second))
	deadline := time.Now().Add(total)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				sink.Report(100, "countdown complete", "")
				return nil
			}
			elapsed := total - remaining
			pct := 100 * float64(elapsed) / float64(total)
			if pct > 99 {
				pct = 99
			}
			sink.Report(pct, fmt.Sprintf("%.0fs remaining", remaining.Seconds()), "")
		}
	}
}
