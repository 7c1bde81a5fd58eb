// Package engine wires the execution core's eight components (spec.md
// §2) into a single runnable Engine, mirroring the teacher's
// workflow.Engine builder/lifecycle shape used from cmd/ratchetd/main.go:
// construct the collaborators, Start the dispatch loop, Stop it on
// shutdown.
package engine

import (
	"log/slog"
	"time"

	"github.com/taskforge/engine/config"
	"github.com/taskforge/engine/engine/aggregate"
	"github.com/taskforge/engine/engine/dispatcher"
	"github.com/taskforge/engine/engine/events"
	"github.com/taskforge/engine/engine/executor"
	"github.com/taskforge/engine/engine/gate"
	"github.com/taskforge/engine/engine/queue"
	"github.com/taskforge/engine/engine/service"
	"github.com/taskforge/engine/engine/task"
)

// Engine bundles the Repository, Queue, Gates, Registry, Publisher,
// Aggregator, Service and Dispatcher into one lifecycle, the way
// workflow.Engine bundles a module host's wired components behind a
// single Start/Stop pair.
type Engine struct {
	Repo       task.Repository
	Queue      *queue.Queue
	Gates      *gate.Gates
	Registry   *executor.Registry
	Publisher  events.Publisher
	Aggregator *aggregate.Aggregator
	Service    *service.Service
	Dispatcher *dispatcher.Dispatcher

	logger *slog.Logger
}

// Option customizes New before the Engine's collaborators are wired
// together, the way workflow.NewEngineBuilder's With* methods do.
type Option func(*options)

type options struct {
	repo      task.Repository
	publisher events.Publisher
	logger    *slog.Logger
}

// WithRepository overrides the default task.NewMemoryStore(), e.g. to pass
// a task.SQLiteStore for persistence.
func WithRepository(r task.Repository) Option {
	return func(o *options) { o.repo = r }
}

// WithPublisher overrides the default events.NewInMemoryBus(). Pass an
// events.Fanout to feed more than one sink (e.g. the in-memory history
// bus and a real-time SSE hub) from the same stream.
func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLogger overrides the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New wires every component in the execution core's dependency order
// (spec.md §2's flow diagram): repository and queue first, then the
// gates and the aggregator, then the dispatcher (with no service yet),
// then the service built around that dispatcher, and finally SetService,
// which hands the service back to the dispatcher for S6-style dynamic
// subtask addition.
func New(cfg *config.Config, registry *executor.Registry, opts ...Option) *Engine {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.repo == nil {
		o.repo = task.NewMemoryStore()
	}
	if o.publisher == nil {
		o.publisher = events.NewInMemoryBus()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	q := queue.New()
	gates := gate.New(cfg.GroupSize)
	agg := aggregate.New(o.repo, o.publisher)

	timeout := cfg.DefaultTaskTimeout
	if timeout <= 0 {
		timeout = 60 * time.Minute
	}
	poll := cfg.QueuePollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}

	disp := dispatcher.New(o.repo, q, gates, registry, o.publisher, agg, nil, dispatcher.Config{
		TaskTimeout:       timeout,
		QueuePollInterval: poll,
		Logger:            o.logger,
	})
	svc := service.New(o.repo, q, o.publisher, agg, disp)
	disp.SetService(svc)

	return &Engine{
		Repo:       o.repo,
		Queue:      q,
		Gates:      gates,
		Registry:   registry,
		Publisher:  o.publisher,
		Aggregator: agg,
		Service:    svc,
		Dispatcher: disp,
		logger:     o.logger,
	}
}

// Start begins the dispatch loop in a background goroutine. Call Stop to
// drain it on shutdown.
func (e *Engine) Start() {
	e.logger.Info("engine starting")
	go e.Dispatcher.Run()
}

// Stop signals the dispatch loop and every in-flight worker to exit, and
// waits for them to finish.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	e.Dispatcher.Stop()
}
