package stepflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/stepflow/pkg/worker"
)

// LocalRunner bundles an in-memory Orchestrator and a Worker to provide a
// simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := stepflow.NewLocalRunner(invoker)
//	flow := stepflow.NewFlow("my-flow", "1").Step(...).Done()
//	if err := flow.RegisterAndPublish(runner.Orchestrator); err != nil { ... }
//
//	sess, _ := runner.Orchestrator.Start(ctx, flow.Name(), stepflow.StartOptions{})
//
//	// Synchronous: settle the whole flow now.
//	_, _ = runner.Worker.Drain(ctx)
//
//	// Or asynchronous: poll in the background.
//	_ = runner.StartWorkers(ctx, 2)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Orchestrator is the in-memory orchestrator used by this runner.
	Orchestrator Orchestrator

	// Worker processes the orchestrator's job queue.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory
// orchestrator and a worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner(invoker AgentInvoker) *LocalRunner {
	orch := NewInMemoryOrchestrator(invoker, Options{})
	return &LocalRunner{
		Orchestrator: orch,
		Worker:       worker.New(orch, worker.Config{}),
	}
}

// StartWorkers starts 'concurrency' polling goroutines that run until the
// context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		w := r.Worker
		if i > 0 {
			// Each goroutine needs its own lease identity.
			w = worker.New(r.Orchestrator, worker.Config{})
		}
		go func() {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}()
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
