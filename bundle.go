package stepflow

import (
	"database/sql"

	workerpkg "github.com/petrijr/stepflow/pkg/worker"
)

// WorkerBundle wires together an Orchestrator and a Worker polling its
// durable job queue.
type WorkerBundle struct {
	Orchestrator Orchestrator
	Worker       *workerpkg.Worker
}

// NewSQLiteBundle constructs a durable Orchestrator + Worker combo sharing
// the same SQLite database. Sessions, jobs, events, interactions and memory
// are all persisted in the provided *sql.DB, so a restart resumes exactly
// where the previous process stopped.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepflow.db?_journal=WAL")
//	bundle, err := stepflow.NewSQLiteBundle(db, invoker, stepflow.Options{}, worker.Config{})
//	// register flows on bundle.Orchestrator
//	// run bundle.Worker, or call bundle.Worker.Drain in batch jobs
func NewSQLiteBundle(db *sql.DB, invoker AgentInvoker, opts Options, cfg workerpkg.Config) (*WorkerBundle, error) {
	orch, err := NewSQLiteOrchestrator(db, invoker, opts)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Orchestrator: orch,
		Worker:       workerpkg.New(orch, cfg),
	}, nil
}
