// Package worker provides the background worker that drives stepflow
// sessions forward.
//
// Workers poll the orchestrator's persisted job queue, claim one job at a
// time under a lease, and run the claimed step to its next stable state.
// They are designed to be lightweight and easy to embed in existing
// services, and they can be scaled horizontally: any number of workers may
// run against the same backing store, in one process or many.
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Polling the job queue for eligible work
//   - Claiming jobs through the store's atomic lease protocol
//   - Driving claimed steps through the orchestrator
//   - Periodic housekeeping: expiring overdue interaction requests and
//     recovering leases left behind by crashed workers
//
// The lease protocol guarantees that a job is processed by at most one
// worker at a time. A worker that dies mid-job simply lets its lease age
// out; the next housekeeping sweep (or another worker's claim) picks the
// job back up.
//
// # Configuration
//
// Config controls the worker's lease identity, poll interval and
// housekeeping period. The zero value gets sensible defaults from New.
// RunPool starts several workers over one orchestrator with a single
// housekeeping sweep among them.
//
// # Usage
//
// Most callers either run Drain in tests and batch jobs to settle a flow
// synchronously, or start Run (or RunPool) in a goroutine for long-lived
// service processes. See the stepflow package documentation for typical
// wiring.
package worker
