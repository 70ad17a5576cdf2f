// Package api defines the public types and interfaces of the stepflow
// orchestration engine: flow definitions and their step graphs, sessions,
// step executions, queue jobs, the append-only event history, human
// interaction requests, versioned channel memory, and the Orchestrator
// interface workers drive.
//
// Most users import the root stepflow package, which re-exports the
// common types and provides engine constructors.
package api
