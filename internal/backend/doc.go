// Package backend defines the contract between the task ledger and the worker
// supervisors that run job bodies in isolation (a re-executed OS process or a
// cancellable goroutine), along with a registry of supervisors by start mode.
package backend
