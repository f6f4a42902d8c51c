// Package engine is the job admission and supervision core. The Engine (task
// ledger) admits invocations against each function's concurrency ceiling,
// starts workers through a backend.Supervisor, tracks every task from RUNNING
// to a terminal status and records it in a store.Store. The Sweeper moves
// overdue tasks to TIMEOUT. Call and CallBlocking form the invocation façade
// used by the HTTP layer.
package engine
