// Package job defines the functions that can be invoked over the network:
// their argument schema, concurrency ceiling, timeout and body, together with
// the registry that holds them and the argument coercion applied to incoming
// requests before a body runs.
//
// Definitions are registered once at startup. The engine freezes the registry
// before it accepts invocations; after that the registry is read-only.
package job
