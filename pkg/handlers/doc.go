// Package handlers provides building blocks for activation handlers.
//
// Async turns a blocking Work function into a fire-and-forget Handler:
// Start returns a STARTED status at once and the work runs on its own
// goroutine, publishing progress into a Tracker that Poll reads.
//
// Script runs a Starlark run(resource) function as the work, and
// Simulated ships demonstration handlers for every resource type.
package handlers
