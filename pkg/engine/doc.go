// Package engine provides the core types of the environment activation orchestrator.
//
// # Overview
//
// An environment is a graph of interdependent resources (organizations,
// spaces, applications, routes, services, subscriptions). Every resource
// goes through a fixed lifecycle:
//
//	INIT -> ACTIVATE -> FIRSTSTART -> START/STOP -> DELETE
//
// For a given environment and step the engine:
//
//  1. Resolves exactly one Handler per (resource type, step) through the Registry
//  2. Builds a tiered TaskGraph with the DAGBuilder: dependencies first for
//     construction steps, dependents first for STOP and DELETE
//  3. Drives each handler with the TaskDriver: start, then poll with bounds
//  4. Reports terminal statuses to the CompletionCallback, which signals the
//     workflow engine on failure so later tiers never start
//
// # Handler Dispatch
//
// Resolution follows a fixed policy:
//
//   - one eligible handler: it is returned
//   - none for ACTIVATE: ErrNoEligibleHandler
//   - none for INIT: nil, silently
//   - none for any other step: nil, with one debug log line
//   - two or more for any step: ErrAmbiguousHandler
//
// # Task Status
//
// TaskStatus is an immutable snapshot. Transitions produce new values and
// a terminal snapshot (FINISHED_OK or FINISHED_FAILED) never changes.
// Handlers return STARTED from Start and do their work asynchronously.
//
// # Error Classification
//
// Errors are EngineError values carrying a class and a code:
//
//   - Configuration: found while planning, before any task starts
//   - Runtime: reported while a plan executes; completed work stays in place
//   - Permanent: anything else, such as invalid input
//
// Use errors.Is with the Err* sentinels to match a class and code.
package engine
