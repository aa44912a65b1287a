// Package process turns tiered task graphs into engine-agnostic process
// definitions and declares the contract of the workflow engine that runs them.
//
// A generated definition has the shape
//
//	start -> fork_0 -> {task_0_*} -> join_0 -> fork_1 -> ... -> end
//
// with a failure boundary on every task. A boundary catches the
// activation-failed signal and routes to the shared failure node, so no
// later fork is ever entered once a task of a tier has failed.
package process
