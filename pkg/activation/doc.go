// Package activation runs lifecycle steps of environments end to end.
//
// An Orchestrator plans a step from the stored resource snapshot, checks
// the plan against admission policies, lowers it into a process
// definition and hands it to the workflow engine. Its two delegates do
// the work inside the engine: the activation delegate drives one handler
// per task and reports the terminal status through the completion
// callback; the failure delegate writes the diagnostic of the first
// failed task onto the environment.
//
// Environment status follows the step: the in-progress status with the
// percent of finished tasks while the instance runs, then the step's done
// status at 100%, or FAILED with "<STEP> failed on <Type>#<id> (<task>) : <error>".
package activation
