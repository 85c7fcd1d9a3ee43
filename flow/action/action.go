// Package action holds the handler result type and the side-effect clients
// used by task handlers: webhook delivery, notifications, external
// integrations, and bulk imports.
package action

// Result is the outcome a task handler reports back to the worker.
//
// A failed Result does not decide retry policy by itself; the retry
// controller compares the task's retry count against its maximum. Setting
// Permanent short-circuits that and dead-letters the task immediately,
// for errors that cannot succeed on retry (bad configuration, rejected
// payloads, authorization failures).
type Result struct {
	// Success reports whether the handler completed its work.
	Success bool

	// Output carries data produced by the handler. On success it is merged
	// into the workflow state when the instance advances.
	Output map[string]any

	// ErrorMessage describes the failure when Success is false.
	ErrorMessage string

	// ErrorDetail carries supplementary failure context (stack traces,
	// response bodies). Stored on the task, never merged into state.
	ErrorDetail string

	// Permanent marks a failure as non-retryable.
	Permanent bool
}

// Succeed builds a successful Result with the given output.
func Succeed(output map[string]any) Result {
	return Result{Success: true, Output: output}
}

// Fail builds a retryable failure Result.
func Fail(msg string) Result {
	return Result{Success: false, ErrorMessage: msg}
}

// FailPermanent builds a non-retryable failure Result. The retry
// controller dead-letters the task without consuming remaining attempts.
func FailPermanent(msg string) Result {
	return Result{Success: false, ErrorMessage: msg, Permanent: true}
}
