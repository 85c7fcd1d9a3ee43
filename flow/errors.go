package flow

import "errors"

// Engine-level sentinel errors.
var (
	// ErrNotHumanTask is returned by CompleteHumanTask when the task is
	// not a human task.
	ErrNotHumanTask = errors.New("task is not a human task")

	// ErrTaskFinished is returned when completing a task that is already
	// completed or dead-lettered.
	ErrTaskFinished = errors.New("task already finished")

	// ErrInstanceTerminal is returned when acting on a completed or
	// failed instance.
	ErrInstanceTerminal = errors.New("instance is terminal")
)
