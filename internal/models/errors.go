package models

import "fmt"

// Error taxonomy. ValidationError fails fast and is never retried.
// StorageError is retryable with backoff. DetectorError is isolated from the
// ensemble vote. JobError distinguishes retryable from terminal failures.

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// StorageError reports a backend failure on the durable path.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DetectorError reports a single detector failing on one invocation.
type DetectorError struct {
	Detector string
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s: %v", e.Detector, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// JobError reports an aggregation job failure. Terminal failures have
// exhausted their retry budget and must be surfaced, never swallowed.
type JobError struct {
	JobID    string
	Attempt  int
	Terminal bool
	Err      error
}

func (e *JobError) Error() string {
	state := "retryable"
	if e.Terminal {
		state = "terminal"
	}
	return fmt.Sprintf("job %s attempt %d (%s): %v", e.JobID, e.Attempt, state, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
