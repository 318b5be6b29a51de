package detserve

import (
	"fmt"
)

// Stage identifies how far through the pipeline a request progressed before
// it completed or failed
type Stage string

const (
	StageReceived     Stage = "received"
	StagePreprocessed Stage = "preprocessed"
	StageQueued       Stage = "queued"
	StageInferred     Stage = "inferred"
	StagePostprocess  Stage = "postprocessed"
	StageCompleted    Stage = "completed"
)

// InvalidImageError reports malformed or unreadable input.  It is returned
// to the caller immediately and never retried by the pipeline.
type InvalidImageError struct {
	// Source identifies the offending input
	Source string
	// Reason describes what was wrong with it
	Reason string
}

func (e *InvalidImageError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("invalid image: %s", e.Reason)
	}
	return fmt.Sprintf("invalid image %q: %s", e.Source, e.Reason)
}

// OverloadedError reports that the pending queue is full.  Callers should
// retry with backoff, the scheduler never queues beyond its depth limit.
type OverloadedError struct {
	// Depth is the queue depth at submission time
	Depth int
	// Limit is the configured maximum queue depth
	Limit int
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("scheduler overloaded: queue depth %d at limit %d", e.Depth, e.Limit)
}

// TimeoutError reports a request that aged out of the pending queue before
// its batch was flushed
type TimeoutError struct {
	// RequestID is the ID assigned at submission
	RequestID string
	// Stage is the pipeline stage the request reached
	Stage Stage
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out at stage %s", e.RequestID, e.Stage)
}

// ModelError reports a model adapter failure during a batch flush.  Every
// request in the affected batch receives the same failure, the scheduler
// does not resubmit on the caller's behalf.
type ModelError struct {
	// RequestID is the ID of the member request the error is delivered to
	RequestID string
	// Err is the underlying adapter failure
	Err error
}

func (e *ModelError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("model inference failed: %v", e.Err)
	}
	return fmt.Sprintf("model inference failed for request %s: %v", e.RequestID, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}
