// Package faults classifies pipeline errors so the orchestrator can
// decide between retrying, falling back, and failing the job.
package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindTransient covers rate limits, timeouts and connection errors
	// from upstream services. Retryable with backoff.
	KindTransient Kind = "transient_upstream"
	// KindValidation marks malformed generation output. Retryable a
	// bounded number of times with a clarified request.
	KindValidation Kind = "validation"
	// KindApprovalTimeout means no decision arrived within the approval
	// window. Treated identically to an explicit rejection.
	KindApprovalTimeout Kind = "approval_timeout"
	// KindApprovalRejected is an explicit human rejection.
	KindApprovalRejected Kind = "approval_rejected"
	// KindResourceExhausted means an artifact exceeded a size or time
	// cap. A fallback (such as compression) may apply.
	KindResourceExhausted Kind = "resource_exhausted"
	// KindFatal is unretryable; the job moves to failed.
	KindFatal Kind = "fatal"
)

// Error carries a classification plus the stage and segment where the
// failure originated. Segment is -1 when the failure is not tied to one.
type Error struct {
	Kind    Kind
	Stage   string
	Segment int
	Err     error
}

func (e *Error) Error() string {
	if e.Segment >= 0 {
		return fmt.Sprintf("%s (stage=%s segment=%d): %v", e.Kind, e.Stage, e.Segment, e.Err)
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s (stage=%s): %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Segment: -1, Err: err}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

// AtSegment returns a copy annotated with the failing segment index.
func (e *Error) AtSegment(index int) *Error {
	clone := *e
	clone.Segment = index
	return &clone
}

// AtStage returns a copy annotated with the failing stage, unless one is
// already recorded (the innermost stage is the useful one).
func (e *Error) AtStage(stage string) *Error {
	if e.Stage != "" {
		return e
	}
	clone := *e
	clone.Stage = stage
	return &clone
}

// KindOf extracts the classification from an error chain. Unclassified
// errors are fatal: an unknown failure must never be silently retried.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindFatal
}

// SegmentOf reports the failing segment index, or -1 if the error is not
// tied to a segment.
func SegmentOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Segment
	}
	return -1
}

// IsCancellation reports whether the error represents a human rejection
// or an approval timeout, both of which cancel the job rather than fail it.
func IsCancellation(err error) bool {
	kind := KindOf(err)
	return kind == KindApprovalTimeout || kind == KindApprovalRejected
}
