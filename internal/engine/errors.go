package engine

import "errors"

// Failure reason prefixes recorded in error_details and DLQ entries. The
// CONTRACT_VIOLATION class marks programming defects (bad messages, panics,
// missing registrations); everything else is an expected runtime failure.
const (
	ReasonUnknownJob           = "UNKNOWN_JOB"
	ReasonUnknownJobType       = "UNKNOWN_JOB_TYPE"
	ReasonHandlerNotRegistered = "HANDLER_NOT_REGISTERED"
	ReasonEnqueueFailed        = "ENQUEUE_FAILED"
	ReasonContractViolation    = "CONTRACT_VIOLATION"
	ReasonTimeout              = "TIMEOUT"
)

var (
	// ErrUnknownJobType rejects submissions for job types with no blueprint.
	ErrUnknownJobType = errors.New("unknown job_type")
	// ErrInvalidParameters rejects submissions the blueprint's validator
	// refused.
	ErrInvalidParameters = errors.New("invalid parameters")
)

// maxErrorDetails caps what we persist in error_details.
const maxErrorDetails = 5000

func truncateDetail(s string) string {
	if len(s) <= maxErrorDetails {
		return s
	}
	return s[:maxErrorDetails]
}
