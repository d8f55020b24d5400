package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrDuplicateEvent - webhook delivery already processed (acknowledge and drop)
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrApprovalRequired - mutating tool call deferred to a reviewer (tell the user it is pending, never retry)
	ErrApprovalRequired = errors.New("approval required")

	// ErrPermissionDenied - caller may not perform the operation
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidInput - invalid command arguments or payload
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - reference id, session or channel entry is absent
	ErrNotFound = errors.New("not found")

	// ErrTransient - durable store I/O or lock contention (report to caller, safe to retry)
	ErrTransient = errors.New("transient error")

	// ErrInternal - internal error (generic message + trace id)
	ErrInternal = errors.New("internal error")
)
