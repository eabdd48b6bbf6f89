package orchestrator

import "errors"

var (
	// ErrInvalidRequest indicates a malformed client payload. Reported as a
	// 4xx before any SSE begins.
	ErrInvalidRequest = errors.New("invalid request payload")

	// ErrApprovalContextMissing indicates an approval reply for a
	// conversation that has no upstream response id to reply to.
	ErrApprovalContextMissing = errors.New("conversation has no upstream response to reply to")
)
