// Package services implements the application services behind the HTTP API:
// MCP server registration and sync, approval policies, and conversation
// reads.
package services

import (
	"errors"
	"fmt"
)

// ErrSyncFailed indicates a capability sync could not reach or read the MCP
// server. The failure is recorded in sync_status before it is returned.
var ErrSyncFailed = errors.New("capability sync failed")

// ValidationError reports an invalid field in a client request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
