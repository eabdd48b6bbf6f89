package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

var (
	// ErrInitTimeout indicates the handshake exceeded the initialization
	// deadline.
	ErrInitTimeout = errors.New("mcp initialization timed out")
)

const (
	// RetryBackoffMin is the minimum jittered backoff before a transport retry.
	RetryBackoffMin = 250 * time.Millisecond

	// RetryBackoffMax is the maximum jittered backoff before a transport retry.
	RetryBackoffMax = 750 * time.Millisecond
)

// ToolError carries the error text an MCP server returned with isError=true.
// It is a tool-level failure, not a transport failure: the session stays
// usable and the text is relayed upstream so the model can recover.
type ToolError struct {
	ServerID string
	ToolName string
	Text     string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q on server %q failed: %s", e.ToolName, e.ServerID, e.Text)
}

// RecoveryAction determines how to handle an MCP operation failure.
type RecoveryAction int

const (
	// NoRetry marks errors that are not recoverable (bad request, protocol
	// error, timeout).
	NoRetry RecoveryAction = iota
	// RetryNewSession marks transport failures worth one retry on a fresh
	// session.
	RetryNewSession
)

// ClassifyError determines the recovery action for an MCP operation error.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry
		}
		return RetryNewSession
	}

	if isConnectionError(err) {
		return RetryNewSession
	}

	return NoRetry
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
