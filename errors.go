package chatwire

import (
	"context"
	"errors"
	"fmt"
)

// ProtocolError reports a chunk stream that violated the wire contract: a
// delta without a matching start, a tool output referencing an unknown call
// id, or a similar malformed reference. Protocol errors are fatal to the
// current stream and are never retried.
type ProtocolError struct {
	// ChunkType is the type of the offending chunk.
	ChunkType ChunkType
	// ID is the part or tool-call id the chunk referenced.
	ID string
	// Reason describes the violated contract.
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("chunk %s (id %q): %s", e.ChunkType, e.ID, e.Reason)
}

// ClientError reports a failure of the JSON-RPC client. When the failure is a
// structured error response from the server, Code and Data carry the server's
// error object.
type ClientError struct {
	Message string
	Code    int
	Data    map[string]any
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Cause }

// UnauthorizedError reports that an operation failed with an authentication
// challenge that could not be satisfied: either no auth provider was
// configured, or the one challenge-authorize-retry cycle was already spent.
type UnauthorizedError struct {
	Cause error
}

func (e *UnauthorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unauthorized: %v", e.Cause)
	}
	return "unauthorized"
}

func (e *UnauthorizedError) Unwrap() error { return e.Cause }

// RepairError reports that a tool-call repair hook itself failed. It carries
// both the repair failure and the validation error that triggered the repair
// as separate fields.
type RepairError struct {
	// Cause is the error thrown by the repair hook.
	Cause error
	// Original is the validation error the hook was asked to repair.
	Original error
}

func (e *RepairError) Error() string {
	return fmt.Sprintf("tool call repair failed: %v (original error: %v)", e.Cause, e.Original)
}

func (e *RepairError) Unwrap() error { return e.Cause }

// ErrAborted marks a cancelled operation. The chat controller maps aborted
// responses to the ready status instead of the error status, because
// cancellation is not a failure.
var ErrAborted = errors.New("aborted")

// isAbortError reports whether err stems from cancellation rather than a
// genuine failure.
func isAbortError(err error) bool {
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
