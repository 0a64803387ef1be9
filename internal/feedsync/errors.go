package feedsync

import (
	"errors"
	"fmt"

	"github.com/roach88/feedsync/internal/protocol"
)

// ErrUnmatchedResponse is returned by Client.HandleMessage for a message
// whose request id has no pending request. The message is dropped.
var ErrUnmatchedResponse = errors.New("unmatched response")

// ErrNoPositions is returned by Push when the remote peer stored the blocks
// without assigning positions, meaning it is not an authority.
var ErrNoPositions = errors.New("remote assigned no positions")

// RemoteError is a failure reported by the remote peer in an Error envelope.
type RemoteError struct {
	RequestID string
	Message   string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (request=%s): %s", e.RequestID, e.Message)
}

// UnexpectedResponseError is returned when a response arrives for a pending
// request but carries the wrong tag.
type UnexpectedResponseError struct {
	RequestID string
	Expected  protocol.Tag
	Got       protocol.Tag
}

// Error implements the error interface.
func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response (request=%s): want %s, got %s", e.RequestID, e.Expected, e.Got)
}

// IsRemoteError returns true if err wraps a RemoteError.
// Uses errors.As to handle wrapped errors.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
