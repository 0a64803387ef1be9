package store

import "errors"

var (
	// ErrCursorTokenMismatch is returned when a cursor was issued under a
	// different store epoch than the current one.
	ErrCursorTokenMismatch = errors.New("cursor token mismatch")

	// ErrInvalidCursor is returned for cursors that are not "<token>|<id>".
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrUnknownSubscription is returned when a query names a subscription
	// that does not exist or has expired.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrInvalidRequest is returned for requests with missing or
	// contradictory fields.
	ErrInvalidRequest = errors.New("invalid request")
)
