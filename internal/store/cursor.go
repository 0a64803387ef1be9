package store

import (
	"fmt"
	"strconv"
	"strings"
)

const cursorSeparator = "|"

// EncodeCursor builds the opaque "<epochToken>|<insertionId>" token.
func EncodeCursor(token string, insertionID int64) string {
	return token + cursorSeparator + strconv.FormatInt(insertionID, 10)
}

// ParseCursor splits a cursor into its epoch token and insertion id.
func ParseCursor(cursor string) (token string, insertionID int64, err error) {
	i := strings.LastIndex(cursor, cursorSeparator)
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	insertionID, err = strconv.ParseInt(cursor[i+1:], 10, 64)
	if err != nil || insertionID < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return cursor[:i], insertionID, nil
}

// checkCursor validates a cursor against the store's epoch and returns the
// insertion id threshold it encodes.
func (s *Store) checkCursor(cursor string) (int64, error) {
	token, id, err := ParseCursor(cursor)
	if err != nil {
		return 0, err
	}
	if current := s.Token(); token != current {
		return 0, fmt.Errorf("%w: cursor epoch %q, store epoch %q", ErrCursorTokenMismatch, token, current)
	}
	return id, nil
}
