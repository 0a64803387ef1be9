package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/feedsync/internal/feedsync"
	"github.com/roach88/feedsync/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Request or sync failure (authority rejected a request, sync aborted)
	ExitCommandError = 2 // Command error (bad flags, config invalid, database unreachable)
)

// Error codes carried in JSON error responses.
const (
	CodeConfig   = "E001" // configuration could not be loaded
	CodeStore    = "E002" // local store could not be opened or queried
	CodeRequest  = "E003" // request rejected as invalid
	CodeRemote   = "E004" // authority unreachable or returned an error
	CodeInternal = "E099"
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// isRejectedRequest reports whether err means the caller asked for something
// malformed, as opposed to the store or authority failing.
func isRejectedRequest(err error) bool {
	return errors.Is(err, store.ErrInvalidRequest) ||
		errors.Is(err, store.ErrInvalidCursor) ||
		errors.Is(err, store.ErrCursorTokenMismatch) ||
		errors.Is(err, store.ErrUnknownSubscription)
}

// classify picks the error code and exit code for a failed command. fallback
// is the code used when err is neither a rejected request nor a remote error.
func classify(err error, fallback string) (string, int) {
	switch {
	case isRejectedRequest(err):
		return CodeRequest, ExitCommandError
	case feedsync.IsRemoteError(err), errors.Is(err, feedsync.ErrNoPositions):
		return CodeRemote, ExitFailure
	default:
		return fallback, ExitFailure
	}
}

// textRenderer is implemented by results with a multi-line text form.
type textRenderer interface {
	WriteText(w io.Writer)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // progress lines; falls back to Writer
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // CodeConfig, CodeStore, ...
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a result in the configured format. In text mode results
// implementing WriteText render themselves; anything else is printed with
// fmt.Fprintln.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if r, ok := data.(textRenderer); ok {
		r.WriteText(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns the ExitError the command should return.
// Rejected requests exit with ExitCommandError, everything else with
// ExitFailure.
func (f *OutputFormatter) Fail(message string, err error, fallback string, details any) *ExitError {
	code, exit := classify(err, fallback)
	_ = f.Error(code, err.Error(), details)
	return WrapExitError(exit, message, err)
}

// Progress writes a line to ErrWriter in verbose mode, keeping JSON output on
// Writer parseable.
func (f *OutputFormatter) Progress(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
