package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a type failed to extract or a load failed
	ExitCommandError = 2 // configuration or setup error
)

// ExitError carries the exit code a command should end the process with.
type ExitError struct {
	Code    int
	Message string
	Err     error
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors without one are
// setup errors.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// Output writes command results as JSON or as text lines.
type Output struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result writes data. In text mode lines are printed instead.
func (o *Output) Result(failed bool, data any, lines ...string) error {
	if o.Format == "json" {
		status := "ok"
		if failed {
			status = "failed"
		}
		return json.NewEncoder(o.Writer).Encode(CLIResponse{Status: status, Data: data})
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(o.Writer, l); err != nil {
			return err
		}
	}
	return nil
}

// Raw writes a document as is, in either format.
func (o *Output) Raw(doc []byte) error {
	_, err := o.Writer.Write(doc)
	return err
}
