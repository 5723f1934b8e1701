package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/tenantmig/internal/audit"
	"github.com/roach88/tenantmig/internal/executor"
)

// Exit codes. PASS_WITH_WARNINGS exits 0; every failure state exits 1.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// ExitError carries the process exit code for a command error.
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

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code and message to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code: ExitSuccess for nil, the
// carried code for an ExitError, ExitFailure otherwise.
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

// CLIResponse is the JSON envelope every command writes in --format json.
// Session ties the output to the audit events of the same invocation.
type CLIResponse struct {
	Status  string    `json:"status"` // "ok" or "error"
	Data    any       `json:"data,omitempty"`
	Error   *CLIError `json:"error,omitempty"`
	Session string    `json:"session,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command output as text or as one JSON envelope
// per invocation.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
	Session   string

	written bool
}

// JSON reports whether output is machine-readable.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success writes data. Text mode prints it with fmt; commands with a table
// layout write to Writer themselves.
func (f *OutputFormatter) Success(data any) error {
	f.written = true
	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes a coded error. Details are shown in text mode only with
// --verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	f.written = true
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports a command error as a JSON error envelope, unless the
// command already wrote its document. Text mode leaves errors to main.
func (f *OutputFormatter) Fail(err error) {
	if err == nil || !f.JSON() || f.written {
		return
	}
	msg, cause := err.Error(), any(nil)
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err != nil {
		msg, cause = exitErr.Message, exitErr.Err.Error()
	}
	_ = f.Error(errorCode(err), msg, cause)
}

// Report writes a run report: the report itself as data in JSON, the
// rendered report in text.
func (f *OutputFormatter) Report(report audit.Report, opts audit.TextOptions) error {
	if f.JSON() {
		return f.Success(report)
	}
	f.written = true
	return report.WriteText(f.Writer, opts)
}

// VerboseLog writes a diagnostic line with --verbose. It goes to ErrWriter
// so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the writer for diagnostics.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	resp.Session = f.Session
	return json.NewEncoder(f.Writer).Encode(resp)
}

// errorCode classifies err for the JSON envelope.
func errorCode(err error) string {
	if errors.Is(err, context.Canceled) {
		return "E_INTERRUPTED"
	}
	if kind := executor.KindOf(err); kind != "" && kind != executor.KindExecution {
		return "E_" + strings.ToUpper(string(kind))
	}
	return "E_COMMAND"
}
