// Package errors funnels startup and runtime failures of the soracal binaries
// into a single exit path so deferred cleanup runs before the process exits.
package errors

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/migadu/soracal/logger"
)

// Process exit codes.
const (
	ExitFatal  = 1
	ExitConfig = 2
)

// GracefulError names the operation that failed.
type GracefulError struct {
	Operation string
	Err       error
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error { return g.Err }

// ErrorHandler keeps the exit code of the first failure reported to it.
// Later failures are logged but do not change the code.
type ErrorHandler struct {
	codes chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{codes: make(chan int, 1)}
}

func (eh *ErrorHandler) record(code int) {
	select {
	case eh.codes <- code:
	default:
	}
}

// FatalError reports a failure of a running component.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("FATAL", "error", NewGracefulError(operation, err))
	eh.record(ExitFatal)
}

// ConfigError reports a configuration file that is missing or does not parse.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	msg := "Failed to parse configuration file"
	if os.IsNotExist(err) {
		msg = "Configuration file not found"
	}
	logger.Error(msg, "path", configPath, "error", err)
	eh.record(ExitConfig)
}

// ValidationError reports a configuration value that is out of range.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.record(ExitConfig)
}

// WaitForExit blocks until a failure was reported and returns its exit code.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.codes
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case code := <-eh.codes:
		return code, true
	case <-timer.C:
		return 0, false
	}
}

// Exit terminates the process with the recorded exit code. Deferred
// functions of the caller do not run.
func (eh *ErrorHandler) Exit() {
	os.Exit(eh.WaitForExit())
}

// Shutdown logs whether the stop was requested (ctx cancelled by a signal)
// or not.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	if ctx.Err() != nil {
		logger.Info("Graceful shutdown initiated")
		return
	}
	logger.Warn("Unexpected shutdown")
}
