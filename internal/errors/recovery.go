package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// PanicError represents a fault recovered from a panic at a component boundary.
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface.
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// Recovered converts a recover() result into an error with a captured stack.
// Returns nil when r is nil so it can be deferred unconditionally.
func Recovered(r interface{}) error {
	if r == nil {
		return nil
	}
	return &PanicError{
		Value:      r,
		Stacktrace: string(debug.Stack()),
	}
}

// FormatPanicForLog returns a formatted string suitable for logging. Errors
// that do not carry a PanicError render as their plain message.
func FormatPanicForLog(err error) string {
	var perr *PanicError
	if !errors.As(err, &perr) {
		return err.Error()
	}
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", perr.Value, perr.Stacktrace)
}
