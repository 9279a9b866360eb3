package ptz

import (
	"errors"
	"fmt"
)

// Error kinds. Callers classify with errors.Is or CodeOf.
var (
	// ErrExec means a precondition was not met or the device reported failure.
	ErrExec = errors.New("not executable")
	// ErrOutOfRange means an identifier or value is outside its valid domain.
	ErrOutOfRange = errors.New("out of range")
	// ErrTimeout means no completion arrived before the deadline.
	ErrTimeout = errors.New("timeout")
	// ErrBug means the device confirmed but an internal invariant broke.
	ErrBug = errors.New("invariant violated")
)

// Code is the error code reported to callers.
type Code int

const (
	CodeOK Code = iota
	CodeExec
	CodeOutOfRange
	CodeBug
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeExec:
		return "exec"
	case CodeOutOfRange:
		return "out_of_range"
	case CodeBug:
		return "bug"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// CodeOf maps an error to the code a caller sees. Timeouts surface as Exec.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, ErrBug):
		return CodeBug
	default:
		return CodeExec
	}
}

// Busy wraps ErrExec with the condition that blocked a command.
func Busy(c Condition) error {
	return fmt.Errorf("%w: %s", ErrExec, c)
}

// OutOfRange wraps ErrOutOfRange with a description of the offending value.
func OutOfRange(what string, v, min, max int) error {
	return fmt.Errorf("%w: %s %d (must be %d-%d)", ErrOutOfRange, what, v, min, max)
}
