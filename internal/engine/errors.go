package engine

import (
	"errors"
	"strconv"
)

// dependencyUnavailableError signals a missing runtime dependency (llama-server
// binary, unreachable server, binary built without llama support).
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

type unsupportedError struct{ op string }

func (e unsupportedError) Error() string { return "operation not supported by engine: " + e.op }

// ErrUnsupported reports an operation the engine cannot perform.
func ErrUnsupported(op string) error { return unsupportedError{op: op} }

// IsUnsupported reports whether err is ErrUnsupported.
func IsUnsupported(err error) bool {
	var e unsupportedError
	return errors.As(err, &e)
}

type contextLimitError struct{ limit int }

func (e contextLimitError) Error() string {
	return "context limit reached: " + strconv.Itoa(e.limit)
}

// IsContextLimit reports whether err was caused by the configured context limit.
func IsContextLimit(err error) bool {
	var e contextLimitError
	return errors.As(err, &e)
}

type unknownContextError struct{ id int }

func (e unknownContextError) Error() string { return "context not found: " + strconv.Itoa(e.id) }

// ErrUnknownContext reports an id the engine has no context for.
func ErrUnknownContext(id int) error { return unknownContextError{id: id} }

// IsUnknownContext reports whether err is ErrUnknownContext.
func IsUnknownContext(err error) bool {
	var e unknownContextError
	return errors.As(err, &e)
}

type contextExistsError struct{ id int }

func (e contextExistsError) Error() string { return "context already exists: " + strconv.Itoa(e.id) }
