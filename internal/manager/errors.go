package manager

import (
	"errors"
	"strconv"

	"llamactx/internal/engine"
)

// invalidArgumentError is returned before any engine call for malformed requests.
type invalidArgumentError struct{ msg string }

func (e invalidArgumentError) Error() string { return "invalid argument: " + e.msg }

// ErrInvalidArgument constructs an invalidArgumentError.
func ErrInvalidArgument(msg string) error { return invalidArgumentError{msg: msg} }

// IsInvalidArgument reports whether err is an InvalidArgument error (400).
func IsInvalidArgument(err error) bool {
	var e invalidArgumentError
	return errors.As(err, &e)
}

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ contextID int }

func (e tooBusyError) Error() string { return "too busy: context " + strconv.Itoa(e.contextID) }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

type contextNotFoundError struct{ id int }

func (e contextNotFoundError) Error() string { return "context not found: " + strconv.Itoa(e.id) }

// ErrContextNotFound returns an error for an id that is not live.
func ErrContextNotFound(id int) error { return contextNotFoundError{id: id} }

// IsContextNotFound reports whether err indicates an unknown or released
// context, whether detected here or by the engine.
func IsContextNotFound(err error) bool {
	var e contextNotFoundError
	return errors.As(err, &e) || engine.IsUnknownContext(err)
}

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	return engine.IsDependencyUnavailable(err)
}
