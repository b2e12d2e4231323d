package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingArgument is matched by errors for absent command arguments.
	ErrMissingArgument = errors.New("missing argument to command call")
	// ErrInvalidArgument is matched by errors for arguments that failed
	// conversion or validation.
	ErrInvalidArgument = errors.New("invalid argument to command call")
	// ErrInternal marks a broken invariant inside the bridge.
	ErrInternal = errors.New("internal error")
)

// ArgumentError reports a problem with one named command argument.
type ArgumentError struct {
	Kind error
	Name string
	Err  error
}

func (e *ArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: '%s': %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("%v: '%s'", e.Kind, e.Name)
}

func (e *ArgumentError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// MissingArgument returns an error for the absent argument name.
func MissingArgument(name string) error {
	return &ArgumentError{Kind: ErrMissingArgument, Name: name}
}

// InvalidArgument returns an error for the argument name that failed with
// cause.
func InvalidArgument(name string, cause error) error {
	return &ArgumentError{Kind: ErrInvalidArgument, Name: name, Err: cause}
}

func internalf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInternal}, args...)...)
}
