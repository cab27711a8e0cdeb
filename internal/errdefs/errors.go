// Package errdefs holds the error kinds shared across ctrlvar packages.
//
// Each kind has a sentinel that callers match with errors.Is and a
// constructor that attaches a message. External predictor and quantizer
// failures are never converted into these kinds.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports an unknown policy, condition type or a block
	// list that was never produced for the active branch.
	ErrConfiguration = errors.New("configuration error")
	// ErrShapeMismatch reports block lists or tensors that disagree in shape.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidArgument reports caller input rejected before any work starts.
	ErrInvalidArgument = errors.New("invalid argument")
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string {
	return e.kind.Error() + ": " + e.msg
}

func (e kindError) Unwrap() error {
	return e.kind
}

// Configf returns an error matching ErrConfiguration.
func Configf(format string, args ...any) error {
	return kindError{kind: ErrConfiguration, msg: fmt.Sprintf(format, args...)}
}

// Shapef returns an error matching ErrShapeMismatch.
func Shapef(format string, args ...any) error {
	return kindError{kind: ErrShapeMismatch, msg: fmt.Sprintf(format, args...)}
}

// Invalidf returns an error matching ErrInvalidArgument.
func Invalidf(format string, args ...any) error {
	return kindError{kind: ErrInvalidArgument, msg: fmt.Sprintf(format, args...)}
}

// IsClientError reports whether err is caused by caller input rather than a
// failing collaborator.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrShapeMismatch) ||
		errors.Is(err, ErrInvalidArgument)
}
