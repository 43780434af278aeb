package model

import (
	"errors"
	"fmt"
)

// Error kinds shared by every layer. Callers classify with errors.Is.
var (
	// ErrTransport reports that the storage backend was unreachable, timed out or
	// failed in a way that is not a constraint violation.
	ErrTransport = errors.New("storage transport failure")
	// ErrIntegrity reports a constraint violation: duplicate key, dangling reference
	// or relinking an already linked measurement.
	ErrIntegrity = errors.New("integrity violation")
	// ErrMalformedInput reports a row missing a required position or magnitude.
	ErrMalformedInput = errors.New("malformed input")
	// ErrNotFound reports a lookup of an unknown identifier.
	ErrNotFound = errors.New("not found")
)

// KindError attaches an error kind and the failing operation to a cause.
type KindError struct {
	Op   string
	Kind error
	Err  error
}

// WrapKind tags err with kind. A nil err yields a bare kind error.
func WrapKind(op string, kind, err error) *KindError {
	return &KindError{Op: op, Kind: kind, Err: err}
}

// NewKind returns a kind error without an underlying cause.
func NewKind(op string, kind error) *KindError {
	return &KindError{Op: op, Kind: kind}
}

func (e *KindError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Is matches the kind so errors.Is(err, ErrIntegrity) works through wrapping.
func (e *KindError) Is(target error) bool {
	return target == e.Kind
}

func (e *KindError) Unwrap() error { return e.Err }

// KindOf returns the first known kind found in err's chain, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrMalformedInput, ErrIntegrity, ErrNotFound, ErrTransport} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
