// errs.go — abstract error kinds shared by every component, wrapped with
// github.com/pkg/errors so a Kind survives wrapping across package
// boundaries and can be recovered where a wire response is built.
package errs

import (
	"github.com/pkg/errors"
)

// Kind is one of the abstract error kinds named in the error handling design.
type Kind int

const (
	Internal Kind = iota
	InvalidInput
	NotFound
	AlreadyExists
	CapacityExhausted
	ProtocolMismatch
	CommsError
	ProcessingError
	NotAResponse
	Timeout
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case CapacityExhausted:
		return "capacity_exhausted"
	case ProtocolMismatch:
		return "protocol_mismatch"
	case CommsError:
		return "comms_error"
	case ProcessingError:
		return "processing_error"
	case NotAResponse:
		return "not_a_response"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Code returns the numeric wire code for the kind (§6/§7: response.code is
// non-zero on failure). Kind zero value (Internal) is deliberately never 0
// so that a zero-value wire code always means success.
func (k Kind) Code() int {
	return int(k) + 1
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Cause() error  { return e.err }
func (e *kindError) Unwrap() error { return e.err }

// New creates a new error of the given kind with a stack trace attached.
func New(kind Kind, message string) error {
	return &kindError{kind: kind, err: errors.New(message)}
}

// Wrap attaches a kind and a message to an existing error, preserving its
// stack trace if it already carries one.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, message)}
}

// KindOf recovers the Kind attached to err, walking wrapped causes. Errors
// with no attached Kind are reported as Internal.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		cause, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return Internal
}
