package mesh

import (
	"errors"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/faults"
)

var (
	// ErrAccessDenied is returned when the Access Controller rejects an operation
	ErrAccessDenied = errors.New("mesh access denied")
	// ErrCorrupted is returned when a stored payload cannot be decoded
	ErrCorrupted = errors.New("mesh entry corrupted")
	// ErrCapacity is returned when a size or count limit is exceeded
	ErrCapacity = errors.New("mesh capacity exceeded")
	// ErrInvalid is returned when a key, namespace or value is malformed
	ErrInvalid = errors.New("invalid mesh request")
	// ErrOperation is returned when a backend operation fails after retries
	ErrOperation = errors.New("mesh operation failed")
	// ErrSubscription is returned when a subscription cannot be registered or removed
	ErrSubscription = errors.New("mesh subscription failed")
	// ErrPublish is returned when a message cannot be published
	ErrPublish = errors.New("mesh publish failed")
	// ErrClosed is returned for operations on a closed store
	ErrClosed = errors.New("mesh store is closed")
)

// Error describes a failed Mesh Store operation. It matches its Kind sentinel
// with errors.Is and unwraps to the underlying cause.
type Error struct {
	// Kind is one of the package's sentinel errors
	Kind error

	// Op is the store operation, e.g. "get" or "compare_and_set"
	Op string

	// Key and Namespace identify the entry, when applicable
	Key       string
	Namespace string

	// Err is the underlying cause
	Err error
}

func (e *Error) Error() string {
	target := e.Key
	if e.Namespace != "" {
		target = e.Namespace + "/" + e.Key
	}

	msg := "mesh " + e.Op
	if target != "" {
		msg += " " + target
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FaultKind classifies the error. A classified cause (an open circuit or a
// safety limit) decides; otherwise backend failures are recoverable and
// everything else is terminal.
func (e *Error) FaultKind() faults.Kind {
	if k := faults.KindOf(e.Err); k != faults.Unknown {
		return k
	}
	switch e.Kind {
	case ErrOperation, ErrSubscription, ErrPublish:
		return faults.Recoverable
	default:
		return faults.Terminal
	}
}

func newError(kind error, op, key, namespace string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Namespace: namespace, Err: err}
}

func opError(op, key, namespace string, err error) *Error {
	return newError(ErrOperation, op, key, namespace, err)
}
