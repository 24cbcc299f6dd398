// Package faults classifies SemanticMesh errors into recoverable and terminal kinds.
//
// Recoverable faults are transient backend failures that the Mesh Store already
// retries internally. Terminal faults are control-flow signals (safety quota
// breaches, open circuits, access denials) that tell the caller to abort the
// unit of work or take its fallback path. Callers classify an error with
// IsTerminal / IsRecoverable instead of matching on error strings.
package faults

import "errors"

// Kind is the classification of a fault.
type Kind int

const (
	// Unknown is returned for errors that carry no classification.
	Unknown Kind = iota

	// Recoverable faults may succeed if the operation is attempted again later.
	Recoverable

	// Terminal faults must not be retried by the caller.
	Terminal
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Recoverable:
		return "recoverable"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classified is implemented by errors that know their fault kind.
type Classified interface {
	error
	FaultKind() Kind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var c Classified
	if errors.As(err, &c) {
		return c.FaultKind()
	}
	return Unknown
}

// IsTerminal reports whether err is classified as terminal.
func IsTerminal(err error) bool {
	return KindOf(err) == Terminal
}

// IsRecoverable reports whether err is classified as recoverable.
func IsRecoverable(err error) bool {
	return KindOf(err) == Recoverable
}
