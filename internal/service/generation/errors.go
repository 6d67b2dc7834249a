package generation

import (
	"errors"
	"fmt"
)

// Kind is the closed classification of generation failures. The client
// decides it once; callers never reclassify.
type Kind int

const (
	// Transient failures are timeouts and transport errors. They are
	// retried inside Complete before being returned.
	Transient Kind = iota + 1
	// Rejected failures are definitive answers: HTTP errors, unusable
	// bodies, missing configuration or empty input. Never retried.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "ProviderTransient"
	case Rejected:
		return "ProviderRejected"
	default:
		return "ProviderUnknown"
	}
}

// Error is returned by Client.Complete for every failure.
type Error struct {
	Kind    Kind
	Status  int // HTTP status for Rejected API errors, 0 otherwise.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation: %s: %v", e.Message, e.Err)
	}
	return "generation: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 when err is not a generation error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// IsTransient reports whether err is a Transient generation error.
func IsTransient(err error) bool { return KindOf(err) == Transient }

func rejected(msg string) *Error {
	return &Error{Kind: Rejected, Message: msg}
}
