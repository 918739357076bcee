package exception

import "errors"

// Error kinds shared by every component. Concrete errors wrap one of these so
// callers classify failures with errors.Is.
var (
	ErrTransientIO             = errors.New("transient io")
	ErrMalformedInput          = errors.New("malformed input")
	ErrConfiguration           = errors.New("configuration")
	ErrReconciliationAmbiguity = errors.New("reconciliation ambiguity")
	ErrPartialFailure          = errors.New("partial failure")
)

// Kind is the coarse classification of an error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTransientIO
	KindMalformedInput
	KindConfiguration
	KindReconciliationAmbiguity
	KindPartialFailure
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindMalformedInput:
		return "malformed_input"
	case KindConfiguration:
		return "configuration"
	case KindReconciliationAmbiguity:
		return "reconciliation_ambiguity"
	case KindPartialFailure:
		return "partial_failure"
	default:
		return "unknown"
	}
}

// Classify returns the kind of err. Timeouts count as transient io.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrReconciliationAmbiguity):
		return KindReconciliationAmbiguity
	case errors.Is(err, ErrMalformedInput):
		return KindMalformedInput
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrPartialFailure):
		return KindPartialFailure
	case errors.Is(err, ErrTransientIO), isTimeout(err):
		return KindTransientIO
	default:
		return KindUnknown
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err) == KindTransientIO
}

type timeout interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	if errors.Is(err, errDeadline) {
		return true
	}
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}
