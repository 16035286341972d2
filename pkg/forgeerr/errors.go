// Package forgeerr defines the typed error taxonomy from the error handling
// design: every error raised by this module's domain packages is classified
// into one of a small number of kinds, so callers (the scheduler actor, the
// worker runner, cmd/ binaries) can decide whether to retry, alert, or fail
// the enclosing job/group without parsing error strings.
package forgeerr

import "golang.org/x/xerrors"

// Kind classifies an error for the purposes of retry and alerting policy.
type Kind int

const (
	// Unknown is the zero value; never intentionally returned.
	Unknown Kind = iota
	// Input marks a malformed request: a bad ident, a submission referring
	// to an unknown package, a worker frame that fails to decode. Never
	// retried; the caller must fix the input.
	Input
	// Invariant marks a violation of a data model invariant (a runtime
	// cycle, a classification that does not trace to a Direct/Missing
	// ancestor). These indicate a bug or corrupted state and are always
	// logged loudly.
	Invariant
	// Transient marks a store or network error worth retrying with bounded
	// backoff (see pkg/store/pg/retry.go).
	Transient
	// Protocol marks a worker-protocol framing or codec error: the worker
	// connection is no longer trustworthy and should be torn down.
	Protocol
	// BuildFailure marks a job that ran to completion but the underlying
	// build itself failed; this is an expected outcome, not a defect, and
	// is surfaced to the submitter rather than retried automatically.
	BuildFailure
)

func (k Kind) String() string {
	switch k {
	case Input:
		return "input"
	case Invariant:
		return "invariant"
	case Transient:
		return "transient"
	case Protocol:
		return "protocol"
	case BuildFailure:
		return "build_failure"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with a wrapped cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap attaches kind to err. If err is nil, Wrap returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: err}
}

// Newf formats a message and wraps it as kind, analogous to xerrors.Errorf.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Cause: xerrors.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, walking the wrap chain. Returns Unknown
// if no *Error is found.
func KindOf(err error) Kind {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsRetryable reports whether err's kind is worth retrying automatically.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}
