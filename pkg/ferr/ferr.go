// Package ferr defines the typed error taxonomy surfaced across the
// vault/zone/territory tiers (spec §6.3, §7), so callers can recover
// {Kind, Context} with errors.As instead of matching error strings.
package ferr

import "fmt"

// Kind classifies a failure the way the HTTP/MCP/CLI adapters need to
// distinguish it (retry vs. report vs. skip).
type Kind int

const (
	_ Kind = iota
	NotFound
	PermissionDenied
	InvalidPath
	InvalidFormat
	Unsupported
	IntegrityFailure
	LimitExceeded
	Truncated
	IO
	InvalidOperation
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidPath:
		return "InvalidPath"
	case InvalidFormat:
		return "InvalidFormat"
	case Unsupported:
		return "Unsupported"
	case IntegrityFailure:
		return "IntegrityFailure"
	case LimitExceeded:
		return "LimitExceeded"
	case Truncated:
		return "Truncated"
	case IO:
		return "Io"
	case InvalidOperation:
		return "InvalidOperation"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type surfaced to every core caller.
type Error struct {
	Kind    Kind
	Context string
	// What/Expected/Actual are populated for IntegrityFailure.
	What     string
	Expected string
	Actual   string
	// Limit/Value are populated for LimitExceeded.
	Limit uint64
	Value uint64

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case IntegrityFailure:
		return fmt.Sprintf("%s: %s mismatch (expected %s, got %s)", e.Kind, e.What, e.Expected, e.Actual)
	case LimitExceeded:
		return fmt.Sprintf("%s: %s (%d > %d)", e.Kind, e.Context, e.Value, e.Limit)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

func Wrap(kind Kind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// Format constructs an InvalidFormat error with a contextual message.
func Format(context string, args ...interface{}) *Error {
	return &Error{Kind: InvalidFormat, Context: fmt.Sprintf(context, args...)}
}

// Truncate constructs a Truncated error.
func Truncate(context string) *Error {
	return &Error{Kind: Truncated, Context: context}
}

// UnsupportedFeature constructs an Unsupported error naming the feature.
func UnsupportedFeature(feature string) *Error {
	return &Error{Kind: Unsupported, Context: feature}
}

// Integrity constructs an IntegrityFailure error.
func Integrity(what, expected, actual string) *Error {
	return &Error{Kind: IntegrityFailure, What: what, Expected: expected, Actual: actual}
}

// LimitErr constructs a LimitExceeded error.
func LimitErr(limit string, value, max uint64) *Error {
	return &Error{Kind: LimitExceeded, Context: limit, Value: value, Limit: max}
}
