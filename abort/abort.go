// Package abort defines the typed panic value the allocator core raises for
// unrecoverable conditions (a bad pointer, metadata arena exhaustion). Spec
// policy treats both as process-abort conditions rather than returned
// errors; wrapping the sentinel in a typed struct lets a recovering test or
// caller distinguish which one fired instead of string-matching panic text.
package abort

import "fmt"

// Kind identifies which abort condition a Error carries.
type Kind int

const (
	BadPointer Kind = iota
	MetadataExhaustion
)

func (k Kind) String() string {
	switch k {
	case BadPointer:
		return "bad pointer"
	case MetadataExhaustion:
		return "metadata exhaustion"
	default:
		return "unknown"
	}
}

// Error is the value passed to panic for an abort condition. Err is the
// underlying sentinel (or wrapped detail) for callers that only care about
// errors.Is/errors.As.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("abort: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for the given kind, wrapping err.
func New(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }
