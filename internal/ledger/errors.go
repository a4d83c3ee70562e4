package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for bad caller input. Nothing is applied.
	ErrValidation = errors.New("validation failed")
	// ErrQuantityExceeded is returned when a return or repayment would exceed
	// what is still available or still owed.
	ErrQuantityExceeded = errors.New("quantity exceeded")
	// ErrStaleState is returned when the schedule or transaction changed
	// server-side since it was read.
	ErrStaleState = errors.New("stale state")
	// ErrPartialSource marks an aggregate built from fewer sources than requested.
	ErrPartialSource = errors.New("partial source failure")
)

// SourceError reports one failed aggregation sub-fetch.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: source %q: %v", ErrPartialSource, e.Source, e.Err)
}

func (e *SourceError) Unwrap() []error {
	return []error{ErrPartialSource, e.Err}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
