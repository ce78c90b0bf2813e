// Package retry decides whether a failed delivery should be retried, how
// long to wait before the next attempt, and runs operations under that
// policy.
//
// The package is layered:
//   - Classification: IsRetryable and Categorize inspect status codes and
//     error shape
//   - Backoff: ComputeDelay yields capped exponential delays with jitter
//   - Execution: Do runs an operation until it succeeds, fails
//     permanently, or exhausts its retry budget
package retry

import (
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: 5xx responses, rate limits, connection resets.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: 4xx responses, signing failures, cancellation.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and the number of
// attempts made before giving up.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes why the operation stopped.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable regardless of its shape.
func Transient(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: context}
}

// Permanent marks err as non-retryable regardless of its shape.
func Permanent(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: context}
}
