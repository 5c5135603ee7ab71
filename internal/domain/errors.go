package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the pipeline's failure taxonomy. Callers branch
// with errors.Is; wrapping sites add context with fmt.Errorf and %w.
var (
	// ErrValidation marks malformed input. Not retried.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks an invariant violation such as a duplicate verdict
	// or a concurrent in-flight newsletter. Not retried.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks a referenced entity that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClassification marks a reasoning-provider failure. The item stays
	// in its prior state so a later batch retries it.
	ErrClassification = errors.New("classification failed")
	// ErrDelivery marks a campaign-provider failure. The newsletter moves
	// to failed and requires a manual re-trigger.
	ErrDelivery = errors.New("delivery failed")
	// ErrInsufficientContent means no approved content fell inside the
	// compose window. Informational, not a fault.
	ErrInsufficientContent = errors.New("insufficient approved content")
	// ErrNotApproved rejects a send for a newsletter not in approved status.
	ErrNotApproved = errors.New("newsletter not approved")
)

// NewValidation builds an ErrValidation annotated with the offending field.
func NewValidation(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, reason)
}
