package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation signals malformed or inconsistent input parameters.
	ErrValidation = errors.New("escrow: invalid input")
	// ErrNotFound signals an unknown escrow id.
	ErrNotFound = errors.New("escrow: not found")
	// ErrUnauthorized signals the actor lacks the required relationship to
	// the escrow (e.g. a release caller who is not the buyer).
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrConflict signals the optimistic concurrency check lost a race: the
	// escrow changed state between validation and commit. Safe to retry.
	ErrConflict = errors.New("escrow: concurrent modification")
	// ErrInvalidTransition matches any InvalidTransitionError via errors.Is.
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	// ErrSettlementFailed signals the gateway did not accept the instruction.
	// The escrow keeps its prior state; the operation is retryable.
	ErrSettlementFailed = errors.New("escrow: settlement failed")
	// ErrSettlementTimeout signals the gateway did not answer in time.
	ErrSettlementTimeout = errors.New("escrow: settlement timed out")
	// ErrNotExpired signals an expiry transition requested before the
	// escrow's expiry date.
	ErrNotExpired = errors.New("escrow: not yet expired")
)

// InvalidTransitionError names the current status and the rejected action.
type InvalidTransitionError struct {
	Status Status
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escrow: invalid transition: cannot %s from %s", e.Action, e.Status)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func invalidTransition(status Status, action string) error {
	return &InvalidTransitionError{Status: status, Action: action}
}
