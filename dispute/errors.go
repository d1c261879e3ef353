package dispute

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation signals malformed or inconsistent input parameters.
	ErrValidation = errors.New("dispute: invalid input")
	// ErrNotFound signals an unknown dispute id.
	ErrNotFound = errors.New("dispute: not found")
	// ErrUnauthorized signals the actor lacks the required relationship to
	// the dispute.
	ErrUnauthorized = errors.New("dispute: unauthorized")
	// ErrConflict signals a concurrent transition won the race. Safe to retry.
	ErrConflict = errors.New("dispute: concurrent modification")
	// ErrInvalidTransition matches any InvalidTransitionError via errors.Is.
	ErrInvalidTransition = errors.New("dispute: invalid transition")
	// ErrEscrowNotDisputable signals the escrow is not active or already
	// carries a non-terminal dispute.
	ErrEscrowNotDisputable = errors.New("dispute: escrow not disputable")
	// ErrArbitratorUnavailable signals the pool rejected the assignment
	// (unknown, inactive, or at capacity).
	ErrArbitratorUnavailable = errors.New("dispute: arbitrator unavailable")
	// ErrNotInArbitration signals a resolution attempted before the dispute
	// reached arbitration.
	ErrNotInArbitration = errors.New("dispute: not in arbitration")
)

// InvalidTransitionError names the current status and the rejected target.
type InvalidTransitionError struct {
	Status Status
	Target Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("dispute: invalid transition: %s -> %s", e.Status, e.Target)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func invalidTransition(status, target Status) error {
	return &InvalidTransitionError{Status: status, Target: target}
}
