package arbitrator

import (
	"context"
	"errors"
	"fmt"

	"escrowflow/audit"
)

var (
	// ErrValidation signals malformed or inconsistent input parameters.
	ErrValidation = errors.New("arbitrator: invalid input")
	// ErrNotFound signals an unknown arbitrator id.
	ErrNotFound = errors.New("arbitrator: not found")
	// ErrNotActive signals the arbitrator cannot take cases in its current status.
	ErrNotActive = errors.New("arbitrator: not active")
	// ErrAtCapacity signals the arbitrator already carries the maximum case load.
	ErrAtCapacity = errors.New("arbitrator: at capacity")
	// ErrCaseExists signals the dispute is already assigned to this arbitrator.
	ErrCaseExists = errors.New("arbitrator: case already assigned")
	// ErrNoCandidates signals automatic selection found nobody available.
	ErrNoCandidates = errors.New("arbitrator: no available arbitrators")
)

// Repository is the storage contract for the pool. AssignCase and
// ReleaseCase must be atomic check-and-mutate operations: two concurrent
// AssignCase calls against an arbitrator with one free slot must yield one
// success and one ErrAtCapacity.
type Repository interface {
	Create(ctx context.Context, arb Arbitrator) (Arbitrator, error)
	Get(ctx context.Context, id string) (Arbitrator, error)
	// GetByUserID resolves the pool record of an authenticated user;
	// ErrNotFound when the user is not a pool member.
	GetByUserID(ctx context.Context, userID string) (Arbitrator, error)
	// AssignCase increments active_cases and records the dispute iff the
	// arbitrator is active and below maxCases.
	AssignCase(ctx context.Context, arbitratorID, disputeID string, maxCases int) (Arbitrator, error)
	// ReleaseCase removes the dispute, folds score into the running rating,
	// increments total_resolved, and decrements active_cases. When the
	// dispute was not assigned (a replay) it reports released=false and
	// leaves all counters untouched.
	ReleaseCase(ctx context.Context, arbitratorID, disputeID string, score float64) (arb Arbitrator, released bool, err error)
	// UnassignCase removes the dispute and decrements active_cases without
	// touching the rating or resolved count. It is a no-op when the dispute
	// is not assigned.
	UnassignCase(ctx context.Context, arbitratorID, disputeID string) error
	UpdateStatus(ctx context.Context, id string, status Status) (Arbitrator, error)
	// Available lists arbitrators with status=active and active_cases below
	// maxCases, ordered deterministically (least loaded first, then rating
	// descending, then id).
	Available(ctx context.Context, maxCases int) ([]Arbitrator, error)
}

// Pool tracks registered arbitrators and hands them to disputes under a
// fixed per-arbitrator capacity.
type Pool struct {
	repo     Repository
	sink     audit.Sink
	maxCases int
	policy   SelectionPolicy
}

func NewPool(repo Repository, sink audit.Sink, maxCases int) *Pool {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if maxCases <= 0 {
		maxCases = DefaultMaxConcurrentCases
	}
	return &Pool{
		repo:     repo,
		sink:     sink,
		maxCases: maxCases,
		policy:   LeastLoaded{},
	}
}

// WithPolicy overrides the automatic selection policy.
func (p *Pool) WithPolicy(policy SelectionPolicy) *Pool {
	p.policy = policy
	return p
}

// MaxCases reports the capacity ceiling applied to every member.
func (p *Pool) MaxCases() int {
	return p.maxCases
}

// Register adds a new pool member with a neutral 5.0 rating prior.
func (p *Pool) Register(ctx context.Context, params RegisterParams) (Arbitrator, error) {
	if params.UserID == "" {
		return Arbitrator{}, fmt.Errorf("arbitrator: user id required: %w", ErrValidation)
	}
	if params.Name == "" {
		return Arbitrator{}, fmt.Errorf("arbitrator: name required: %w", ErrValidation)
	}

	arb, err := p.repo.Create(ctx, Arbitrator{
		UserID:         params.UserID,
		Name:           params.Name,
		Specialization: params.Specialization,
		Rating:         5.0,
		Status:         StatusActive,
	})
	if err != nil {
		return Arbitrator{}, err
	}

	p.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindSystemAction,
		Action: "Arbitrator registered",
		Actor:  params.UserID,
		Module: "ARBITRATOR",
		Details: map[string]any{
			"arbitrator_id":  arb.ID,
			"name":           arb.Name,
			"specialization": arb.Specialization,
		},
	})

	return arb, nil
}

// Get returns one arbitrator.
func (p *Pool) Get(ctx context.Context, id string) (Arbitrator, error) {
	return p.repo.Get(ctx, id)
}

// GetByUserID returns the arbitrator record owned by the given user.
// Callers authenticate as users, not as pool members, so this is the
// translation point between the two identities.
func (p *Pool) GetByUserID(ctx context.Context, userID string) (Arbitrator, error) {
	return p.repo.GetByUserID(ctx, userID)
}

// Assign hands a dispute to an arbitrator. The capacity check and the
// increment are one indivisible repository operation. Re-assigning the same
// dispute to the same arbitrator is a no-op.
func (p *Pool) Assign(ctx context.Context, disputeID, arbitratorID string) (Arbitrator, error) {
	arb, err := p.repo.AssignCase(ctx, arbitratorID, disputeID, p.maxCases)
	if err != nil {
		if errors.Is(err, ErrCaseExists) {
			return p.repo.Get(ctx, arbitratorID)
		}
		return Arbitrator{}, err
	}

	p.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindSystemAction,
		Action: "Arbitrator assigned to dispute",
		Actor:  arb.UserID,
		Module: "ARBITRATOR",
		Details: map[string]any{
			"arbitrator_id": arbitratorID,
			"dispute_id":    disputeID,
			"active_cases":  arb.ActiveCases,
		},
	})

	return arb, nil
}

// Unassign backs out an assignment that could not be completed downstream.
// The dispute is removed and the slot freed with no rating impact.
func (p *Pool) Unassign(ctx context.Context, arbitratorID, disputeID string) error {
	if err := p.repo.UnassignCase(ctx, arbitratorID, disputeID); err != nil {
		return err
	}

	p.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindSystemAction,
		Action: "Arbitrator assignment backed out",
		Actor:  "system",
		Module: "ARBITRATOR",
		Details: map[string]any{
			"arbitrator_id": arbitratorID,
			"dispute_id":    disputeID,
		},
	})

	return nil
}

// ReleaseAndRate closes out a case: the score is folded into the running
// average, total_resolved increments, active_cases decrements. Replaying the
// release for an already-released dispute changes nothing.
func (p *Pool) ReleaseAndRate(ctx context.Context, arbitratorID, disputeID string, score float64) (Arbitrator, error) {
	if score < 0 || score > 5 {
		return Arbitrator{}, fmt.Errorf("arbitrator: score %v out of range [0,5]: %w", score, ErrValidation)
	}

	arb, released, err := p.repo.ReleaseCase(ctx, arbitratorID, disputeID, score)
	if err != nil {
		return Arbitrator{}, err
	}
	if !released {
		return arb, nil
	}

	p.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindSystemAction,
		Action: "Arbitrator case released",
		Actor:  "system",
		Module: "ARBITRATOR",
		Details: map[string]any{
			"arbitrator_id":  arbitratorID,
			"dispute_id":     disputeID,
			"score":          score,
			"rating":         arb.Rating,
			"total_resolved": arb.TotalResolved,
		},
	})

	return arb, nil
}

// UpdateStatus is administrative. Disputes already assigned stay assigned;
// only new assignments are gated by the status change.
func (p *Pool) UpdateStatus(ctx context.Context, arbitratorID string, status Status, actor string) (Arbitrator, error) {
	switch status {
	case StatusActive, StatusInactive, StatusSuspended:
	default:
		return Arbitrator{}, fmt.Errorf("arbitrator: invalid status %q: %w", status, ErrValidation)
	}

	arb, err := p.repo.UpdateStatus(ctx, arbitratorID, status)
	if err != nil {
		return Arbitrator{}, err
	}

	p.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindUserAction,
		Action: "Arbitrator status updated",
		Actor:  actor,
		Module: "ARBITRATOR",
		Details: map[string]any{
			"arbitrator_id": arbitratorID,
			"new_status":    status,
		},
	})

	return arb, nil
}

// Available lists arbitrators eligible for new cases.
func (p *Pool) Available(ctx context.Context) ([]Arbitrator, error) {
	return p.repo.Available(ctx, p.maxCases)
}

// Select picks an arbitrator for automatic assignment using the configured
// policy.
func (p *Pool) Select(ctx context.Context, specialization string) (Arbitrator, error) {
	candidates, err := p.repo.Available(ctx, p.maxCases)
	if err != nil {
		return Arbitrator{}, err
	}
	arb, ok := p.policy.Pick(candidates, specialization)
	if !ok {
		return Arbitrator{}, ErrNoCandidates
	}
	return arb, nil
}
