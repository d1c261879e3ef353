package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowflow/audit"
	"escrowflow/settlement"
)

// Transition is one conditional status change. From is the optimistic
// concurrency check: the commit succeeds only if the row still carries that
// status. Optional fields are written alongside the status when set.
// OutboxTopic, when non-empty, enqueues a message in the same transaction as
// the status change.
type Transition struct {
	ID              string
	From            Status
	To              Status
	ContractAddress *string
	TransactionHash *string
	DisputeID       *string
	ArbitratorID    *string
	ReleaseDate     *time.Time
	OutboxTopic     string
	OutboxPayload   map[string]any
}

// Repository is the storage contract for escrows. Apply must be atomic:
// given two racing calls with the same From, exactly one commits.
type Repository interface {
	Create(ctx context.Context, esc Escrow) (Escrow, error)
	Get(ctx context.Context, id string) (Escrow, error)
	List(ctx context.Context, filters Filters, page, limit int) ([]Escrow, int, error)
	Apply(ctx context.Context, t Transition) (Escrow, error)
}

// Engine owns the escrow state machine. It validates transition legality,
// submits the settlement instruction with no entity lock held, and commits
// the new status through a conditional update that re-validates the state.
type Engine struct {
	repo    Repository
	gateway settlement.Gateway
	sink    audit.Sink
	now     func() time.Time
}

func NewEngine(repo Repository, gateway settlement.Gateway, sink audit.Sink) *Engine {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Engine{
		repo:    repo,
		gateway: gateway,
		sink:    sink,
		now:     time.Now,
	}
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Create records a new escrow in pending and submits the settlement CREATE
// instruction. On acceptance the escrow moves to active. When the gateway
// fails the pending row is kept and returned together with the error, so the
// caller can retry through Activate.
func (e *Engine) Create(ctx context.Context, params CreateParams) (Escrow, error) {
	if params.BuyerID == "" || params.SellerID == "" {
		return Escrow{}, fmt.Errorf("escrow: buyer and seller ids required: %w", ErrValidation)
	}
	if params.BuyerID == params.SellerID {
		return Escrow{}, fmt.Errorf("escrow: buyer and seller must differ: %w", ErrValidation)
	}
	if params.Amount.IsNegative() {
		return Escrow{}, fmt.Errorf("escrow: amount must be non-negative: %w", ErrValidation)
	}
	if params.Currency == "" {
		return Escrow{}, fmt.Errorf("escrow: currency required: %w", ErrValidation)
	}

	esc, err := e.repo.Create(ctx, Escrow{
		BuyerID:    params.BuyerID,
		SellerID:   params.SellerID,
		Amount:     params.Amount,
		Currency:   params.Currency,
		Status:     StatusPending,
		ExpiryDate: params.ExpiryDate,
	})
	if err != nil {
		return Escrow{}, err
	}

	e.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindUserAction,
		Action: "Escrow created",
		Actor:  params.BuyerID,
		Module: "ESCROW",
		Details: map[string]any{
			"escrow_id": esc.ID,
			"amount":    esc.Amount.String(),
			"currency":  esc.Currency,
		},
	})

	activated, err := e.activate(ctx, esc, params.BuyerID)
	if err != nil {
		return esc, err
	}
	return activated, nil
}

// Activate retries the settlement CREATE for a pending escrow. Already
// active escrows are returned as-is.
func (e *Engine) Activate(ctx context.Context, escrowID, actor string) (Escrow, error) {
	esc, err := e.repo.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if esc.Status == StatusActive {
		return esc, nil
	}
	if esc.Status != StatusPending {
		return Escrow{}, invalidTransition(esc.Status, "activate")
	}
	return e.activate(ctx, esc, actor)
}

func (e *Engine) activate(ctx context.Context, esc Escrow, actor string) (Escrow, error) {
	receipt, err := e.submit(ctx, settlement.ActionCreate, esc)
	if err != nil {
		return Escrow{}, err
	}

	t := Transition{
		ID:              esc.ID,
		From:            StatusPending,
		To:              StatusActive,
		TransactionHash: &receipt.TransactionHash,
		OutboxTopic:     "escrow.activated",
		OutboxPayload:   map[string]any{"escrow_id": esc.ID},
	}
	if receipt.ContractAddress != "" {
		t.ContractAddress = &receipt.ContractAddress
	}

	out, err := e.repo.Apply(ctx, t)
	if err != nil {
		return Escrow{}, err
	}

	e.audit(ctx, out, StatusPending, actor, "Escrow activated")
	return out, nil
}

// Release moves an active escrow to released. Only the buyer may release.
// Replaying a release that already succeeded returns the released escrow.
func (e *Engine) Release(ctx context.Context, escrowID, caller string) (Escrow, error) {
	esc, err := e.repo.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if esc.Status == StatusReleased {
		return esc, nil
	}
	if esc.Status != StatusActive {
		return Escrow{}, invalidTransition(esc.Status, "release")
	}
	if caller != esc.BuyerID {
		return Escrow{}, fmt.Errorf("escrow: release requires the buyer: %w", ErrUnauthorized)
	}

	receipt, err := e.submit(ctx, settlement.ActionRelease, esc)
	if err != nil {
		return Escrow{}, err
	}

	releaseAt := e.now().UTC()
	out, err := e.repo.Apply(ctx, Transition{
		ID:              esc.ID,
		From:            StatusActive,
		To:              StatusReleased,
		TransactionHash: &receipt.TransactionHash,
		ReleaseDate:     &releaseAt,
		OutboxTopic:     "escrow.released",
		OutboxPayload:   map[string]any{"escrow_id": esc.ID, "released_by": caller},
	})
	if err != nil {
		return Escrow{}, err
	}

	e.audit(ctx, out, StatusActive, caller, "Escrow released")
	return out, nil
}

// MarkDisputed moves an active escrow to disputed and links the dispute.
// Invoked by the dispute workflow after the dispute record is committed.
func (e *Engine) MarkDisputed(ctx context.Context, escrowID, disputeID, actor string) (Escrow, error) {
	esc, err := e.repo.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if esc.Status == StatusDisputed && esc.DisputeID != nil && *esc.DisputeID == disputeID {
		return esc, nil
	}
	if esc.Status != StatusActive {
		return Escrow{}, invalidTransition(esc.Status, "dispute")
	}
	if actor != esc.BuyerID && actor != esc.SellerID {
		return Escrow{}, fmt.Errorf("escrow: dispute requires a party to the escrow: %w", ErrUnauthorized)
	}

	receipt, err := e.submit(ctx, settlement.ActionDispute, esc)
	if err != nil {
		return Escrow{}, err
	}

	out, err := e.repo.Apply(ctx, Transition{
		ID:              esc.ID,
		From:            StatusActive,
		To:              StatusDisputed,
		TransactionHash: &receipt.TransactionHash,
		DisputeID:       &disputeID,
		OutboxTopic:     "escrow.disputed",
		OutboxPayload:   map[string]any{"escrow_id": esc.ID, "dispute_id": disputeID, "raised_by": actor},
	})
	if err != nil {
		return Escrow{}, err
	}

	e.audit(ctx, out, StatusActive, actor, "Escrow disputed")
	return out, nil
}

// RecordArbitrator notes the assigned arbitrator on a disputed escrow.
// Pure bookkeeping: no settlement instruction and no outbox message, and
// recording the same arbitrator again is a no-op.
func (e *Engine) RecordArbitrator(ctx context.Context, escrowID, arbitratorID, actor string) (Escrow, error) {
	if arbitratorID == "" {
		return Escrow{}, fmt.Errorf("escrow: arbitrator id required: %w", ErrValidation)
	}

	esc, err := e.repo.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if esc.ArbitratorID != nil && *esc.ArbitratorID == arbitratorID {
		return esc, nil
	}
	if esc.Status != StatusDisputed {
		return Escrow{}, invalidTransition(esc.Status, "record arbitrator")
	}

	out, err := e.repo.Apply(ctx, Transition{
		ID:           esc.ID,
		From:         StatusDisputed,
		To:           StatusDisputed,
		ArbitratorID: &arbitratorID,
	})
	if err != nil {
		return Escrow{}, err
	}

	e.audit(ctx, out, StatusDisputed, actor, "Arbitrator recorded on escrow")
	return out, nil
}

// FinalizeResolution maps a dispute resolution onto the escrow's terminal
// state: release_seller releases, refund_buyer and partial_refund refund,
// cancel cancels. Escalate leaves the escrow disputed. Replays of an
// already-finalized resolution return the terminal escrow unchanged.
func (e *Engine) FinalizeResolution(ctx context.Context, escrowID, resolution, actor string) (Escrow, error) {
	esc, err := e.repo.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}

	var (
		target Status
		action settlement.Action
	)
	switch resolution {
	case "release_seller":
		target, action = StatusReleased, settlement.ActionRelease
	case "refund_buyer", "partial_refund":
		target, action = StatusRefunded, settlement.ActionRefund
	case "cancel":
		target, action = StatusCancelled, settlement.ActionRefund
	case "escalate":
		return esc, nil
	default:
		return Escrow{}, fmt.Errorf("escrow: unknown resolution %q: %w", resolution, ErrValidation)
	}

	if esc.Status == target {
		return esc, nil
	}
	if esc.Status != StatusDisputed {
		return Escrow{}, invalidTransition(esc.Status, "finalize "+resolution)
	}

	receipt, err := e.submit(ctx, action, esc)
	if err != nil {
		return Escrow{}, err
	}

	t := Transition{
		ID:              esc.ID,
		From:            StatusDisputed,
		To:              target,
		TransactionHash: &receipt.TransactionHash,
		OutboxTopic:     "escrow.resolved",
		OutboxPayload:   map[string]any{"escrow_id": esc.ID, "resolution": resolution},
	}
	if target == StatusReleased {
		releaseAt := e.now().UTC()
		t.ReleaseDate = &releaseAt
	}

	out, err := e.repo.Apply(ctx, t)
	if err != nil {
		return Escrow{}, err
	}

	e.audit(ctx, out, StatusDisputed, actor, "Escrow finalized after dispute")
	return out, nil
}

// Expire handles the external-timer path for an active escrow whose expiry
// date has passed. Outcome must be cancelled or refunded (policy-defined by
// the caller). Funds leave the escrow either way, so both outcomes submit a
// refund instruction.
func (e *Engine) Expire(ctx context.Context, escrowID string, outcome Status) (Escrow, error) {
	if outcome != StatusCancelled && outcome != StatusRefunded {
		return Escrow{}, fmt.Errorf("escrow: expiry outcome must be cancelled or refunded, got %q: %w", outcome, ErrValidation)
	}

	esc, err := e.repo.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if esc.Status == outcome {
		return esc, nil
	}
	if esc.Status != StatusActive {
		return Escrow{}, invalidTransition(esc.Status, "expire")
	}
	if esc.ExpiryDate == nil || e.now().Before(*esc.ExpiryDate) {
		return Escrow{}, ErrNotExpired
	}

	receipt, err := e.submit(ctx, settlement.ActionRefund, esc)
	if err != nil {
		return Escrow{}, err
	}

	out, err := e.repo.Apply(ctx, Transition{
		ID:              esc.ID,
		From:            StatusActive,
		To:              outcome,
		TransactionHash: &receipt.TransactionHash,
		OutboxTopic:     "escrow.expired",
		OutboxPayload:   map[string]any{"escrow_id": esc.ID, "outcome": string(outcome)},
	})
	if err != nil {
		return Escrow{}, err
	}

	e.audit(ctx, out, StatusActive, "system", "Escrow expired")
	return out, nil
}

// Get returns one escrow.
func (e *Engine) Get(ctx context.Context, escrowID string) (Escrow, error) {
	return e.repo.Get(ctx, escrowID)
}

// List returns escrows matching the filters, newest first, with the total
// match count. Pages are 1-indexed; limit defaults to 50.
func (e *Engine) List(ctx context.Context, filters Filters, page, limit int) ([]Escrow, int, error) {
	return e.repo.List(ctx, filters, page, limit)
}

// submit runs the gateway call. No repository lock is held here: the state
// is re-validated by the conditional Apply that follows.
func (e *Engine) submit(ctx context.Context, action settlement.Action, esc Escrow) (settlement.Receipt, error) {
	receipt, err := e.gateway.Submit(ctx, settlement.Instruction{
		Action:   action,
		EscrowID: esc.ID,
		BuyerID:  esc.BuyerID,
		SellerID: esc.SellerID,
		Amount:   esc.Amount,
		Currency: esc.Currency,
	})
	if err != nil {
		if errors.Is(err, settlement.ErrTimeout) {
			return settlement.Receipt{}, fmt.Errorf("escrow: %s instruction: %w", action, ErrSettlementTimeout)
		}
		return settlement.Receipt{}, fmt.Errorf("escrow: %s instruction: %v: %w", action, err, ErrSettlementFailed)
	}
	if !receipt.Accepted {
		return settlement.Receipt{}, fmt.Errorf("escrow: %s instruction not accepted: %w", action, ErrSettlementFailed)
	}
	return receipt, nil
}

func (e *Engine) audit(ctx context.Context, esc Escrow, from Status, actor, action string) {
	e.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindSystemAction,
		Action: action,
		Actor:  actor,
		Module: "ESCROW",
		Details: map[string]any{
			"escrow_id":  esc.ID,
			"old_status": string(from),
			"new_status": string(esc.Status),
		},
	})
}
