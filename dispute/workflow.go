package dispute

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"escrowflow/arbitrator"
	"escrowflow/audit"
	"escrowflow/escrow"
)

// Transition is one conditional dispute status change. From lists the
// statuses the change may start from; the commit succeeds only if the row
// still carries one of them. Event is appended to the timeline in the same
// transaction.
type Transition struct {
	ID              string
	From            []Status
	To              Status
	AssignedTo      *string
	Resolution      *Resolution
	ResolutionNotes *string
	ResolutionDate  *time.Time
	Event           TimelineEvent
}

// Repository is the storage contract for disputes. Create and Transition
// must be atomic together with their timeline append: the dispute row and
// its history commit or fail as one.
type Repository interface {
	// Create inserts the dispute and its first timeline entry. A second
	// non-terminal dispute for the same escrow fails with
	// ErrEscrowNotDisputable.
	Create(ctx context.Context, d Dispute, event TimelineEvent) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	List(ctx context.Context, filters Filters, page, limit int) ([]Dispute, int, error)
	Transition(ctx context.Context, t Transition) (Dispute, error)
	AddEvidence(ctx context.Context, ev Evidence, event TimelineEvent) (Evidence, error)
	// VerifyEvidence marks one evidence item verified and appends the
	// event. Re-verifying an already-verified item changes nothing and
	// appends no event.
	VerifyEvidence(ctx context.Context, disputeID, evidenceID string, event TimelineEvent) (Evidence, error)
	Timeline(ctx context.Context, disputeID string) ([]TimelineEvent, error)
}

// EscrowEngine is the slice of the escrow engine the workflow drives.
type EscrowEngine interface {
	Get(ctx context.Context, escrowID string) (escrow.Escrow, error)
	MarkDisputed(ctx context.Context, escrowID, disputeID, actor string) (escrow.Escrow, error)
	RecordArbitrator(ctx context.Context, escrowID, arbitratorID, actor string) (escrow.Escrow, error)
	FinalizeResolution(ctx context.Context, escrowID, resolution, actor string) (escrow.Escrow, error)
}

// ArbitratorPool is the slice of the pool the workflow drives.
type ArbitratorPool interface {
	Get(ctx context.Context, id string) (arbitrator.Arbitrator, error)
	Assign(ctx context.Context, disputeID, arbitratorID string) (arbitrator.Arbitrator, error)
	Unassign(ctx context.Context, arbitratorID, disputeID string) error
	ReleaseAndRate(ctx context.Context, arbitratorID, disputeID string, score float64) (arbitrator.Arbitrator, error)
}

// FileStore persists evidence file payloads and returns a retrieval URL.
type FileStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Workflow owns the dispute state machine. Cross-entity steps (escrow
// linkage, arbitrator assignment, resolution fan-out) are ordered so every
// failure path either compensates or stays retryable.
type Workflow struct {
	repo   Repository
	engine EscrowEngine
	pool   ArbitratorPool
	files  FileStore
	sink   audit.Sink
	now    func() time.Time
}

func NewWorkflow(repo Repository, engine EscrowEngine, pool ArbitratorPool, files FileStore, sink audit.Sink) *Workflow {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Workflow{
		repo:   repo,
		engine: engine,
		pool:   pool,
		files:  files,
		sink:   sink,
		now:    time.Now,
	}
}

// WithClock overrides the workflow clock for deterministic tests.
func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

// Create opens a dispute against an active escrow. The dispute row commits
// first, then the escrow is moved to disputed; if the escrow side fails the
// fresh dispute is closed again so no orphan survives.
func (w *Workflow) Create(ctx context.Context, params CreateParams) (Dispute, error) {
	if params.Title == "" {
		return Dispute{}, fmt.Errorf("dispute: title required: %w", ErrValidation)
	}
	if params.Creator == "" {
		return Dispute{}, fmt.Errorf("dispute: creator required: %w", ErrValidation)
	}

	esc, err := w.engine.Get(ctx, params.EscrowID)
	if err != nil {
		return Dispute{}, err
	}
	if esc.Status != escrow.StatusActive {
		return Dispute{}, fmt.Errorf("dispute: escrow %s is %s: %w", esc.ID, esc.Status, ErrEscrowNotDisputable)
	}
	if params.Creator != esc.BuyerID && params.Creator != esc.SellerID {
		return Dispute{}, fmt.Errorf("dispute: creator must be a party to the escrow: %w", ErrUnauthorized)
	}

	creator := params.Creator
	d, err := w.repo.Create(ctx, Dispute{
		EscrowID:    params.EscrowID,
		Status:      StatusOpen,
		CreatedBy:   creator,
		Title:       params.Title,
		Description: params.Description,
	}, TimelineEvent{
		Type:        EventStatusChange,
		Description: "Dispute created",
		PerformedBy: &creator,
		Metadata:    map[string]any{"escrow_id": params.EscrowID},
	})
	if err != nil {
		return Dispute{}, err
	}

	if _, err := w.engine.MarkDisputed(ctx, params.EscrowID, d.ID, creator); err != nil {
		// Compensate: the dispute row exists but the escrow never moved.
		// The close carries a cancel verdict so the closed row keeps the
		// resolution every terminal dispute has.
		cancelled := ResolutionCancel
		notes := "escrow transition failed"
		closedAt := w.now().UTC()
		if _, cerr := w.repo.Transition(ctx, Transition{
			ID:              d.ID,
			From:            []Status{StatusOpen},
			To:              StatusClosed,
			Resolution:      &cancelled,
			ResolutionNotes: &notes,
			ResolutionDate:  &closedAt,
			Event: TimelineEvent{
				Type:        EventStatusChange,
				Description: "Dispute aborted: escrow transition failed",
			},
		}); cerr != nil {
			w.sink.Record(ctx, audit.Entry{
				Kind:     audit.KindSystemAction,
				Action:   "Dispute compensation failed",
				Actor:    "system",
				Severity: audit.SeverityCritical,
				Module:   "DISPUTE",
				Details:  map[string]any{"dispute_id": d.ID, "error": cerr.Error()},
			})
		}
		return Dispute{}, err
	}

	w.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindUserAction,
		Action: "Dispute created",
		Actor:  creator,
		Module: "DISPUTE",
		Details: map[string]any{
			"dispute_id": d.ID,
			"escrow_id":  params.EscrowID,
			"title":      params.Title,
		},
	})

	return d, nil
}

// advanceFrom maps each forward step to the status it must start from.
var advanceFrom = map[Status]Status{
	StatusUnderReview:        StatusOpen,
	StatusEvidenceCollection: StatusArbitratorAssigned,
	StatusArbitration:        StatusEvidenceCollection,
}

// Advance moves a dispute one step along the canonical path. Steps past
// arbitrator assignment may only be taken by the assigned arbitrator;
// moving to under_review is an administrative step gated upstream.
func (w *Workflow) Advance(ctx context.Context, disputeID string, next Status, actor string) (Dispute, error) {
	from, ok := advanceFrom[next]
	if !ok {
		return Dispute{}, fmt.Errorf("dispute: %q is not an advance step: %w", next, ErrValidation)
	}

	d, err := w.repo.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status == next {
		return d, nil
	}
	if d.Status != from {
		return Dispute{}, invalidTransition(d.Status, next)
	}
	if next == StatusEvidenceCollection || next == StatusArbitration {
		if !w.actorIsAssigned(ctx, d, actor) {
			return Dispute{}, fmt.Errorf("dispute: step requires the assigned arbitrator: %w", ErrUnauthorized)
		}
	}

	out, err := w.repo.Transition(ctx, Transition{
		ID:   disputeID,
		From: []Status{from},
		To:   next,
		Event: TimelineEvent{
			Type:        EventStatusChange,
			Description: fmt.Sprintf("Status changed from %s to %s", from, next),
			PerformedBy: &actor,
		},
	})
	if err != nil {
		return Dispute{}, err
	}

	w.auditStatus(ctx, out, from, actor)
	return out, nil
}

// AssignArbitrator hands the dispute to an arbitrator. The pool slot is
// taken first; if the dispute-side commit then loses a race the slot is
// given back, so capacity never leaks.
func (w *Workflow) AssignArbitrator(ctx context.Context, disputeID, arbitratorID, actor string) (Dispute, error) {
	d, err := w.repo.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status == StatusArbitratorAssigned && d.AssignedTo != nil && *d.AssignedTo == arbitratorID {
		return d, nil
	}
	if d.Status != StatusOpen && d.Status != StatusUnderReview {
		return Dispute{}, invalidTransition(d.Status, StatusArbitratorAssigned)
	}

	arb, err := w.pool.Assign(ctx, disputeID, arbitratorID)
	if err != nil {
		switch {
		case errors.Is(err, arbitrator.ErrNotFound),
			errors.Is(err, arbitrator.ErrNotActive),
			errors.Is(err, arbitrator.ErrAtCapacity):
			return Dispute{}, fmt.Errorf("dispute: assign %s: %v: %w", arbitratorID, err, ErrArbitratorUnavailable)
		}
		return Dispute{}, err
	}

	out, err := w.repo.Transition(ctx, Transition{
		ID:         disputeID,
		From:       []Status{StatusOpen, StatusUnderReview},
		To:         StatusArbitratorAssigned,
		AssignedTo: &arbitratorID,
		Event: TimelineEvent{
			Type:        EventArbitratorAssigned,
			Description: fmt.Sprintf("Arbitrator %s assigned", arb.Name),
			PerformedBy: &actor,
			Metadata:    map[string]any{"arbitrator_id": arbitratorID},
		},
	})
	if err != nil {
		// Another assignment landed first. Free the slot we took.
		if uerr := w.pool.Unassign(ctx, arbitratorID, disputeID); uerr != nil {
			w.sink.Record(ctx, audit.Entry{
				Kind:     audit.KindSystemAction,
				Action:   "Arbitrator slot compensation failed",
				Actor:    "system",
				Severity: audit.SeverityCritical,
				Module:   "DISPUTE",
				Details:  map[string]any{"dispute_id": disputeID, "arbitrator_id": arbitratorID, "error": uerr.Error()},
			})
		}
		return Dispute{}, err
	}

	// Stamp the arbitrator onto the escrow row. The dispute remains the
	// source of truth for who arbitrates, so a failure here is logged but
	// does not undo the assignment.
	if _, rerr := w.engine.RecordArbitrator(ctx, d.EscrowID, arbitratorID, actor); rerr != nil {
		w.sink.Record(ctx, audit.Entry{
			Kind:     audit.KindSystemAction,
			Action:   "Escrow arbitrator stamp failed",
			Actor:    "system",
			Severity: audit.SeverityWarning,
			Module:   "DISPUTE",
			Details:  map[string]any{"dispute_id": disputeID, "escrow_id": d.EscrowID, "arbitrator_id": arbitratorID, "error": rerr.Error()},
		})
	}

	w.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindUserAction,
		Action: "Arbitrator assigned to dispute",
		Actor:  actor,
		Module: "DISPUTE",
		Details: map[string]any{
			"dispute_id":    disputeID,
			"arbitrator_id": arbitratorID,
		},
	})

	return out, nil
}

// AddEvidence appends an evidence item. Allowed in any non-terminal status;
// the dispute status does not change. File payloads go to the blob store
// and only the resulting URL is persisted.
func (w *Workflow) AddEvidence(ctx context.Context, disputeID string, params EvidenceParams, actor string) (Evidence, error) {
	if params.Title == "" {
		return Evidence{}, fmt.Errorf("dispute: evidence title required: %w", ErrValidation)
	}
	switch params.Type {
	case EvidenceFile, EvidenceNote, EvidenceLink, EvidenceTransaction:
	default:
		return Evidence{}, fmt.Errorf("dispute: unknown evidence type %q: %w", params.Type, ErrValidation)
	}

	d, err := w.repo.Get(ctx, disputeID)
	if err != nil {
		return Evidence{}, err
	}
	if d.Status.Terminal() {
		return Evidence{}, fmt.Errorf("dispute: closed disputes accept no evidence: %w", ErrInvalidTransition)
	}

	ev := Evidence{
		DisputeID:   disputeID,
		Type:        params.Type,
		Title:       params.Title,
		Description: params.Description,
		FileURL:     params.FileURL,
		UploadedBy:  actor,
	}
	if params.Type == EvidenceFile && len(params.FileData) > 0 {
		if w.files == nil {
			return Evidence{}, fmt.Errorf("dispute: no file store configured: %w", ErrValidation)
		}
		key := path.Join("disputes", disputeID, uuid.NewString()+"-"+params.FileName)
		url, err := w.files.Put(ctx, key, params.FileType, params.FileData)
		if err != nil {
			return Evidence{}, fmt.Errorf("dispute: store evidence file: %w", err)
		}
		size := int64(len(params.FileData))
		ev.FileURL = &url
		ev.FileType = &params.FileType
		ev.FileSize = &size
	}

	out, err := w.repo.AddEvidence(ctx, ev, TimelineEvent{
		DisputeID:   disputeID,
		Type:        EventEvidenceAdded,
		Description: fmt.Sprintf("Evidence added: %s", params.Title),
		PerformedBy: &actor,
		Metadata:    map[string]any{"evidence_type": string(params.Type)},
	})
	if err != nil {
		return Evidence{}, err
	}

	w.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindDataAccess,
		Action: "Evidence submitted",
		Actor:  actor,
		Module: "DISPUTE",
		Details: map[string]any{
			"dispute_id":    disputeID,
			"evidence_id":   out.ID,
			"evidence_type": string(params.Type),
		},
	})

	return out, nil
}

// VerifyEvidence marks an evidence item as reviewed and authentic.
// Verification is append-only: a verified item cannot be un-verified, and
// re-verifying one returns it unchanged without a second timeline entry.
func (w *Workflow) VerifyEvidence(ctx context.Context, disputeID, evidenceID, actor string) (Evidence, error) {
	if evidenceID == "" {
		return Evidence{}, fmt.Errorf("dispute: evidence id required: %w", ErrValidation)
	}

	d, err := w.repo.Get(ctx, disputeID)
	if err != nil {
		return Evidence{}, err
	}
	if d.Status.Terminal() {
		return Evidence{}, fmt.Errorf("dispute: closed disputes accept no evidence changes: %w", ErrInvalidTransition)
	}

	out, err := w.repo.VerifyEvidence(ctx, disputeID, evidenceID, TimelineEvent{
		DisputeID:   disputeID,
		Type:        EventEvidenceVerified,
		Description: fmt.Sprintf("Evidence verified: %s", evidenceID),
		PerformedBy: &actor,
		Metadata:    map[string]any{"evidence_id": evidenceID},
	})
	if err != nil {
		return Evidence{}, err
	}

	w.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindDataAccess,
		Action: "Evidence verified",
		Actor:  actor,
		Module: "DISPUTE",
		Details: map[string]any{
			"dispute_id":  disputeID,
			"evidence_id": evidenceID,
		},
	})

	return out, nil
}

// Resolve records the verdict, releases and rates the arbitrator, and
// finalizes the parent escrow. The three steps are idempotent on dispute
// id, so a partially applied resolution is completed by calling Resolve
// again with the same arguments. An escalate verdict does not resolve:
// it hands the dispute back to review for reassignment.
func (w *Workflow) Resolve(ctx context.Context, disputeID string, resolution Resolution, notes, actor string) (Dispute, error) {
	switch resolution {
	case ResolutionRefundBuyer, ResolutionReleaseSeller, ResolutionPartialRefund,
		ResolutionEscalate, ResolutionCancel:
	default:
		return Dispute{}, fmt.Errorf("dispute: unknown resolution %q: %w", resolution, ErrValidation)
	}

	d, err := w.repo.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	switch d.Status {
	case StatusResolved, StatusClosed:
		if d.Resolution == nil || *d.Resolution != resolution {
			return Dispute{}, invalidTransition(d.Status, StatusResolved)
		}
		// Replay: re-run the idempotent fan-out in case an earlier call
		// stopped partway, then return unchanged.
		return d, w.fanOutResolution(ctx, d, resolution, actor)
	case StatusArbitration:
	default:
		return Dispute{}, fmt.Errorf("dispute: status is %s: %w", d.Status, ErrNotInArbitration)
	}
	if !w.actorIsAssigned(ctx, d, actor) {
		return Dispute{}, fmt.Errorf("dispute: resolution requires the assigned arbitrator: %w", ErrUnauthorized)
	}

	if resolution == ResolutionEscalate {
		return w.escalate(ctx, d, notes, actor)
	}

	resolvedAt := w.now().UTC()
	out, err := w.repo.Transition(ctx, Transition{
		ID:              disputeID,
		From:            []Status{StatusArbitration},
		To:              StatusResolved,
		Resolution:      &resolution,
		ResolutionNotes: &notes,
		ResolutionDate:  &resolvedAt,
		Event: TimelineEvent{
			Type:        EventResolution,
			Description: fmt.Sprintf("Dispute resolved: %s", resolution),
			PerformedBy: &actor,
			Metadata:    map[string]any{"resolution": string(resolution), "notes": notes},
		},
	})
	if err != nil {
		return Dispute{}, err
	}

	if err := w.fanOutResolution(ctx, out, resolution, actor); err != nil {
		return out, err
	}

	w.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindUserAction,
		Action: "Dispute resolved",
		Actor:  actor,
		Module: "DISPUTE",
		Details: map[string]any{
			"dispute_id": disputeID,
			"escrow_id":  out.EscrowID,
			"resolution": string(resolution),
		},
	})

	return out, nil
}

// actorIsAssigned reports whether actor is the dispute's assigned
// arbitrator. Disputes store the pool id while API callers act under
// their user id, so both identities are accepted.
func (w *Workflow) actorIsAssigned(ctx context.Context, d Dispute, actor string) bool {
	if d.AssignedTo == nil || actor == "" {
		return false
	}
	if *d.AssignedTo == actor {
		return true
	}
	arb, err := w.pool.Get(ctx, *d.AssignedTo)
	if err != nil {
		return false
	}
	return arb.UserID == actor
}

// fanOutResolution applies the cross-entity consequences of a recorded
// resolution. Both callees tolerate replays, which is what makes a retried
// Resolve safe.
func (w *Workflow) fanOutResolution(ctx context.Context, d Dispute, resolution Resolution, actor string) error {
	if d.AssignedTo != nil {
		if _, err := w.pool.ReleaseAndRate(ctx, *d.AssignedTo, d.ID, scoreFor(resolution)); err != nil {
			return fmt.Errorf("dispute: release arbitrator: %w", err)
		}
	}
	if _, err := w.engine.FinalizeResolution(ctx, d.EscrowID, string(resolution), actor); err != nil {
		return fmt.Errorf("dispute: finalize escrow: %w", err)
	}
	return nil
}

// scoreFor derives the arbitrator's case score from the verdict. A decisive
// verdict scores full marks; punting via escalation scores neutral.
func scoreFor(resolution Resolution) float64 {
	if resolution == ResolutionEscalate {
		return 3.0
	}
	return 5.0
}

// escalate sends an arbitration-stage dispute back to under_review so an
// administrator can reassign it. The arbitrator's slot is freed first at a
// neutral score; the release tolerates replays, so a retry after a failed
// status commit is safe. The escrow stays disputed until a later verdict
// settles it.
func (w *Workflow) escalate(ctx context.Context, d Dispute, notes, actor string) (Dispute, error) {
	if _, err := w.pool.ReleaseAndRate(ctx, *d.AssignedTo, d.ID, scoreFor(ResolutionEscalate)); err != nil {
		return Dispute{}, fmt.Errorf("dispute: release arbitrator: %w", err)
	}

	out, err := w.repo.Transition(ctx, Transition{
		ID:   d.ID,
		From: []Status{StatusArbitration},
		To:   StatusUnderReview,
		Event: TimelineEvent{
			Type:        EventStatusChange,
			Description: "Dispute escalated for further review",
			PerformedBy: &actor,
			Metadata:    map[string]any{"notes": notes},
		},
	})
	if err != nil {
		return Dispute{}, err
	}

	w.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindUserAction,
		Action: "Dispute escalated",
		Actor:  actor,
		Module: "DISPUTE",
		Details: map[string]any{
			"dispute_id": d.ID,
			"escrow_id":  d.EscrowID,
			"notes":      notes,
		},
	})

	return out, nil
}

// Close finishes a resolved dispute. The parent escrow must have left
// disputed first; closing over a held escrow would strand the funds with no
// dispute left to settle them. Replaying a close is a no-op.
func (w *Workflow) Close(ctx context.Context, disputeID, actor string) (Dispute, error) {
	d, err := w.repo.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status == StatusClosed {
		return d, nil
	}
	if d.Status != StatusResolved {
		return Dispute{}, invalidTransition(d.Status, StatusClosed)
	}

	esc, err := w.engine.Get(ctx, d.EscrowID)
	if err != nil {
		return Dispute{}, err
	}
	if esc.Status == escrow.StatusDisputed {
		return Dispute{}, fmt.Errorf("dispute: escrow %s still disputed, retry the resolution first: %w", esc.ID, ErrConflict)
	}

	out, err := w.repo.Transition(ctx, Transition{
		ID:   disputeID,
		From: []Status{StatusResolved},
		To:   StatusClosed,
		Event: TimelineEvent{
			Type:        EventStatusChange,
			Description: "Dispute closed",
			PerformedBy: &actor,
		},
	})
	if err != nil {
		return Dispute{}, err
	}

	w.auditStatus(ctx, out, StatusResolved, actor)
	return out, nil
}

// Timeline returns the dispute's history, oldest first.
func (w *Workflow) Timeline(ctx context.Context, disputeID string) ([]TimelineEvent, error) {
	if _, err := w.repo.Get(ctx, disputeID); err != nil {
		return nil, err
	}
	return w.repo.Timeline(ctx, disputeID)
}

// Get returns one dispute with its evidence loaded.
func (w *Workflow) Get(ctx context.Context, disputeID string) (Dispute, error) {
	return w.repo.Get(ctx, disputeID)
}

// List returns disputes matching the filters, newest first, with the total
// match count.
func (w *Workflow) List(ctx context.Context, filters Filters, page, limit int) ([]Dispute, int, error) {
	return w.repo.List(ctx, filters, page, limit)
}

func (w *Workflow) auditStatus(ctx context.Context, d Dispute, from Status, actor string) {
	w.sink.Record(ctx, audit.Entry{
		Kind:   audit.KindUserAction,
		Action: "Dispute status changed",
		Actor:  actor,
		Module: "DISPUTE",
		Details: map[string]any{
			"dispute_id": d.ID,
			"old_status": string(from),
			"new_status": string(d.Status),
		},
	})
}
