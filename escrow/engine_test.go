package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/audit"
	"escrowflow/settlement"
)

type memRepo struct {
	mu      sync.Mutex
	seq     int
	escrows map[string]Escrow
}

func newMemRepo() *memRepo {
	return &memRepo{escrows: make(map[string]Escrow)}
}

func (r *memRepo) Create(_ context.Context, esc Escrow) (Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	esc.ID = fmt.Sprintf("esc-%d", r.seq)
	esc.CreatedAt = time.Now().UTC()
	esc.UpdatedAt = esc.CreatedAt
	r.escrows[esc.ID] = esc
	return esc, nil
}

func (r *memRepo) Get(_ context.Context, id string) (Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	esc, ok := r.escrows[id]
	if !ok {
		return Escrow{}, ErrNotFound
	}
	return esc, nil
}

func (r *memRepo) List(_ context.Context, _ Filters, _, _ int) ([]Escrow, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Escrow, 0, len(r.escrows))
	for _, esc := range r.escrows {
		out = append(out, esc)
	}
	return out, len(out), nil
}

func (r *memRepo) Apply(_ context.Context, t Transition) (Escrow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	esc, ok := r.escrows[t.ID]
	if !ok {
		return Escrow{}, ErrNotFound
	}
	if esc.Status != t.From {
		return Escrow{}, ErrConflict
	}
	esc.Status = t.To
	if t.ContractAddress != nil {
		esc.ContractAddress = t.ContractAddress
	}
	if t.TransactionHash != nil {
		esc.TransactionHash = t.TransactionHash
	}
	if t.DisputeID != nil {
		esc.DisputeID = t.DisputeID
	}
	if t.ArbitratorID != nil {
		esc.ArbitratorID = t.ArbitratorID
	}
	if t.ReleaseDate != nil {
		esc.ReleaseDate = t.ReleaseDate
	}
	esc.UpdatedAt = time.Now().UTC()
	r.escrows[t.ID] = esc
	return esc, nil
}

// force rewrites the stored status directly, bypassing the engine.
func (r *memRepo) force(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	esc := r.escrows[id]
	esc.Status = status
	r.escrows[id] = esc
}

type fakeGateway struct {
	mu       sync.Mutex
	submits  []settlement.Instruction
	failNext error
}

func (g *fakeGateway) Submit(_ context.Context, in settlement.Instruction) (settlement.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return settlement.Receipt{}, err
	}
	g.submits = append(g.submits, in)
	receipt := settlement.Receipt{TransactionHash: fmt.Sprintf("0xhash%d", len(g.submits)), Accepted: true}
	if in.Action == settlement.ActionCreate {
		receipt.ContractAddress = "0xcontract-" + in.EscrowID
	}
	return receipt, nil
}

func (g *fakeGateway) Confirm(context.Context, string) (settlement.ConfirmationStatus, error) {
	return settlement.ConfirmationAccepted, nil
}

func (g *fakeGateway) actions() []settlement.Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]settlement.Action, len(g.submits))
	for i, in := range g.submits {
		out[i] = in.Action
	}
	return out
}

func newTestEngine() (*Engine, *memRepo, *fakeGateway) {
	repo := newMemRepo()
	gw := &fakeGateway{}
	return NewEngine(repo, gw, audit.NopSink{}), repo, gw
}

func validParams() CreateParams {
	return CreateParams{
		BuyerID:  "user-buyer",
		SellerID: "user-seller",
		Amount:   decimal.RequireFromString("100.50"),
		Currency: "USDC",
	}
}

func TestCreateActivates(t *testing.T) {
	engine, _, gw := newTestEngine()

	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if esc.Status != StatusActive {
		t.Fatalf("status = %s, want active", esc.Status)
	}
	if esc.TransactionHash == nil || *esc.TransactionHash == "" {
		t.Fatal("expected a transaction hash after activation")
	}
	if esc.ContractAddress == nil || *esc.ContractAddress != "0xcontract-"+esc.ID {
		t.Fatal("expected the contract address from the create receipt")
	}
	if got := gw.actions(); len(got) != 1 || got[0] != settlement.ActionCreate {
		t.Fatalf("gateway actions = %v, want [create]", got)
	}
}

func TestCreateValidation(t *testing.T) {
	engine, _, _ := newTestEngine()

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"missing buyer", func(p *CreateParams) { p.BuyerID = "" }},
		{"same party both sides", func(p *CreateParams) { p.SellerID = p.BuyerID }},
		{"negative amount", func(p *CreateParams) { p.Amount = decimal.RequireFromString("-1") }},
		{"missing currency", func(p *CreateParams) { p.Currency = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams()
			tc.mutate(&params)
			if _, err := engine.Create(context.Background(), params); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateKeepsPendingOnGatewayFailure(t *testing.T) {
	engine, repo, gw := newTestEngine()
	gw.failNext = errors.New("node unreachable")

	esc, err := engine.Create(context.Background(), validParams())
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	if esc.ID == "" {
		t.Fatal("expected the pending escrow to be returned alongside the error")
	}

	stored, err := repo.Get(context.Background(), esc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("status = %s, want pending", stored.Status)
	}

	// Retry path.
	reactivated, err := engine.Activate(context.Background(), esc.ID, "user-buyer")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if reactivated.Status != StatusActive {
		t.Fatalf("status = %s, want active", reactivated.Status)
	}
}

func TestCreateMapsGatewayTimeout(t *testing.T) {
	engine, _, gw := newTestEngine()
	gw.failNext = settlement.ErrTimeout

	_, err := engine.Create(context.Background(), validParams())
	if !errors.Is(err, ErrSettlementTimeout) {
		t.Fatalf("err = %v, want ErrSettlementTimeout", err)
	}
}

func TestActivateIdempotent(t *testing.T) {
	engine, _, gw := newTestEngine()

	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	again, err := engine.Activate(context.Background(), esc.ID, "user-buyer")
	if err != nil {
		t.Fatalf("Activate replay: %v", err)
	}
	if again.Status != StatusActive {
		t.Fatalf("status = %s, want active", again.Status)
	}
	if got := gw.actions(); len(got) != 1 {
		t.Fatalf("replay must not resubmit, got %d gateway calls", len(got))
	}
}

func TestReleaseRequiresBuyer(t *testing.T) {
	engine, _, _ := newTestEngine()

	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Release(context.Background(), esc.ID, "user-seller"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestReleaseAndReplay(t *testing.T) {
	engine, _, gw := newTestEngine()

	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	released, err := engine.Release(context.Background(), esc.ID, "user-buyer")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("status = %s, want released", released.Status)
	}
	if released.ReleaseDate == nil {
		t.Fatal("expected release date to be set")
	}

	replayed, err := engine.Release(context.Background(), esc.ID, "user-buyer")
	if err != nil {
		t.Fatalf("Release replay: %v", err)
	}
	if replayed.Status != StatusReleased {
		t.Fatalf("replay status = %s, want released", replayed.Status)
	}
	if got := gw.actions(); len(got) != 2 {
		t.Fatalf("replay must not resubmit, got %v", got)
	}
}

func TestReleaseFromTerminalRejected(t *testing.T) {
	engine, repo, _ := newTestEngine()

	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	repo.force(esc.ID, StatusCancelled)

	_, err = engine.Release(context.Background(), esc.ID, "user-buyer")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.Status != StatusCancelled {
		t.Fatalf("err = %v, want InvalidTransitionError from cancelled", err)
	}
}

func TestReleaseLostRaceSurfacesConflict(t *testing.T) {
	engine, repo, _ := newTestEngine()

	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Simulate a concurrent transition landing between validation and
	// commit: the conditional update must lose.
	raced := false
	engine.gateway = gatewayFunc(func(ctx context.Context, in settlement.Instruction) (settlement.Receipt, error) {
		if !raced {
			raced = true
			repo.force(esc.ID, StatusDisputed)
		}
		return settlement.Receipt{TransactionHash: "0xrace", Accepted: true}, nil
	})

	if _, err := engine.Release(context.Background(), esc.ID, "user-buyer"); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

type gatewayFunc func(context.Context, settlement.Instruction) (settlement.Receipt, error)

func (f gatewayFunc) Submit(ctx context.Context, in settlement.Instruction) (settlement.Receipt, error) {
	return f(ctx, in)
}

func (f gatewayFunc) Confirm(context.Context, string) (settlement.ConfirmationStatus, error) {
	return settlement.ConfirmationUnknown, nil
}

func TestMarkDisputed(t *testing.T) {
	engine, _, gw := newTestEngine()

	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	disputed, err := engine.MarkDisputed(context.Background(), esc.ID, "disp-1", "user-seller")
	if err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Fatalf("status = %s, want disputed", disputed.Status)
	}
	if disputed.DisputeID == nil || *disputed.DisputeID != "disp-1" {
		t.Fatal("expected dispute linkage")
	}
	if got := gw.actions(); got[len(got)-1] != settlement.ActionDispute {
		t.Fatalf("last gateway action = %v, want dispute", got[len(got)-1])
	}

	// Replay with the same dispute id is a no-op.
	again, err := engine.MarkDisputed(context.Background(), esc.ID, "disp-1", "user-seller")
	if err != nil {
		t.Fatalf("MarkDisputed replay: %v", err)
	}
	if again.Status != StatusDisputed {
		t.Fatalf("replay status = %s", again.Status)
	}

	// An outsider cannot raise a dispute.
	if _, err := engine.MarkDisputed(context.Background(), esc.ID, "disp-2", "user-stranger"); !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want rejection", err)
	}
}

func TestRecordArbitrator(t *testing.T) {
	engine, _, gw := newTestEngine()

	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Only disputed escrows carry an arbitrator.
	if _, err := engine.RecordArbitrator(context.Background(), esc.ID, "arb-1", "admin-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("active escrow: err = %v, want ErrInvalidTransition", err)
	}

	if _, err := engine.MarkDisputed(context.Background(), esc.ID, "disp-1", "user-buyer"); err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	before := len(gw.actions())

	out, err := engine.RecordArbitrator(context.Background(), esc.ID, "arb-1", "admin-1")
	if err != nil {
		t.Fatalf("RecordArbitrator: %v", err)
	}
	if out.Status != StatusDisputed {
		t.Fatalf("status = %s, want disputed", out.Status)
	}
	if out.ArbitratorID == nil || *out.ArbitratorID != "arb-1" {
		t.Fatal("arbitrator not recorded")
	}
	if len(gw.actions()) != before {
		t.Fatal("recording must not touch the gateway")
	}

	// Same arbitrator again is a no-op.
	again, err := engine.RecordArbitrator(context.Background(), esc.ID, "arb-1", "admin-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.ArbitratorID == nil || *again.ArbitratorID != "arb-1" {
		t.Fatal("replay dropped the arbitrator")
	}
}

func TestFinalizeResolutionMapping(t *testing.T) {
	cases := []struct {
		resolution string
		want       Status
		action     settlement.Action
	}{
		{"release_seller", StatusReleased, settlement.ActionRelease},
		{"refund_buyer", StatusRefunded, settlement.ActionRefund},
		{"partial_refund", StatusRefunded, settlement.ActionRefund},
		{"cancel", StatusCancelled, settlement.ActionRefund},
	}
	for _, tc := range cases {
		t.Run(tc.resolution, func(t *testing.T) {
			engine, _, gw := newTestEngine()
			esc, err := engine.Create(context.Background(), validParams())
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := engine.MarkDisputed(context.Background(), esc.ID, "disp-1", "user-buyer"); err != nil {
				t.Fatalf("MarkDisputed: %v", err)
			}

			out, err := engine.FinalizeResolution(context.Background(), esc.ID, tc.resolution, "arb-1")
			if err != nil {
				t.Fatalf("FinalizeResolution: %v", err)
			}
			if out.Status != tc.want {
				t.Fatalf("status = %s, want %s", out.Status, tc.want)
			}
			actions := gw.actions()
			if actions[len(actions)-1] != tc.action {
				t.Fatalf("last gateway action = %v, want %v", actions[len(actions)-1], tc.action)
			}

			// Replay is a no-op on the terminal state.
			replayed, err := engine.FinalizeResolution(context.Background(), esc.ID, tc.resolution, "arb-1")
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if replayed.Status != tc.want {
				t.Fatalf("replay status = %s", replayed.Status)
			}
			if len(gw.actions()) != len(actions) {
				t.Fatal("replay must not resubmit")
			}
		})
	}
}

func TestFinalizeEscalateLeavesDisputed(t *testing.T) {
	engine, _, gw := newTestEngine()
	esc, err := engine.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.MarkDisputed(context.Background(), esc.ID, "disp-1", "user-buyer"); err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	before := len(gw.actions())

	out, err := engine.FinalizeResolution(context.Background(), esc.ID, "escalate", "arb-1")
	if err != nil {
		t.Fatalf("FinalizeResolution: %v", err)
	}
	if out.Status != StatusDisputed {
		t.Fatalf("status = %s, want disputed", out.Status)
	}
	if len(gw.actions()) != before {
		t.Fatal("escalate must not touch the gateway")
	}
}

func TestExpire(t *testing.T) {
	engine, _, gw := newTestEngine()
	expiry := time.Now().Add(time.Hour)
	params := validParams()
	params.ExpiryDate = &expiry

	esc, err := engine.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := engine.Expire(context.Background(), esc.ID, StatusRefunded); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("err = %v, want ErrNotExpired", err)
	}

	engine.WithClock(func() time.Time { return expiry.Add(time.Minute) })
	out, err := engine.Expire(context.Background(), esc.ID, StatusRefunded)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if out.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", out.Status)
	}
	actions := gw.actions()
	if actions[len(actions)-1] != settlement.ActionRefund {
		t.Fatalf("last gateway action = %v, want refund", actions[len(actions)-1])
	}

	// Replay with the same outcome is a no-op.
	replayed, err := engine.Expire(context.Background(), esc.ID, StatusRefunded)
	if err != nil {
		t.Fatalf("Expire replay: %v", err)
	}
	if replayed.Status != StatusRefunded {
		t.Fatalf("replay status = %s", replayed.Status)
	}
}

func TestExpireRejectsBadOutcome(t *testing.T) {
	engine, _, _ := newTestEngine()
	if _, err := engine.Expire(context.Background(), "esc-1", StatusReleased); err == nil {
		t.Fatal("expected outcome validation error")
	}
}
