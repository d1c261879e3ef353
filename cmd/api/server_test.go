package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/arbitrator"
	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

type stubAuthService struct {
	user        *auth.User
	registerErr error
	loginResult auth.LoginResult
	loginErr    error
	verifyID    string
	verifyRole  auth.Role
	verifyErr   error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.user, s.registerErr
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthService) VerifyToken(string) (string, auth.Role, error) {
	return s.verifyID, s.verifyRole, s.verifyErr
}

type stubEscrowService struct {
	esc         escrow.Escrow
	err         error
	listItems   []escrow.Escrow
	listTotal   int
	listErr     error
	lastFilters escrow.Filters
}

func (s *stubEscrowService) Create(_ context.Context, _ escrow.CreateParams) (escrow.Escrow, error) {
	return s.esc, s.err
}

func (s *stubEscrowService) Activate(_ context.Context, _, _ string) (escrow.Escrow, error) {
	return s.esc, s.err
}

func (s *stubEscrowService) Release(_ context.Context, _, _ string) (escrow.Escrow, error) {
	return s.esc, s.err
}

func (s *stubEscrowService) Expire(_ context.Context, _ string, _ escrow.Status) (escrow.Escrow, error) {
	return s.esc, s.err
}

func (s *stubEscrowService) Get(_ context.Context, _ string) (escrow.Escrow, error) {
	return s.esc, s.err
}

func (s *stubEscrowService) List(_ context.Context, filters escrow.Filters, _, _ int) ([]escrow.Escrow, int, error) {
	s.lastFilters = filters
	return s.listItems, s.listTotal, s.listErr
}

type stubDisputeService struct {
	d            dispute.Dispute
	ev           dispute.Evidence
	events       []dispute.TimelineEvent
	err          error
	listItems    []dispute.Dispute
	lastAssignee string
	lastVerified string
	lastFilters  dispute.Filters
}

func (s *stubDisputeService) Create(_ context.Context, _ dispute.CreateParams) (dispute.Dispute, error) {
	return s.d, s.err
}

func (s *stubDisputeService) Advance(_ context.Context, _ string, _ dispute.Status, _ string) (dispute.Dispute, error) {
	return s.d, s.err
}

func (s *stubDisputeService) AssignArbitrator(_ context.Context, _, arbitratorID, _ string) (dispute.Dispute, error) {
	s.lastAssignee = arbitratorID
	return s.d, s.err
}

func (s *stubDisputeService) AddEvidence(_ context.Context, _ string, _ dispute.EvidenceParams, _ string) (dispute.Evidence, error) {
	return s.ev, s.err
}

func (s *stubDisputeService) VerifyEvidence(_ context.Context, _, evidenceID, _ string) (dispute.Evidence, error) {
	s.lastVerified = evidenceID
	return s.ev, s.err
}

func (s *stubDisputeService) Resolve(_ context.Context, _ string, _ dispute.Resolution, _, _ string) (dispute.Dispute, error) {
	return s.d, s.err
}

func (s *stubDisputeService) Close(_ context.Context, _, _ string) (dispute.Dispute, error) {
	return s.d, s.err
}

func (s *stubDisputeService) Get(_ context.Context, _ string) (dispute.Dispute, error) {
	return s.d, s.err
}

func (s *stubDisputeService) List(_ context.Context, filters dispute.Filters, _, _ int) ([]dispute.Dispute, int, error) {
	s.lastFilters = filters
	return s.listItems, len(s.listItems), s.err
}

func (s *stubDisputeService) Timeline(_ context.Context, _ string) ([]dispute.TimelineEvent, error) {
	return s.events, s.err
}

type stubArbitratorService struct {
	arb       arbitrator.Arbitrator
	err       error
	byUserErr error
	available []arbitrator.Arbitrator
}

func (s *stubArbitratorService) Register(_ context.Context, _ arbitrator.RegisterParams) (arbitrator.Arbitrator, error) {
	return s.arb, s.err
}

func (s *stubArbitratorService) Get(_ context.Context, _ string) (arbitrator.Arbitrator, error) {
	return s.arb, s.err
}

func (s *stubArbitratorService) GetByUserID(_ context.Context, _ string) (arbitrator.Arbitrator, error) {
	if s.byUserErr != nil {
		return arbitrator.Arbitrator{}, s.byUserErr
	}
	return s.arb, s.err
}

func (s *stubArbitratorService) UpdateStatus(_ context.Context, _ string, _ arbitrator.Status, _ string) (arbitrator.Arbitrator, error) {
	return s.arb, s.err
}

func (s *stubArbitratorService) Available(_ context.Context) ([]arbitrator.Arbitrator, error) {
	return s.available, s.err
}

func (s *stubArbitratorService) Select(_ context.Context, _ string) (arbitrator.Arbitrator, error) {
	return s.arb, s.err
}

type stubAuditService struct {
	entries []audit.Entry
	csv     string
	err     error
}

func (s *stubAuditService) Find(_ context.Context, _ audit.Filters, _, _ int) ([]audit.Entry, int, error) {
	return s.entries, len(s.entries), s.err
}

func (s *stubAuditService) ExportCSV(_ context.Context, _ audit.Filters) (string, error) {
	return s.csv, s.err
}

func asUser(r *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return r.WithContext(ctx)
}

func sampleEscrow() escrow.Escrow {
	now := time.Date(2025, 5, 12, 9, 30, 0, 0, time.UTC)
	return escrow.Escrow{
		ID:        "esc-1",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		Amount:    decimal.RequireFromString("100.50"),
		Currency:  "USDC",
		Status:    escrow.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAuthenticate_MissingToken(t *testing.T) {
	server := &Server{authService: &stubAuthService{}}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows", nil)
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticate_PassesIdentity(t *testing.T) {
	escrows := &stubEscrowService{}
	server := &Server{
		authService:   &stubAuthService{verifyID: "buyer-1", verifyRole: auth.RoleTrader},
		escrowService: escrows,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()

	server.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if escrows.lastFilters.Party != "buyer-1" {
		t.Fatalf("expected party filter buyer-1, got %q", escrows.lastFilters.Party)
	}
}

func TestHandleRegister_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		authService: &stubAuthService{
			user: &auth.User{ID: "u1", Email: "a@b.com", FullName: "Alice Trader", Role: auth.RoleTrader, CreatedAt: now},
		},
	}

	body := strings.NewReader(`{"email":"a@b.com","password":"longenough","full_name":"Alice Trader"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "u1" || resp.Role != "trader" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleRegister_DuplicateEmail(t *testing.T) {
	server := &Server{
		authService: &stubAuthService{registerErr: auth.ErrDuplicateEmail},
	}

	body := strings.NewReader(`{"email":"a@b.com","password":"longenough","full_name":"Alice"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := &Server{
		authService: &stubAuthService{loginErr: auth.ErrInvalidCredentials},
	}

	body := strings.NewReader(`{"email":"a@b.com","password":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	rec := httptest.NewRecorder()

	server.handleLogin(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_Success(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{esc: sampleEscrow()}}

	body := strings.NewReader(`{"sellerId":"seller-1","amount":"100.50","currency":"USDC"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleEscrows(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "esc-1" || resp.Amount != "100.5" || resp.Status != "active" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleCreateEscrow_InvalidAmount(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	body := strings.NewReader(`{"sellerId":"seller-1","amount":"not-a-number","currency":"USDC"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleEscrows(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_SettlementPendingReturnsAccepted(t *testing.T) {
	pending := sampleEscrow()
	pending.Status = escrow.StatusPending
	server := &Server{escrowService: &stubEscrowService{
		esc: pending,
		err: escrow.ErrSettlementFailed,
	}}

	body := strings.NewReader(`{"sellerId":"seller-1","amount":"100.50","currency":"USDC"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleEscrows(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "pending" {
		t.Fatalf("expected pending escrow in body, got %+v", resp)
	}
}

func TestHandleGetEscrow_ForbiddenForOutsider(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{esc: sampleEscrow()}}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/escrows/esc-1", nil), "outsider", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleEscrowExpire_AdminOnly(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{esc: sampleEscrow()}}

	body := strings.NewReader(`{"outcome":"refunded"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/expire", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleRelease_InvalidTransition(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{
		err: &escrow.InvalidTransitionError{Status: escrow.StatusReleased, Action: "release"},
	}}

	req := asUser(httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/release", nil), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleListDisputes_ArbitratorScopedToPoolID(t *testing.T) {
	disputes := &stubDisputeService{}
	server := &Server{
		disputeService:    disputes,
		arbitratorService: &stubArbitratorService{arb: arbitrator.Arbitrator{ID: "arb-9", UserID: "u-arb"}},
	}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/disputes", nil), "u-arb", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if disputes.lastFilters.AssignedTo != "arb-9" {
		t.Fatalf("expected pool id filter arb-9, got %q", disputes.lastFilters.AssignedTo)
	}
}

func TestHandleListDisputes_ArbitratorWithoutPoolRecord(t *testing.T) {
	disputes := &stubDisputeService{listItems: []dispute.Dispute{{ID: "d1"}}}
	server := &Server{
		disputeService:    disputes,
		arbitratorService: &stubArbitratorService{byUserErr: arbitrator.ErrNotFound},
	}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/disputes", nil), "u-stranger", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []disputeResponse `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 0 || payload.Total != 0 {
		t.Fatalf("expected an empty page, got %+v", payload)
	}
}

func TestHandleCreateDispute_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{disputeService: &stubDisputeService{
		d: dispute.Dispute{ID: "d1", EscrowID: "esc-1", Status: dispute.StatusOpen, CreatedBy: "buyer-1", Title: "Item not received", CreatedAt: now, UpdatedAt: now},
	}}

	body := strings.NewReader(`{"escrowId":"esc-1","title":"Item not received"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "d1" || resp.Status != "open" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleCreateDispute_DuplicateConflict(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{err: dispute.ErrEscrowNotDisputable}}

	body := strings.NewReader(`{"escrowId":"esc-1","title":"Item not received"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleAssignArbitrator_AdminOnly(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{}}

	body := strings.NewReader(`{"arbitratorId":"arb-1"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/assign", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleAssignArbitrator_AutoSelect(t *testing.T) {
	disputes := &stubDisputeService{d: dispute.Dispute{ID: "d1", Status: dispute.StatusArbitratorAssigned}}
	server := &Server{
		disputeService:    disputes,
		arbitratorService: &stubArbitratorService{arb: arbitrator.Arbitrator{ID: "arb-7"}},
	}

	body := strings.NewReader(`{"specialization":"crypto"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/assign", body), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if disputes.lastAssignee != "arb-7" {
		t.Fatalf("expected auto-selected arb-7, got %q", disputes.lastAssignee)
	}
}

func TestHandleResolve_RequiresArbitratorRole(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{}}

	body := strings.NewReader(`{"resolution":"refund_buyer"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleResolve_UnknownResolution(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{err: dispute.ErrValidation}}

	body := strings.NewReader(`{"resolution":"split"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/resolve", body), "arb-1", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDisputeTimeline(t *testing.T) {
	now := time.Now().UTC()
	actor := "buyer-1"
	server := &Server{disputeService: &stubDisputeService{
		events: []dispute.TimelineEvent{
			{Seq: 1, Type: dispute.EventStatusChange, Description: "Dispute created", PerformedBy: &actor, CreatedAt: now},
			{Seq: 2, Type: dispute.EventEvidenceAdded, Description: "Evidence added: receipt", CreatedAt: now},
		},
	}}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/disputes/d1/timeline", nil), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []timelineEventResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].Seq != 1 || payload.Items[1].Seq != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleAddEvidence_Success(t *testing.T) {
	now := time.Now().UTC()
	url := "https://blobs.test/disputes/d1/receipt.pdf"
	server := &Server{disputeService: &stubDisputeService{
		ev: dispute.Evidence{ID: "ev1", DisputeID: "d1", Type: dispute.EvidenceFile, Title: "receipt", FileURL: &url, UploadedBy: "buyer-1", UploadedAt: now},
	}}

	body := strings.NewReader(`{"type":"file","title":"receipt","fileName":"receipt.pdf","fileType":"application/pdf","fileData":"aGVsbG8="}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/evidence", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp evidenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "ev1" || resp.FileURL != url {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleVerifyEvidence_Success(t *testing.T) {
	now := time.Now().UTC()
	disputes := &stubDisputeService{
		ev: dispute.Evidence{ID: "ev1", DisputeID: "d1", Type: dispute.EvidenceNote, Title: "transcript", UploadedBy: "buyer-1", UploadedAt: now, Verified: true},
	}
	server := &Server{disputeService: disputes}

	body := strings.NewReader(`{"evidenceId":"ev1"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/verify-evidence", body), "arb-1", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if disputes.lastVerified != "ev1" {
		t.Fatalf("expected ev1 verified, got %q", disputes.lastVerified)
	}
	var resp evidenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Verified {
		t.Fatalf("expected verified payload, got %+v", resp)
	}
}

func TestHandleVerifyEvidence_RequiresArbitratorRole(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{}}

	body := strings.NewReader(`{"evidenceId":"ev1"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/disputes/d1/verify-evidence", body), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputeDetail(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleArbitrators_RegisterRequiresAdmin(t *testing.T) {
	server := &Server{arbitratorService: &stubArbitratorService{}}

	body := strings.NewReader(`{"userId":"u1","name":"Arb"}`)
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/arbitrators", body), "u1", auth.RoleArbitrator)
	rec := httptest.NewRecorder()

	server.handleArbitrators(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleArbitrators_ListAvailable(t *testing.T) {
	server := &Server{arbitratorService: &stubArbitratorService{
		available: []arbitrator.Arbitrator{
			{ID: "arb-1", Name: "A", Rating: 5, Status: arbitrator.StatusActive},
			{ID: "arb-2", Name: "B", Rating: 4.5, Status: arbitrator.StatusActive},
		},
	}}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/arbitrators", nil), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handleArbitrators(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []arbitratorResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].ID != "arb-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleAuditExport_CSV(t *testing.T) {
	server := &Server{auditService: &stubAuditService{csv: "id,kind\n1,USER_ACTION\n"}}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/audit/export", nil), "admin-1", auth.RoleAdmin)
	rec := httptest.NewRecorder()

	server.handleAuditExport(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("expected text/csv, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "USER_ACTION") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandleAuditExport_ForbiddenForTrader(t *testing.T) {
	server := &Server{auditService: &stubAuditService{}}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/audit/export", nil), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleAuditExport(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestServeDomainError_Unexpected(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: errors.New("boom")}}

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/escrows/esc-1", nil), "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleEscrowDetail(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSplitDetailPath(t *testing.T) {
	id, action := splitDetailPath("/api/escrows/esc-1/release", "/api/escrows/")
	if id != "esc-1" || action != "release" {
		t.Fatalf("got id=%q action=%q", id, action)
	}
	id, action = splitDetailPath("/api/escrows/esc-1", "/api/escrows/")
	if id != "esc-1" || action != "" {
		t.Fatalf("got id=%q action=%q", id, action)
	}
}
