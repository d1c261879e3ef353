package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/arbitrator"
	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type escrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Escrow, error)
	Activate(ctx context.Context, escrowID, actor string) (escrow.Escrow, error)
	Release(ctx context.Context, escrowID, caller string) (escrow.Escrow, error)
	Expire(ctx context.Context, escrowID string, outcome escrow.Status) (escrow.Escrow, error)
	Get(ctx context.Context, escrowID string) (escrow.Escrow, error)
	List(ctx context.Context, filters escrow.Filters, page, limit int) ([]escrow.Escrow, int, error)
}

type disputeService interface {
	Create(ctx context.Context, params dispute.CreateParams) (dispute.Dispute, error)
	Advance(ctx context.Context, disputeID string, next dispute.Status, actor string) (dispute.Dispute, error)
	AssignArbitrator(ctx context.Context, disputeID, arbitratorID, actor string) (dispute.Dispute, error)
	AddEvidence(ctx context.Context, disputeID string, params dispute.EvidenceParams, actor string) (dispute.Evidence, error)
	VerifyEvidence(ctx context.Context, disputeID, evidenceID, actor string) (dispute.Evidence, error)
	Resolve(ctx context.Context, disputeID string, resolution dispute.Resolution, notes, actor string) (dispute.Dispute, error)
	Close(ctx context.Context, disputeID, actor string) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID string) (dispute.Dispute, error)
	List(ctx context.Context, filters dispute.Filters, page, limit int) ([]dispute.Dispute, int, error)
	Timeline(ctx context.Context, disputeID string) ([]dispute.TimelineEvent, error)
}

type arbitratorService interface {
	Register(ctx context.Context, params arbitrator.RegisterParams) (arbitrator.Arbitrator, error)
	Get(ctx context.Context, id string) (arbitrator.Arbitrator, error)
	GetByUserID(ctx context.Context, userID string) (arbitrator.Arbitrator, error)
	UpdateStatus(ctx context.Context, arbitratorID string, status arbitrator.Status, actor string) (arbitrator.Arbitrator, error)
	Available(ctx context.Context) ([]arbitrator.Arbitrator, error)
	Select(ctx context.Context, specialization string) (arbitrator.Arbitrator, error)
}

type auditService interface {
	Find(ctx context.Context, filters audit.Filters, page, limit int) ([]audit.Entry, int, error)
	ExportCSV(ctx context.Context, filters audit.Filters) (string, error)
}

// Server holds the HTTP surface over the domain services.
type Server struct {
	authService       authService
	escrowService     escrowService
	disputeService    disputeService
	arbitratorService arbitratorService
	auditService      auditService
	logger            *slog.Logger
}

// Routes wires every handler onto a fresh mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)

	mux.Handle("/api/escrows", s.authenticate(s.handleEscrows))
	mux.Handle("/api/escrows/", s.authenticate(s.handleEscrowDetail))
	mux.Handle("/api/disputes", s.authenticate(s.handleDisputes))
	mux.Handle("/api/disputes/", s.authenticate(s.handleDisputeDetail))
	mux.Handle("/api/arbitrators", s.authenticate(s.handleArbitrators))
	mux.Handle("/api/arbitrators/", s.authenticate(s.handleArbitratorDetail))
	mux.Handle("/api/audit", s.authenticate(s.handleAudit))
	mux.Handle("/api/audit/export", s.authenticate(s.handleAuditExport))

	return mux
}

// authenticate verifies the bearer token and stashes the caller identity in
// the request context.
func (s *Server) authenticate(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── auth ───

type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FullName      string `json:"fullName"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Role          string `json:"role"`
	CreatedAt     string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	resp := userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
	if u.WalletAddress != nil {
		resp.WalletAddress = *u.WalletAddress
	}
	return resp
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.serverError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.serverError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

// ─── escrows ───

type escrowResponse struct {
	ID              string `json:"id"`
	BuyerID         string `json:"buyerId"`
	SellerID        string `json:"sellerId"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	ContractAddress string `json:"contractAddress,omitempty"`
	TransactionHash string `json:"transactionHash,omitempty"`
	DisputeID       string `json:"disputeId,omitempty"`
	ReleaseDate     string `json:"releaseDate,omitempty"`
	ExpiryDate      string `json:"expiryDate,omitempty"`
	CreatedAt       string `json:"createdAt"`
	UpdatedAt       string `json:"updatedAt"`
}

func toEscrowResponse(e escrow.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:        e.ID,
		BuyerID:   e.BuyerID,
		SellerID:  e.SellerID,
		Amount:    e.Amount.String(),
		Currency:  e.Currency,
		Status:    string(e.Status),
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
		UpdatedAt: e.UpdatedAt.Format(time.RFC3339),
	}
	if e.ContractAddress != nil {
		resp.ContractAddress = *e.ContractAddress
	}
	if e.TransactionHash != nil {
		resp.TransactionHash = *e.TransactionHash
	}
	if e.DisputeID != nil {
		resp.DisputeID = *e.DisputeID
	}
	if e.ReleaseDate != nil {
		resp.ReleaseDate = e.ReleaseDate.Format(time.RFC3339)
	}
	if e.ExpiryDate != nil {
		resp.ExpiryDate = e.ExpiryDate.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListEscrows(w, r)
	case http.MethodPost:
		s.handleCreateEscrow(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := escrow.Filters{
		Status: escrow.Status(q.Get("status")),
	}

	// Non-admin callers only see their own agreements.
	if callerRole(r) == auth.RoleAdmin {
		filters.BuyerID = q.Get("buyerId")
		filters.SellerID = q.Get("sellerId")
	} else {
		filters.Party = callerID(r)
	}

	page, limit := pageParams(q.Get("page"), q.Get("limit"))
	items, total, err := s.escrowService.List(r.Context(), filters, page, limit)
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}

	out := make([]escrowResponse, len(items))
	for i, e := range items {
		out[i] = toEscrowResponse(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SellerID   string `json:"sellerId"`
		Amount     string `json:"amount"`
		Currency   string `json:"currency"`
		ExpiryDate string `json:"expiryDate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	params := escrow.CreateParams{
		BuyerID:  callerID(r),
		SellerID: body.SellerID,
		Amount:   amount,
		Currency: body.Currency,
	}
	if body.ExpiryDate != "" {
		t, err := time.Parse(time.RFC3339, body.ExpiryDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expiryDate")
			return
		}
		params.ExpiryDate = &t
	}

	esc, err := s.escrowService.Create(r.Context(), params)
	if err != nil {
		// Settlement failures leave a pending row behind; report it so the
		// caller can retry activation.
		if esc.ID != "" && (errors.Is(err, escrow.ErrSettlementFailed) || errors.Is(err, escrow.ErrSettlementTimeout)) {
			writeJSON(w, http.StatusAccepted, toEscrowResponse(esc))
			return
		}
		s.serveDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEscrowResponse(esc))
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	id, action := splitDetailPath(r.URL.Path, "/api/escrows/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "escrow id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetEscrow(w, r, id)
	case action == "activate" && r.Method == http.MethodPost:
		esc, err := s.escrowService.Activate(r.Context(), id, callerID(r))
		s.respondEscrow(w, r, esc, err)
	case action == "release" && r.Method == http.MethodPost:
		esc, err := s.escrowService.Release(r.Context(), id, callerID(r))
		s.respondEscrow(w, r, esc, err)
	case action == "expire" && r.Method == http.MethodPost:
		if callerRole(r) != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		var body struct {
			Outcome string `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		esc, err := s.escrowService.Expire(r.Context(), id, escrow.Status(body.Outcome))
		s.respondEscrow(w, r, esc, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request, id string) {
	esc, err := s.escrowService.Get(r.Context(), id)
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}
	if !canSeeEscrow(r, esc) {
		writeError(w, http.StatusForbidden, "not a party to this escrow")
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(esc))
}

func canSeeEscrow(r *http.Request, esc escrow.Escrow) bool {
	role := callerRole(r)
	if role == auth.RoleAdmin || role == auth.RoleArbitrator {
		return true
	}
	caller := callerID(r)
	return caller == esc.BuyerID || caller == esc.SellerID
}

func (s *Server) respondEscrow(w http.ResponseWriter, r *http.Request, esc escrow.Escrow, err error) {
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(esc))
}

// ─── disputes ───

type disputeResponse struct {
	ID              string             `json:"id"`
	EscrowID        string             `json:"escrowId"`
	Status          string             `json:"status"`
	CreatedBy       string             `json:"createdBy"`
	AssignedTo      string             `json:"assignedTo,omitempty"`
	Title           string             `json:"title"`
	Description     string             `json:"description,omitempty"`
	Resolution      string             `json:"resolution,omitempty"`
	ResolutionNotes string             `json:"resolutionNotes,omitempty"`
	ResolutionDate  string             `json:"resolutionDate,omitempty"`
	Evidence        []evidenceResponse `json:"evidence,omitempty"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt"`
}

type evidenceResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FileURL     string `json:"fileUrl,omitempty"`
	FileType    string `json:"fileType,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	UploadedBy  string `json:"uploadedBy"`
	UploadedAt  string `json:"uploadedAt"`
	Verified    bool   `json:"verified"`
}

type timelineEventResponse struct {
	Seq         int            `json:"seq"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	PerformedBy string         `json:"performedBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"createdAt"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:          d.ID,
		EscrowID:    d.EscrowID,
		Status:      string(d.Status),
		CreatedBy:   d.CreatedBy,
		Title:       d.Title,
		Description: d.Description,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   d.UpdatedAt.Format(time.RFC3339),
	}
	if d.AssignedTo != nil {
		resp.AssignedTo = *d.AssignedTo
	}
	if d.Resolution != nil {
		resp.Resolution = string(*d.Resolution)
	}
	if d.ResolutionNotes != nil {
		resp.ResolutionNotes = *d.ResolutionNotes
	}
	if d.ResolutionDate != nil {
		resp.ResolutionDate = d.ResolutionDate.Format(time.RFC3339)
	}
	for _, ev := range d.Evidence {
		resp.Evidence = append(resp.Evidence, toEvidenceResponse(ev))
	}
	return resp
}

func toEvidenceResponse(ev dispute.Evidence) evidenceResponse {
	resp := evidenceResponse{
		ID:         ev.ID,
		Type:       string(ev.Type),
		Title:      ev.Title,
		UploadedBy: ev.UploadedBy,
		UploadedAt: ev.UploadedAt.Format(time.RFC3339),
		Verified:   ev.Verified,
	}
	if ev.Description != nil {
		resp.Description = *ev.Description
	}
	if ev.FileURL != nil {
		resp.FileURL = *ev.FileURL
	}
	if ev.FileType != nil {
		resp.FileType = *ev.FileType
	}
	if ev.FileSize != nil {
		resp.FileSize = *ev.FileSize
	}
	return resp
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListDisputes(w, r)
	case http.MethodPost:
		s.handleCreateDispute(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := dispute.Filters{
		Status:   dispute.Status(q.Get("status")),
		EscrowID: q.Get("escrowId"),
	}

	switch callerRole(r) {
	case auth.RoleAdmin:
		filters.CreatedBy = q.Get("createdBy")
		filters.AssignedTo = q.Get("assignedTo")
	case auth.RoleArbitrator:
		// Disputes reference the pool record, not the user, so translate
		// the caller onto their arbitrator id. A caller without a pool
		// record has no cases.
		arb, err := s.arbitratorService.GetByUserID(r.Context(), callerID(r))
		if err != nil {
			if errors.Is(err, arbitrator.ErrNotFound) {
				writeJSON(w, http.StatusOK, map[string]any{"items": []disputeResponse{}, "total": 0})
				return
			}
			s.serveDomainError(w, r, err)
			return
		}
		filters.AssignedTo = arb.ID
	default:
		filters.CreatedBy = callerID(r)
	}

	page, limit := pageParams(q.Get("page"), q.Get("limit"))
	items, total, err := s.disputeService.List(r.Context(), filters, page, limit)
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}

	out := make([]disputeResponse, len(items))
	for i, d := range items {
		out[i] = toDisputeResponse(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EscrowID    string `json:"escrowId"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.disputeService.Create(r.Context(), dispute.CreateParams{
		EscrowID:    body.EscrowID,
		Creator:     callerID(r),
		Title:       body.Title,
		Description: body.Description,
	})
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	id, action := splitDetailPath(r.URL.Path, "/api/disputes/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "dispute id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		d, err := s.disputeService.Get(r.Context(), id)
		s.respondDispute(w, r, d, err)
	case action == "timeline" && r.Method == http.MethodGet:
		s.handleDisputeTimeline(w, r, id)
	case action == "advance" && r.Method == http.MethodPost:
		s.handleAdvanceDispute(w, r, id)
	case action == "assign" && r.Method == http.MethodPost:
		s.handleAssignArbitrator(w, r, id)
	case action == "evidence" && r.Method == http.MethodPost:
		s.handleAddEvidence(w, r, id)
	case action == "verify-evidence" && r.Method == http.MethodPost:
		s.handleVerifyEvidence(w, r, id)
	case action == "resolve" && r.Method == http.MethodPost:
		s.handleResolveDispute(w, r, id)
	case action == "close" && r.Method == http.MethodPost:
		if callerRole(r) != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		d, err := s.disputeService.Close(r.Context(), id, callerID(r))
		s.respondDispute(w, r, d, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDisputeTimeline(w http.ResponseWriter, r *http.Request, id string) {
	events, err := s.disputeService.Timeline(r.Context(), id)
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}

	out := make([]timelineEventResponse, len(events))
	for i, ev := range events {
		out[i] = timelineEventResponse{
			Seq:         ev.Seq,
			Type:        string(ev.Type),
			Description: ev.Description,
			Metadata:    ev.Metadata,
			CreatedAt:   ev.CreatedAt.Format(time.RFC3339),
		}
		if ev.PerformedBy != nil {
			out[i].PerformedBy = *ev.PerformedBy
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleAdvanceDispute(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Moving a dispute into review is a staff step; the later evidence and
	// arbitration steps are authorized against the assigned arbitrator
	// inside the workflow.
	next := dispute.Status(body.Status)
	if next == dispute.StatusUnderReview && callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	d, err := s.disputeService.Advance(r.Context(), id, next, callerID(r))
	s.respondDispute(w, r, d, err)
}

func (s *Server) handleAssignArbitrator(w http.ResponseWriter, r *http.Request, id string) {
	if callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var body struct {
		ArbitratorID   string `json:"arbitratorId"`
		Specialization string `json:"specialization"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	arbitratorID := body.ArbitratorID
	if arbitratorID == "" {
		// No explicit candidate: pick one by the pool's selection policy.
		selected, err := s.arbitratorService.Select(r.Context(), body.Specialization)
		if err != nil {
			s.serveDomainError(w, r, err)
			return
		}
		arbitratorID = selected.ID
	}

	d, err := s.disputeService.AssignArbitrator(r.Context(), id, arbitratorID, callerID(r))
	s.respondDispute(w, r, d, err)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		Type        string  `json:"type"`
		Title       string  `json:"title"`
		Description *string `json:"description"`
		FileName    string  `json:"fileName"`
		FileType    string  `json:"fileType"`
		FileData    []byte  `json:"fileData"`
		FileURL     *string `json:"fileUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := s.disputeService.AddEvidence(r.Context(), id, dispute.EvidenceParams{
		Type:        dispute.EvidenceType(body.Type),
		Title:       body.Title,
		Description: body.Description,
		FileName:    body.FileName,
		FileType:    body.FileType,
		FileData:    body.FileData,
		FileURL:     body.FileURL,
	}, callerID(r))
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEvidenceResponse(ev))
}

func (s *Server) handleVerifyEvidence(w http.ResponseWriter, r *http.Request, id string) {
	if callerRole(r) != auth.RoleArbitrator && callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "arbitrator role required")
		return
	}

	var body struct {
		EvidenceID string `json:"evidenceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ev, err := s.disputeService.VerifyEvidence(r.Context(), id, body.EvidenceID, callerID(r))
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEvidenceResponse(ev))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request, id string) {
	if callerRole(r) != auth.RoleArbitrator && callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "arbitrator role required")
		return
	}

	var body struct {
		Resolution string `json:"resolution"`
		Notes      string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.disputeService.Resolve(r.Context(), id, dispute.Resolution(body.Resolution), body.Notes, callerID(r))
	s.respondDispute(w, r, d, err)
}

func (s *Server) respondDispute(w http.ResponseWriter, r *http.Request, d dispute.Dispute, err error) {
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

// ─── arbitrators ───

type arbitratorResponse struct {
	ID             string   `json:"id"`
	UserID         string   `json:"userId"`
	Name           string   `json:"name"`
	Specialization []string `json:"specialization,omitempty"`
	ActiveCases    int      `json:"activeCases"`
	TotalResolved  int      `json:"totalResolved"`
	Rating         float64  `json:"rating"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"createdAt"`
}

func toArbitratorResponse(a arbitrator.Arbitrator) arbitratorResponse {
	return arbitratorResponse{
		ID:             a.ID,
		UserID:         a.UserID,
		Name:           a.Name,
		Specialization: a.Specialization,
		ActiveCases:    a.ActiveCases,
		TotalResolved:  a.TotalResolved,
		Rating:         a.Rating,
		Status:         string(a.Status),
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleArbitrators(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.arbitratorService.Available(r.Context())
		if err != nil {
			s.serveDomainError(w, r, err)
			return
		}
		out := make([]arbitratorResponse, len(items))
		for i, a := range items {
			out[i] = toArbitratorResponse(a)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	case http.MethodPost:
		if callerRole(r) != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		var body struct {
			UserID         string   `json:"userId"`
			Name           string   `json:"name"`
			Specialization []string `json:"specialization"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		a, err := s.arbitratorService.Register(r.Context(), arbitrator.RegisterParams{
			UserID:         body.UserID,
			Name:           body.Name,
			Specialization: body.Specialization,
		})
		if err != nil {
			s.serveDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toArbitratorResponse(a))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleArbitratorDetail(w http.ResponseWriter, r *http.Request) {
	id, action := splitDetailPath(r.URL.Path, "/api/arbitrators/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "arbitrator id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a, err := s.arbitratorService.Get(r.Context(), id)
		if err != nil {
			s.serveDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toArbitratorResponse(a))
	case action == "status" && r.Method == http.MethodPatch:
		if callerRole(r) != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		a, err := s.arbitratorService.UpdateStatus(r.Context(), id, arbitrator.Status(body.Status), callerID(r))
		if err != nil {
			s.serveDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toArbitratorResponse(a))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ─── audit ───

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	q := r.URL.Query()
	page, limit := pageParams(q.Get("page"), q.Get("limit"))
	entries, total, err := s.auditService.Find(r.Context(), auditFilters(q.Get("kind"), q.Get("actor"), q.Get("module")), page, limit)
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}

	type entryResponse struct {
		ID        string         `json:"id"`
		Kind      string         `json:"kind"`
		Action    string         `json:"action"`
		Actor     string         `json:"actor"`
		Details   map[string]any `json:"details,omitempty"`
		Severity  string         `json:"severity"`
		Module    string         `json:"module"`
		CreatedAt string         `json:"createdAt"`
	}
	out := make([]entryResponse, len(entries))
	for i, e := range entries {
		out[i] = entryResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Action:    e.Action,
			Actor:     e.Actor,
			Details:   e.Details,
			Severity:  string(e.Severity),
			Module:    e.Module,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if callerRole(r) != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	q := r.URL.Query()
	csv, err := s.auditService.ExportCSV(r.Context(), auditFilters(q.Get("kind"), q.Get("actor"), q.Get("module")))
	if err != nil {
		s.serveDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(csv))
}

func auditFilters(kind, actor, module string) audit.Filters {
	return audit.Filters{
		Kind:   audit.Kind(kind),
		Actor:  actor,
		Module: module,
	}
}

// ─── helpers ───

// splitDetailPath extracts the resource id and optional trailing action from
// paths like /api/escrows/{id}/release.
func splitDetailPath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action
}

func pageParams(pageStr, limitStr string) (int, int) {
	page, _ := strconv.Atoi(pageStr)
	limit, _ := strconv.Atoi(limitStr)
	return page, limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	if s.logger != nil {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

// serveDomainError maps domain sentinel errors onto HTTP status codes.
func (s *Server) serveDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, arbitrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, dispute.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, escrow.ErrValidation),
		errors.Is(err, dispute.ErrValidation),
		errors.Is(err, arbitrator.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, escrow.ErrConflict),
		errors.Is(err, dispute.ErrConflict),
		errors.Is(err, dispute.ErrEscrowNotDisputable),
		errors.Is(err, dispute.ErrArbitratorUnavailable),
		errors.Is(err, arbitrator.ErrAtCapacity),
		errors.Is(err, arbitrator.ErrNotActive),
		errors.Is(err, arbitrator.ErrNoCandidates):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, dispute.ErrNotInArbitration),
		errors.Is(err, escrow.ErrNotExpired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, escrow.ErrSettlementFailed),
		errors.Is(err, escrow.ErrSettlementTimeout):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.serverError(w, r, err)
	}
}
