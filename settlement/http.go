package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPGateway talks to the settlement service over its JSON API.
type HTTPGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPGateway builds a gateway for the given endpoint. timeout bounds
// every request; zero keeps a 10s default.
func NewHTTPGateway(endpoint, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type instructionRequest struct {
	Action   string          `json:"action"`
	EscrowID string          `json:"escrow_id"`
	BuyerID  string          `json:"buyer_id"`
	SellerID string          `json:"seller_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type receiptResponse struct {
	TransactionHash string `json:"transaction_hash"`
	ContractAddress string `json:"contract_address"`
	Accepted        bool   `json:"accepted"`
}

// Submit posts the instruction. A 4xx answer maps to ErrRejected; client
// timeouts map to ErrTimeout so callers can distinguish an unknown outcome
// from a definite refusal.
func (g *HTTPGateway) Submit(ctx context.Context, in Instruction) (Receipt, error) {
	payload, err := json.Marshal(instructionRequest{
		Action:   string(in.Action),
		EscrowID: in.EscrowID,
		BuyerID:  in.BuyerID,
		SellerID: in.SellerID,
		Amount:   in.Amount,
		Currency: in.Currency,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: encode instruction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/instructions", bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Receipt{}, fmt.Errorf("settlement: submit %s for %s: %w", in.Action, in.EscrowID, ErrTimeout)
		}
		return Receipt{}, fmt.Errorf("settlement: submit %s for %s: %w", in.Action, in.EscrowID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Receipt{}, fmt.Errorf("settlement: submit %s for %s: status %d: %w", in.Action, in.EscrowID, resp.StatusCode, ErrRejected)
	}
	if resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("settlement: submit %s for %s: unexpected status %d", in.Action, in.EscrowID, resp.StatusCode)
	}

	var body receiptResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Receipt{}, fmt.Errorf("settlement: decode receipt: %w", err)
	}
	return Receipt{
		TransactionHash: body.TransactionHash,
		ContractAddress: body.ContractAddress,
		Accepted:        body.Accepted,
	}, nil
}

// Confirm polls the fate of a submitted transaction.
func (g *HTTPGateway) Confirm(ctx context.Context, transactionHash string) (ConfirmationStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"/transactions/"+transactionHash, nil)
	if err != nil {
		return ConfirmationUnknown, fmt.Errorf("settlement: build request: %w", err)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return ConfirmationUnknown, fmt.Errorf("settlement: confirm %s: %w", transactionHash, ErrTimeout)
		}
		return ConfirmationUnknown, fmt.Errorf("settlement: confirm %s: %w", transactionHash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ConfirmationUnknown, fmt.Errorf("settlement: confirm %s: unexpected status %d", transactionHash, resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return ConfirmationUnknown, fmt.Errorf("settlement: decode confirmation: %w", err)
	}

	switch ConfirmationStatus(body.Status) {
	case ConfirmationAccepted, ConfirmationRejected:
		return ConfirmationStatus(body.Status), nil
	default:
		return ConfirmationUnknown, nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
