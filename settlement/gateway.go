// Package settlement abstracts the external service that moves escrowed
// funds. The core engine only ever sees an instruction/receipt pair; chain
// details, signing, and finality live behind the Gateway interface.
package settlement

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Action identifies the on-chain effect of an instruction.
type Action string

const (
	ActionCreate  Action = "create"
	ActionRelease Action = "release"
	ActionDispute Action = "dispute"
	ActionRefund  Action = "refund"
)

// Instruction is one settlement request for an escrow.
type Instruction struct {
	Action   Action
	EscrowID string
	BuyerID  string
	SellerID string
	Amount   decimal.Decimal
	Currency string
}

// Receipt reports acceptance of an instruction. Accepted means the gateway
// took the instruction, not that it reached finality; callers poll Confirm
// for that. ContractAddress is set on create receipts once the gateway has
// deployed (or located) the escrow contract.
type Receipt struct {
	TransactionHash string
	ContractAddress string
	Accepted        bool
}

// ConfirmationStatus is the eventual fate of a submitted transaction.
type ConfirmationStatus string

const (
	ConfirmationAccepted ConfirmationStatus = "accepted"
	ConfirmationRejected ConfirmationStatus = "rejected"
	ConfirmationUnknown  ConfirmationStatus = "unknown"
)

var (
	// ErrRejected signals the gateway refused the instruction outright.
	ErrRejected = errors.New("settlement: instruction rejected")
	// ErrTimeout signals the gateway did not answer within the bound.
	ErrTimeout = errors.New("settlement: gateway timed out")
)

// Gateway submits settlement instructions and reports confirmations.
// Implementations may be slow or unreliable; callers must never hold entity
// locks across these calls.
type Gateway interface {
	Submit(ctx context.Context, in Instruction) (Receipt, error)
	Confirm(ctx context.Context, transactionHash string) (ConfirmationStatus, error)
}
