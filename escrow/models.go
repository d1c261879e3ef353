package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the escrow lifecycle state. Pending is initial; released,
// refunded, and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusReleased  Status = "released"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Escrow is one value-transfer agreement. Parties and amount are immutable
// after creation; status moves only through engine-validated transitions and
// rows are never physically deleted.
type Escrow struct {
	ID              string
	BuyerID         string
	SellerID        string
	Amount          decimal.Decimal
	Currency        string
	Status          Status
	ContractAddress *string
	TransactionHash *string
	ArbitratorID    *string
	DisputeID       *string
	ReleaseDate     *time.Time
	ExpiryDate      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateParams is the input to Engine.Create.
type CreateParams struct {
	BuyerID    string
	SellerID   string
	Amount     decimal.Decimal
	Currency   string
	ExpiryDate *time.Time
}

// Filters narrows escrow listings. Zero values are ignored. Party matches
// either side of the agreement.
type Filters struct {
	Status    Status
	BuyerID   string
	SellerID  string
	Party     string
	StartDate *time.Time
	EndDate   *time.Time
}
