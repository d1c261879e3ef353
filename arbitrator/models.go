package arbitrator

import "time"

// Status gates whether an arbitrator may receive new cases.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// DefaultMaxConcurrentCases is the capacity ceiling applied when a Pool is
// built without an explicit limit.
const DefaultMaxConcurrentCases = 5

// Arbitrator is one pool member. ActiveCases always equals the number of
// rows in assignedDisputes and never exceeds the pool's capacity limit.
type Arbitrator struct {
	ID               string
	UserID           string
	Name             string
	Specialization   []string
	ActiveCases      int
	TotalResolved    int
	Rating           float64
	Status           Status
	AssignedDisputes []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RegisterParams is the input to Pool.Register.
type RegisterParams struct {
	UserID         string
	Name           string
	Specialization []string
}
