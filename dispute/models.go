package dispute

import "time"

// Status is the dispute lifecycle state. The path is forward-only:
// open → under_review → arbitrator_assigned → evidence_collection →
// arbitration → resolved → closed. Closed is terminal.
type Status string

const (
	StatusOpen               Status = "open"
	StatusUnderReview        Status = "under_review"
	StatusArbitratorAssigned Status = "arbitrator_assigned"
	StatusEvidenceCollection Status = "evidence_collection"
	StatusArbitration        Status = "arbitration"
	StatusResolved           Status = "resolved"
	StatusClosed             Status = "closed"
)

// Terminal reports whether the dispute can no longer change.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// Resolution is the arbitrator's verdict on a dispute.
type Resolution string

const (
	ResolutionRefundBuyer   Resolution = "refund_buyer"
	ResolutionReleaseSeller Resolution = "release_seller"
	ResolutionPartialRefund Resolution = "partial_refund"
	ResolutionEscalate      Resolution = "escalate"
	ResolutionCancel        Resolution = "cancel"
)

// EvidenceType classifies a submitted evidence item.
type EvidenceType string

const (
	EvidenceFile        EvidenceType = "file"
	EvidenceNote        EvidenceType = "note"
	EvidenceLink        EvidenceType = "link"
	EvidenceTransaction EvidenceType = "transaction"
)

// EventType classifies a timeline entry.
type EventType string

const (
	EventStatusChange       EventType = "STATUS_CHANGE"
	EventEvidenceAdded      EventType = "EVIDENCE_ADDED"
	EventEvidenceVerified   EventType = "EVIDENCE_VERIFIED"
	EventArbitratorAssigned EventType = "ARBITRATOR_ASSIGNED"
	EventResolution         EventType = "RESOLUTION"
)

// Dispute is one contestation of an escrow. It references the escrow; it
// does not own it. Resolution fields are set exactly when status reaches
// resolved.
type Dispute struct {
	ID              string
	EscrowID        string
	Status          Status
	CreatedBy       string
	AssignedTo      *string
	Title           string
	Description     string
	Resolution      *Resolution
	ResolutionNotes *string
	ResolutionDate  *time.Time
	Evidence        []Evidence
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Evidence is one item submitted in support of a dispute. Immutable once
// verified.
type Evidence struct {
	ID          string
	DisputeID   string
	Type        EvidenceType
	Title       string
	Description *string
	FileURL     *string
	FileType    *string
	FileSize    *int64
	UploadedBy  string
	UploadedAt  time.Time
	Verified    bool
}

// TimelineEvent is one append-only history entry. Seq is dense and
// monotonic per dispute; rows are never rewritten.
type TimelineEvent struct {
	ID          int64
	DisputeID   string
	Seq         int
	Type        EventType
	Description string
	PerformedBy *string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// CreateParams is the input to Workflow.Create.
type CreateParams struct {
	EscrowID    string
	Creator     string
	Title       string
	Description string
}

// EvidenceParams is the input to Workflow.AddEvidence. FileData, when
// present on a file item, is written to the blob store and the resulting
// URL recorded on the evidence row.
type EvidenceParams struct {
	Type        EvidenceType
	Title       string
	Description *string
	FileName    string
	FileType    string
	FileData    []byte
	FileURL     *string
}

// Filters narrows dispute listings. Zero values are ignored.
type Filters struct {
	Status     Status
	EscrowID   string
	CreatedBy  string
	AssignedTo string
	StartDate  *time.Time
	EndDate    *time.Time
}
