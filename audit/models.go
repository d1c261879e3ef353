package audit

import "time"

// Kind classifies an audit event.
type Kind string

const (
	KindUserAction    Kind = "USER_ACTION"
	KindSystemAction  Kind = "SYSTEM_ACTION"
	KindSecurityEvent Kind = "SECURITY_EVENT"
	KindDataAccess    Kind = "DATA_ACCESS"
	KindConfigChange  Kind = "CONFIGURATION_CHANGE"
	KindIntegration   Kind = "INTEGRATION_EVENT"
)

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        string
	Kind      Kind
	Action    string
	Actor     string
	Details   map[string]any
	Severity  Severity
	Module    string
	CreatedAt time.Time
}

// Filters narrows audit queries. Zero values are ignored.
type Filters struct {
	Kind      Kind
	Actor     string
	Module    string
	Severity  Severity
	StartDate *time.Time
	EndDate   *time.Time
}
