package alerting

import "time"

// Kind identifies the rule that produced an alert.
type Kind string

// Alert kinds. Stored verbatim in the alert ledger.
const (
	KindTVLDrop         Kind = "tvl_drop"
	KindAPYLow          Kind = "apy_low"
	KindUtilizationHigh Kind = "utilization_high"
)

// Severity grades an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Candidate is a rule evaluation result that has not been persisted yet.
type Candidate struct {
	ProtocolID  string
	Kind        Kind
	Severity    Severity
	Message     string
	TriggeredAt time.Time
}
