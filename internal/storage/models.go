package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is one persisted sample of a protocol's metrics.
// (protocol_id, ts) is the natural key; rows are never updated after insert
// outside the seed tooling.
type Snapshot struct {
	ProtocolID  string
	Timestamp   time.Time
	TVLUSD      *decimal.Decimal
	APY7d       *decimal.Decimal
	Utilization *decimal.Decimal
	CreatedAt   time.Time
}

// Alert captures a persisted anomaly alert. ResolvedAt is nil while the
// alert is open.
type Alert struct {
	ID          int64
	ProtocolID  string
	Kind        string
	Severity    string
	Message     string
	TriggeredAt time.Time
	ResolvedAt  *time.Time
}

// Open reports whether the alert has not been resolved yet.
func (a Alert) Open() bool {
	return a.ResolvedAt == nil
}

// Alert status filters accepted by ListAlerts.
const (
	AlertStatusOpen     = "open"
	AlertStatusResolved = "resolved"
	AlertStatusAll      = "all"
)

// AlertFilter narrows ListAlerts results.
type AlertFilter struct {
	ProtocolID string
	Status     string
	Limit      int
}
