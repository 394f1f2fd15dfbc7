package models

import "time"

// DefaultHardMultiplier is applied when a budget does not override it.
// hardLimit = softLimit * hardMultiplier.
const DefaultHardMultiplier = 1.5

// WindowKind identifies the budget enforcement window.
type WindowKind string

const (
	WindowDaily   WindowKind = "daily"
	WindowMonthly WindowKind = "monthly"
)

// PeriodKind identifies the granularity of a rollup row.
type PeriodKind string

const (
	PeriodHour  PeriodKind = "hour"
	PeriodDay   PeriodKind = "day"
	PeriodMonth PeriodKind = "month"
)

// MetricSample is a single usage observation ingested from the stream.
// Consumed and discarded after the accounting update.
type MetricSample struct {
	Scope     TenantScope
	Metrics   map[string]float64
	Timestamp time.Time
}

// Budget is externally sourced threshold configuration, read-only to the
// engine. Absence of a budget for a scope means nothing is enforced.
type Budget struct {
	Scope          string
	Metric         string
	SoftLimit      float64
	HardMultiplier float64
	Window         WindowKind
}

// HardLimit returns softLimit * hardMultiplier, falling back to the
// default multiplier when the budget does not set one.
func (b Budget) HardLimit() float64 {
	m := b.HardMultiplier
	if m <= 0 {
		m = DefaultHardMultiplier
	}
	return b.SoftLimit * m
}

// BreakerStatus is the admission tier for a (scope, metric).
type BreakerStatus string

const (
	StatusClosed  BreakerStatus = "closed"
	StatusWarning BreakerStatus = "warning"
	StatusOpen    BreakerStatus = "open"
)

// BreakerState is the stored breaker verdict for a (scope, metric).
// It expires after a bounded TTL but is re-evaluated every sweep; a fresh
// CLOSED verdict from evaluation, not expiry, is the reset mechanism.
type BreakerState struct {
	Scope     string        `json:"scope"`
	Metric    string        `json:"metric"`
	Status    BreakerStatus `json:"status"`
	TrippedAt *time.Time    `json:"tripped_at,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// PIDState is the persisted throttle controller state for a tenant scope.
// Recreated fresh (zeroed) if missing or expired; that is not an error.
type PIDState struct {
	Scope        string    `json:"scope"`
	Integral     float64   `json:"integral"`
	PrevError    float64   `json:"prev_error"`
	LastUpdate   time.Time `json:"last_update"`
	ThrottleRate float64   `json:"throttle_rate"`
}

// PeriodRollup is an exact aggregate keyed by (scope, period kind,
// period start, metric). Upserted atomically; re-running a rollup for a
// past period reproduces identical values.
type PeriodRollup struct {
	Scope       string
	Period      PeriodKind
	PeriodStart time.Time
	Metric      string
	Value       float64
}

// AnomalyRecord is an append-only audit fact emitted when usage deviates
// from the rolling baseline.
type AnomalyRecord struct {
	Scope           string
	Metric          string
	ObservedValue   float64
	BaselineMean    float64
	BaselineStddev  float64
	DeviationFactor float64
	DetectedAt      time.Time
}

// AuditEventType classifies audit trail entries.
type AuditEventType string

const (
	AuditTrip    AuditEventType = "trip"
	AuditReset   AuditEventType = "reset"
	AuditWarn    AuditEventType = "warn"
	AuditAnomaly AuditEventType = "anomaly"
	AuditRollup  AuditEventType = "rollup"
)

// AuditEvent is an append-only record of a governance decision.
// Never mutated or deleted by this engine.
type AuditEvent struct {
	Scope     string
	Type      AuditEventType
	Actor     string
	Reason    string
	Metadata  map[string]interface{}
	Timestamp time.Time
}
