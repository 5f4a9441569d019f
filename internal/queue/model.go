package queue

import (
	"time"
)

const (
	StatusQueued          = "queued"
	StatusProcessing      = "processing"
	StatusAIRescuePending = "ai_rescue_pending"
	StatusRecovered       = "recovered"
	StatusEscalated       = "escalated"
	StatusFailed          = "failed"
	StatusExpired         = "expired"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

const (
	ConsentPending   = "pending"
	ConsentGranted   = "granted"
	ConsentDenied    = "denied"
	ConsentWithdrawn = "withdrawn"
)

// Entry is one missed-call case under recovery tracking. Status moves
// monotonically except for the bounded queued/processing retry loop; once
// terminal the row is immutable until the retention sweeper removes it.
type Entry struct {
	ID                     string     `gorm:"column:id;type:varchar(36);primaryKey"                  json:"id"`
	TenantID               string     `gorm:"column:tenant_id;type:varchar(64);index;not null"       json:"tenant_id"`
	CallReference          string     `gorm:"column:call_reference;type:varchar(255);not null"       json:"call_reference"`
	CustomerPhone          string     `gorm:"column:customer_phone;type:varchar(20);not null"        json:"customer_phone"`
	Status                 string     `gorm:"column:status;type:varchar(20);index;default:'queued'"  json:"status"`
	Priority               string     `gorm:"column:priority;type:varchar(10);default:'medium'"     json:"priority"`
	SLADeadline            time.Time  `gorm:"column:sla_deadline;not null"                           json:"sla_deadline"`
	EscalationDeadline     time.Time  `gorm:"column:escalation_deadline;index;not null"              json:"escalation_deadline"`
	NextAttemptAt          *time.Time `gorm:"column:next_attempt_at;index"                           json:"next_attempt_at"`
	LastAttemptAt          *time.Time `gorm:"column:last_attempt_at"                                 json:"last_attempt_at"`
	AttemptCount           int        `gorm:"column:attempt_count;default:0"                         json:"attempt_count"`
	MaxAttempts            int        `gorm:"column:max_attempts;not null"                           json:"max_attempts"`
	AIRescueAttempted      bool       `gorm:"column:ai_rescue_attempted;default:false"               json:"ai_rescue_attempted"`
	CustomerResponded      bool       `gorm:"column:customer_responded;default:false"                json:"customer_responded"`
	RecoveryMethod         *string    `gorm:"column:recovery_method;type:varchar(10)"                json:"recovery_method"`
	ConsentStatus          string     `gorm:"column:consent_status;type:varchar(10);default:'pending'" json:"consent_status"`
	OptOutReason           *string    `gorm:"column:opt_out_reason;type:text"                        json:"opt_out_reason"`
	BusinessHoursOverride  bool       `gorm:"column:business_hours_override;default:false"          json:"business_hours_override"`
	RescueWindowExpiresAt  *time.Time `gorm:"column:rescue_window_expires_at"                        json:"rescue_window_expires_at"`
	DataRetentionExpiresAt time.Time  `gorm:"column:data_retention_expires_at;index;not null"        json:"data_retention_expires_at"`
	CreatedAt              time.Time  `gorm:"column:created_at;autoCreateTime"                       json:"created_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at;autoUpdateTime"                       json:"updated_at"`
	ProcessedAt            *time.Time `gorm:"column:processed_at"                                    json:"processed_at"`
	EscalatedAt            *time.Time `gorm:"column:escalated_at"                                    json:"escalated_at"`
}

func (Entry) TableName() string {
	return "queue_entries"
}

// Terminal reports whether the entry reached an immutable final status.
func (entry *Entry) Terminal() bool {
	switch entry.Status {
	case StatusRecovered, StatusEscalated, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// ActiveStatuses are the statuses an entry can still transition out of.
func ActiveStatuses() []string {
	return []string{StatusQueued, StatusProcessing, StatusAIRescuePending}
}

// OutcomeEvent is published to the outcome topic when an entry reaches a
// terminal status, for downstream CRM consumers.
type OutcomeEvent struct {
	EntryID        string     `json:"entry_id"`
	TenantID       string     `json:"tenant_id"`
	CallReference  string     `json:"call_reference"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	RecoveryMethod *string    `json:"recovery_method,omitempty"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// OutcomePublisher forwards terminal transitions to an event stream. Publish
// failures are logged by implementations and never block a transition.
type OutcomePublisher interface {
	PublishOutcome(event *OutcomeEvent)
}
