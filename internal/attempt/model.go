package attempt

import (
	"time"
)

const (
	MethodSMS   = "sms"
	MethodCall  = "call"
	MethodEmail = "email"
)

// Record is one row per outreach try. Records are owned by exactly one queue
// entry and are never mutated after creation, except to note a later customer
// response on the most recent try.
type Record struct {
	ID                  string     `gorm:"column:id;type:varchar(36);primaryKey"             json:"id"`
	EntryID             string     `gorm:"column:entry_id;type:varchar(36);not null;uniqueIndex:idx_attempt_entry_number,priority:1" json:"entry_id"`
	AttemptNumber       int        `gorm:"column:attempt_number;not null;uniqueIndex:idx_attempt_entry_number,priority:2"            json:"attempt_number"`
	Method              string     `gorm:"column:method;type:varchar(10);not null"           json:"method"`
	MessageSent         string     `gorm:"column:message_sent;type:text"                     json:"message_sent"`
	ResponseReceived    *string    `gorm:"column:response_received;type:text"                json:"response_received"`
	AIConfidenceScore   *float64   `gorm:"column:ai_confidence_score"                        json:"ai_confidence_score"`
	Success             bool       `gorm:"column:success;not null"                           json:"success"`
	CustomerEngaged     bool       `gorm:"column:customer_engaged;not null"                  json:"customer_engaged"`
	EscalationTriggered bool       `gorm:"column:escalation_triggered;not null"              json:"escalation_triggered"`
	FailureReason       *string    `gorm:"column:failure_reason;type:text"                   json:"failure_reason"`
	AttemptedAt         time.Time  `gorm:"column:attempted_at;autoCreateTime"                json:"attempted_at"`
	RespondedAt         *time.Time `gorm:"column:responded_at"                               json:"responded_at"`
}

func (Record) TableName() string {
	return "attempt_records"
}
