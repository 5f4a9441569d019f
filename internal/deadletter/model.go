package deadletter

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusResolved   = "resolved"
	StatusFailed     = "failed"
)

// Entry is a delivery that failed transiently and waits for the independent
// retry loop. Its retry budget is separate from the queue entry's.
type Entry struct {
	ID           string         `gorm:"column:id;type:varchar(36);primaryKey"             json:"id"`
	QueueEntryID string         `gorm:"column:queue_entry_id;type:varchar(36);index"      json:"queue_entry_id"`
	TenantID     string         `gorm:"column:tenant_id;type:varchar(64)"                 json:"tenant_id"`
	Method       string         `gorm:"column:method;type:varchar(10)"                    json:"method"`
	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb;not null"                json:"payload"`
	FailureReason string        `gorm:"column:failure_reason;type:text"                   json:"failure_reason"`
	Status       string         `gorm:"column:status;type:varchar(12);default:'pending'"  json:"status"`
	RetryCount   int            `gorm:"column:retry_count;default:0"                      json:"retry_count"`
	NextRetryAt  *time.Time     `gorm:"column:next_retry_at;index"                        json:"next_retry_at"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime"                  json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime"                  json:"updated_at"`
}

func (Entry) TableName() string {
	return "delivery_dead_letters"
}
