package consent

import (
	"time"
)

const (
	StatusPending   = "pending"
	StatusGranted   = "granted"
	StatusDenied    = "denied"
	StatusWithdrawn = "withdrawn"
)

// Record is a customer's communication-consent state within a tenant.
type Record struct {
	TenantID      string     `gorm:"column:tenant_id;type:varchar(64);primaryKey"      json:"tenant_id"`
	CustomerPhone string     `gorm:"column:customer_phone;type:varchar(20);primaryKey" json:"customer_phone"`
	Status        string     `gorm:"column:status;type:varchar(10);default:'pending'"  json:"status"`
	OptOutReason  *string    `gorm:"column:opt_out_reason;type:text"                   json:"opt_out_reason"`
	GrantedAt     *time.Time `gorm:"column:granted_at"                                 json:"granted_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"                  json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"                  json:"updated_at"`
}

func (Record) TableName() string {
	return "consent_records"
}

// Blocked reports whether this consent state forbids any outbound contact.
func (record *Record) Blocked() bool {
	return record.Status == StatusDenied || record.Status == StatusWithdrawn
}
