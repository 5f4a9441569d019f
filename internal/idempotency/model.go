package idempotency

import (
	"time"
)

// Record marks an external event as seen, keyed by (provider, event id).
// Admission is provisional: the row is removed again when downstream
// processing of the event fails, so a later redelivery can succeed.
type Record struct {
	Provider        string    `gorm:"column:provider;type:varchar(64);primaryKey"          json:"provider"`
	ExternalEventID string    `gorm:"column:external_event_id;type:varchar(255);primaryKey" json:"external_event_id"`
	EntryID         *string   `gorm:"column:entry_id;type:varchar(36)"                     json:"entry_id"`
	Attempts        int       `gorm:"column:attempts;default:1"                            json:"attempts"`
	FirstSeenAt     time.Time `gorm:"column:first_seen_at;autoCreateTime"                  json:"first_seen_at"`
	LastSeenAt      time.Time `gorm:"column:last_seen_at;autoCreateTime"                   json:"last_seen_at"`
	ExpiresAt       time.Time `gorm:"column:expires_at;index;not null"                     json:"expires_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}
