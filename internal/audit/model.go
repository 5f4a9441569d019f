package audit

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Record is one append-only row per queue entry mutation, with before/after
// snapshots. Rows are never updated; only the retention sweeper deletes them.
type Record struct {
	ID        string         `gorm:"column:id;type:varchar(36);primaryKey"         json:"id"`
	EntryID   string         `gorm:"column:entry_id;type:varchar(36);index;not null" json:"entry_id"`
	TenantID  string         `gorm:"column:tenant_id;type:varchar(64);index;not null" json:"tenant_id"`
	Action    string         `gorm:"column:action;type:varchar(10);not null"       json:"action"`
	OldValues datatypes.JSON `gorm:"column:old_values;type:jsonb"                  json:"old_values"`
	NewValues datatypes.JSON `gorm:"column:new_values;type:jsonb"                  json:"new_values"`
	ChangedBy string         `gorm:"column:changed_by;type:varchar(64);not null"   json:"changed_by"`
	ChangedAt time.Time      `gorm:"column:changed_at;autoCreateTime;index"        json:"changed_at"`
}

func (Record) TableName() string {
	return "queue_entry_audit"
}
