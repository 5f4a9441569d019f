package breaker

import (
	"time"
)

// State mirrors one breaker's condition into the database so operators can
// inspect it without process access.
type State struct {
	Provider      string    `gorm:"column:provider;type:varchar(32);primaryKey"  json:"provider"`
	TenantID      string    `gorm:"column:tenant_id;type:varchar(64);primaryKey" json:"tenant_id"`
	Status        string    `gorm:"column:status;type:varchar(10)"               json:"status"`
	FailureCount  int       `gorm:"column:failure_count;default:0"               json:"failure_count"`
	LastFailureAt *time.Time `gorm:"column:last_failure_at"                      json:"last_failure_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"             json:"updated_at"`
}

func (State) TableName() string {
	return "circuit_breaker_states"
}
