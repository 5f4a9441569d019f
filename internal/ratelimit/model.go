package ratelimit

import (
	"time"
)

// WindowCounter is one fixed bucket of a sliding window, incremented with a
// single atomic UPDATE so concurrent ingestion workers share consistent
// counts.
type WindowCounter struct {
	TenantID    string    `gorm:"column:tenant_id;type:varchar(64);primaryKey"   json:"tenant_id"`
	ClientKey   string    `gorm:"column:client_key;type:varchar(128);primaryKey" json:"client_key"`
	WindowStart time.Time `gorm:"column:window_start;primaryKey"                 json:"window_start"`
	Count       int       `gorm:"column:count;default:0"                         json:"count"`
}

func (WindowCounter) TableName() string {
	return "rate_limit_windows"
}

// BlockRecord marks a client that crossed the hard threshold.
type BlockRecord struct {
	TenantID     string    `gorm:"column:tenant_id;type:varchar(64);primaryKey"   json:"tenant_id"`
	ClientKey    string    `gorm:"column:client_key;type:varchar(128);primaryKey" json:"client_key"`
	BlockedUntil time.Time `gorm:"column:blocked_until;index;not null"            json:"blocked_until"`
	Reason       string    `gorm:"column:reason;type:text"                        json:"reason"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"               json:"created_at"`
}

func (BlockRecord) TableName() string {
	return "rate_limit_blocks"
}

type Decision int

const (
	Allowed Decision = iota
	RateLimited
	Blocked
)

func (d Decision) String() string {
	switch d {
	case RateLimited:
		return "rate_limited"
	case Blocked:
		return "blocked"
	default:
		return "allowed"
	}
}
