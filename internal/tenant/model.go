package tenant

import (
	"time"

	"github.com/callwise/recallq/internal/config"
)

// Settings holds the per-tenant recovery policy. Tenants without a row get
// the service-wide defaults from config.
type Settings struct {
	TenantID                string     `gorm:"column:tenant_id;type:varchar(64);primaryKey"         json:"tenant_id"`
	ResponseTimeHours       int        `gorm:"column:response_time_hours"                           json:"response_time_hours"`
	EscalationTimeHours     int        `gorm:"column:escalation_time_hours"                         json:"escalation_time_hours"`
	MaxRetries              int        `gorm:"column:max_retries"                                   json:"max_retries"`
	BusinessHoursStart      int        `gorm:"column:business_hours_start"                          json:"business_hours_start"`
	BusinessHoursEnd        int        `gorm:"column:business_hours_end"                            json:"business_hours_end"`
	BusinessDays            string     `gorm:"column:business_days;type:varchar(20)"                json:"business_days"`
	AIConfidenceThreshold   float64    `gorm:"column:ai_confidence_threshold"                       json:"ai_confidence_threshold"`
	EscalationOnAIFailure   bool       `gorm:"column:escalation_on_ai_failure"                      json:"escalation_on_ai_failure"`
	CountRescueWindowExpiry bool       `gorm:"column:count_rescue_window_expiry"                    json:"count_rescue_window_expiry"`
	ConsentGraceHours       int        `gorm:"column:consent_grace_hours"                           json:"consent_grace_hours"`
	CreatedAt               *time.Time `gorm:"column:created_at;autoCreateTime"                     json:"created_at"`
	UpdatedAt               *time.Time `gorm:"column:updated_at;autoUpdateTime"                     json:"updated_at"`
}

func (Settings) TableName() string {
	return "tenant_settings"
}

// DefaultSettings builds a Settings from service-wide config for tenants
// that never configured their own policy.
func DefaultSettings(tenantID string) *Settings {
	return &Settings{
		TenantID:                tenantID,
		ResponseTimeHours:       config.Conf.DefaultResponseTimeHours,
		EscalationTimeHours:     config.Conf.DefaultEscalationTimeHours,
		MaxRetries:              config.Conf.DefaultMaxRetries,
		BusinessHoursStart:      config.Conf.DefaultBusinessHoursStart,
		BusinessHoursEnd:        config.Conf.DefaultBusinessHoursEnd,
		BusinessDays:            config.Conf.DefaultBusinessDays,
		AIConfidenceThreshold:   config.Conf.AIConfidenceThreshold,
		EscalationOnAIFailure:   config.Conf.EscalationOnAIFailure,
		CountRescueWindowExpiry: config.Conf.CountRescueWindowExpiry,
		ConsentGraceHours:       config.Conf.ConsentGraceHours,
	}
}
