package consent

import (
	"context"
	"errors"
	"time"

	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidStatusResult = errors.New("invalid result type, it should be string")

type Service struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewService(dbConn *gorm.DB) *Service {
	cbSettings := database.GetCircuitBreakerSettings()

	return &Service{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Evaluate returns the customer's consent status. Customers never seen
// before are pending: enqueue is allowed but outbound attempts are blocked
// until consent resolves or the tenant's grace period lapses.
func (service *Service) Evaluate(ctx context.Context, tenantID, customerPhone string) (string, error) {
	result, err := service.CircuitBreaker.Execute(func() (any, error) {
		var record Record

		err := service.DBConn.WithContext(ctx).
			Where("tenant_id = ? AND customer_phone = ?", tenantID, customerPhone).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StatusPending, nil
		}

		if err != nil {
			return nil, err
		}

		return record.Status, nil
	})
	if err != nil {
		return "", err
	}

	status, ok := result.(string)
	if !ok {
		return "", ErrInvalidStatusResult
	}

	return status, nil
}

// Set upserts a consent decision, e.g. from a STOP keyword or a consent
// webhook. Withdrawals keep their opt-out reason for the audit trail.
func (service *Service) Set(ctx context.Context, tenantID, customerPhone, status string, optOutReason *string) error {
	_, err := service.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()

		record := Record{
			TenantID:      tenantID,
			CustomerPhone: customerPhone,
			Status:        status,
			OptOutReason:  optOutReason,
		}

		if status == StatusGranted {
			record.GrantedAt = &now
		}

		err := service.DBConn.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "tenant_id"}, {Name: "customer_phone"}},
				DoUpdates: clause.Assignments(map[string]any{
					"status":         status,
					"opt_out_reason": optOutReason,
					"granted_at":     record.GrantedAt,
					"updated_at":     now,
				}),
			}).
			Create(&record).Error
		if err != nil {
			logging.Logger.Error("failed to upsert consent record",
				zap.String("tenant_id", tenantID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

// GraceExpired reports whether a case stuck in pending consent has outlived
// the tenant's grace period and must be treated as denied.
func GraceExpired(createdAt time.Time, graceHours int, now time.Time) bool {
	return now.After(createdAt.Add(time.Duration(graceHours) * time.Hour))
}
