package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidAdmitResult = errors.New("invalid result type, it should be bool")

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

// Admit records first sight of an external event and returns true. Any
// redelivery inside the TTL window returns false and only bumps the
// duplicate counters. Expired keys are treated as new.
func (service *Service) Admit(ctx context.Context, provider, externalEventID string) (bool, error) {
	result, err := service.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()
		ttl := time.Duration(config.Conf.IdempotencyTTLHours) * time.Hour

		record := Record{
			Provider:        provider,
			ExternalEventID: externalEventID,
			Attempts:        1,
			FirstSeenAt:     now,
			LastSeenAt:      now,
			ExpiresAt:       now.Add(ttl),
		}

		res := service.DBConn.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&record)
		if res.Error != nil {
			logging.Logger.Error("failed to insert idempotency record",
				zap.String("provider", provider),
				zap.String("external_event_id", externalEventID),
				zap.String("error", res.Error.Error()),
			)

			return nil, res.Error
		}

		if res.RowsAffected > 0 {
			return true, nil
		}

		// Key exists. A lapsed TTL re-admits; the conditional update keeps
		// two concurrent redeliveries from both winning.
		reset := service.DBConn.WithContext(ctx).
			Model(&Record{}).
			Where("provider = ? AND external_event_id = ? AND expires_at <= ?", provider, externalEventID, now).
			Updates(map[string]any{
				"entry_id":      nil,
				"attempts":      1,
				"first_seen_at": now,
				"last_seen_at":  now,
				"expires_at":    now.Add(ttl),
			})
		if reset.Error != nil {
			return nil, reset.Error
		}

		if reset.RowsAffected > 0 {
			return true, nil
		}

		err := service.DBConn.WithContext(ctx).
			Model(&Record{}).
			Where("provider = ? AND external_event_id = ?", provider, externalEventID).
			Updates(map[string]any{
				"attempts":     gorm.Expr("attempts + 1"),
				"last_seen_at": now,
			}).Error
		if err != nil {
			return nil, err
		}

		return false, nil
	})
	if err != nil {
		return false, err
	}

	accepted, ok := result.(bool)
	if !ok {
		return false, ErrInvalidAdmitResult
	}

	return accepted, nil
}

// AttachEntry links the admitted event to the queue entry it produced.
func (service *Service) AttachEntry(ctx context.Context, provider, externalEventID, entryID string) error {
	_, err := service.CircuitBreaker.Execute(func() (any, error) {
		err := service.DBConn.WithContext(ctx).
			Model(&Record{}).
			Where("provider = ? AND external_event_id = ?", provider, externalEventID).
			Update("entry_id", entryID).Error

		return nil, err
	})

	return err
}

// Release rolls back a provisional admission after downstream processing
// failed, so the provider's redelivery is not swallowed as a duplicate.
func (service *Service) Release(ctx context.Context, provider, externalEventID string) error {
	_, err := service.CircuitBreaker.Execute(func() (any, error) {
		err := service.DBConn.WithContext(ctx).
			Where("provider = ? AND external_event_id = ?", provider, externalEventID).
			Delete(&Record{}).Error
		if err != nil {
			logging.Logger.Error("failed to release idempotency record",
				zap.String("provider", provider),
				zap.String("external_event_id", externalEventID),
				zap.String("error", err.Error()),
			)
		}

		return nil, err
	})

	return err
}

// DeleteExpired purges records past their TTL.
func (service *Service) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := service.CircuitBreaker.Execute(func() (any, error) {
		res := service.DBConn.WithContext(ctx).
			Where("expires_at <= ?", now).
			Delete(&Record{})
		if res.Error != nil {
			return nil, res.Error
		}

		return res.RowsAffected, nil
	})
	if err != nil {
		return 0, err
	}

	deleted, _ := result.(int64)

	return deleted, nil
}
