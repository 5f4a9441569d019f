package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidDecisionResult = errors.New("invalid result type, it should be Decision")

// Service throttles the ingestion webhook per (tenant, client). It is not
// consulted by the internal scheduler.
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

// Check counts this request against the sliding window and classifies the
// caller. Crossing the hard threshold writes a block record that holds until
// blocked_until elapses.
func (service *Service) Check(ctx context.Context, tenantID, clientKey string) (Decision, error) {
	result, err := service.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()

		blocked, err := service.isBlocked(ctx, tenantID, clientKey, now)
		if err != nil {
			return nil, err
		}

		if blocked {
			return Blocked, nil
		}

		total, err := service.countRequest(ctx, tenantID, clientKey, now)
		if err != nil {
			return nil, err
		}

		if total > config.Conf.RateLimitHardThreshold {
			err = service.block(ctx, tenantID, clientKey, now, total)
			if err != nil {
				return nil, err
			}

			return Blocked, nil
		}

		if total > config.Conf.RateLimitSoftThreshold {
			return RateLimited, nil
		}

		return Allowed, nil
	})
	if err != nil {
		return Allowed, err
	}

	decision, ok := result.(Decision)
	if !ok {
		return Allowed, ErrInvalidDecisionResult
	}

	return decision, nil
}

func (service *Service) isBlocked(ctx context.Context, tenantID, clientKey string, now time.Time) (bool, error) {
	var record BlockRecord

	err := service.DBConn.WithContext(ctx).
		Where("tenant_id = ? AND client_key = ? AND blocked_until > ?", tenantID, clientKey, now).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

func (service *Service) countRequest(ctx context.Context, tenantID, clientKey string, now time.Time) (int, error) {
	window := time.Duration(config.Conf.RateLimitWindowSeconds) * time.Second
	bucketStart := now.Truncate(window)

	counter := WindowCounter{
		TenantID:    tenantID,
		ClientKey:   clientKey,
		WindowStart: bucketStart,
		Count:       1,
	}

	err := service.DBConn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "client_key"}, {Name: "window_start"},
			},
			DoUpdates: clause.Assignments(map[string]any{
				"count": gorm.Expr("rate_limit_windows.count + 1"),
			}),
		}).
		Create(&counter).Error
	if err != nil {
		return 0, err
	}

	// Sum the current and previous bucket so the window slides instead of
	// resetting on the bucket boundary.
	var total int64

	err = service.DBConn.WithContext(ctx).
		Model(&WindowCounter{}).
		Where("tenant_id = ? AND client_key = ? AND window_start > ?", tenantID, clientKey, now.Add(-2*window)).
		Select("COALESCE(SUM(count), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}

	return int(total), nil
}

func (service *Service) block(ctx context.Context, tenantID, clientKey string, now time.Time, total int) error {
	blockedUntil := now.Add(time.Duration(config.Conf.RateLimitBlockMinutes) * time.Minute)

	record := BlockRecord{
		TenantID:     tenantID,
		ClientKey:    clientKey,
		BlockedUntil: blockedUntil,
		Reason:       fmt.Sprintf("%d requests in window, hard threshold %d", total, config.Conf.RateLimitHardThreshold),
	}

	logging.Logger.Warn("client blocked for abusive request rate",
		zap.String("tenant_id", tenantID),
		zap.String("client_key", clientKey),
		zap.Int("total", total),
		zap.Time("blocked_until", blockedUntil),
	)

	return service.DBConn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "client_key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"blocked_until": blockedUntil,
				"reason":        record.Reason,
			}),
		}).
		Create(&record).Error
}

// DeleteExpiredBlocks removes block records whose penalty elapsed.
func (service *Service) DeleteExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	result, err := service.CircuitBreaker.Execute(func() (any, error) {
		res := service.DBConn.WithContext(ctx).
			Where("blocked_until <= ?", now).
			Delete(&BlockRecord{})
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

// DeleteStaleWindows removes counter buckets older than a day.
func (service *Service) DeleteStaleWindows(ctx context.Context, now time.Time) (int64, error) {
	result, err := service.CircuitBreaker.Execute(func() (any, error) {
		res := service.DBConn.WithContext(ctx).
			Where("window_start < ?", now.Add(-24*time.Hour)).
			Delete(&WindowCounter{})
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
