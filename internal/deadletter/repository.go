package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/logging"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidEntryResult      = errors.New("invalid result type, it should be pointer to Entry")
	ErrInvalidEntrySliceResult = errors.New("invalid result type, it should be slice of Entry")
)

type Repository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *Repository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &Repository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

func (repository *Repository) Create(
	ctx context.Context,
	queueEntryID, tenantID, method string,
	payload []byte,
	failureReason string,
) (*Entry, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()
		nextRetry := now.Add(time.Duration(config.Conf.DeadLetterBackoffBaseMinutes) * time.Minute)

		entry := Entry{
			ID:            uuid.NewString(),
			QueueEntryID:  queueEntryID,
			TenantID:      tenantID,
			Method:        method,
			Payload:       datatypes.JSON(payload),
			FailureReason: failureReason,
			Status:        StatusPending,
			NextRetryAt:   &nextRetry,
		}

		err := repository.DBConn.WithContext(ctx).Create(&entry).Error
		if err != nil {
			logging.Logger.Error("failed to create dead letter record",
				zap.String("queue_entry_id", queueEntryID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry, ok := result.(*Entry)
	if !ok {
		return nil, ErrInvalidEntryResult
	}

	return entry, nil
}

func (repository *Repository) GetPending(ctx context.Context) ([]Entry, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var entries []Entry

		err := repository.DBConn.WithContext(ctx).
			Where(
				"status = ? AND next_retry_at <= ? AND retry_count < ?",
				StatusPending,
				time.Now(),
				config.Conf.DeadLetterMaxRetries,
			).
			Order("created_at ASC").
			Limit(config.Conf.DeadLetterLimit).
			Find(&entries).Error
		if err != nil {
			logging.Logger.Error("failed to fetch dead letter entries", zap.String("error", err.Error()))
			return nil, err
		}

		return entries, nil
	})
	if err != nil {
		return nil, err
	}

	entries, ok := result.([]Entry)
	if !ok {
		return nil, ErrInvalidEntrySliceResult
	}

	return entries, nil
}

func (repository *Repository) UpdateStatus(ctx context.Context, entry *Entry, status string) error {
	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		err := repository.DBConn.WithContext(ctx).
			Model(entry).
			Where("id = ?", entry.ID).
			Update("status", status).Error
		if err != nil {
			return nil, err
		}

		return entry, nil
	})

	return err
}

// Reschedule returns the entry to pending at a later time without spending a
// retry. Used when the provider's circuit breaker rejected the attempt.
func (repository *Repository) Reschedule(ctx context.Context, entry *Entry, until time.Time) error {
	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		err := repository.DBConn.WithContext(ctx).
			Model(entry).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":        StatusPending,
				"next_retry_at": until,
			}).Error

		return nil, err
	})

	return err
}

// IncreaseRetryCount spends one dead letter retry. When the budget is
// exhausted the entry goes to failed and stays for operator inspection.
func (repository *Repository) IncreaseRetryCount(ctx context.Context, entry *Entry, errMsg string) error {
	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		retryCount := entry.RetryCount + 1

		status := StatusPending
		if retryCount >= config.Conf.DeadLetterMaxRetries {
			status = StatusFailed

			logging.Logger.Warn("dead letter retries exhausted",
				zap.String("id", entry.ID),
				zap.String("queue_entry_id", entry.QueueEntryID),
				zap.String("failure_reason", errMsg),
			)
		}

		backoff := time.Duration(config.Conf.DeadLetterBackoffBaseMinutes) * time.Minute
		for i := 0; i < retryCount; i++ {
			backoff *= 2
		}

		nextRetry := time.Now().Add(backoff)

		err := repository.DBConn.WithContext(ctx).
			Model(entry).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"retry_count":    gorm.Expr("retry_count + 1"),
				"status":         status,
				"failure_reason": errMsg,
				"next_retry_at":  nextRetry,
			}).Error
		if err != nil {
			logging.Logger.Error("failed to increase dead letter retry count",
				zap.String("id", entry.ID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return entry, nil
	})

	return err
}

func (repository *Repository) Resolve(ctx context.Context, entry *Entry) error {
	return repository.UpdateStatus(ctx, entry, StatusResolved)
}

// DeleteResolved clears resolved rows older than the cutoff.
func (repository *Repository) DeleteResolved(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		res := repository.DBConn.WithContext(ctx).
			Where("status = ? AND updated_at < ?", StatusResolved, cutoff).
			Delete(&Entry{})
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
