package attempt

import (
	"context"
	"errors"
	"time"

	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/logging"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidRecordResult      = errors.New("invalid result type, it should be pointer to Record struct")
	ErrInvalidRecordSliceResult = errors.New("invalid result type, it should be slice of Record")
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

// Create appends a record with the next sequential attempt_number for the entry.
func (repository *Repository) Create(ctx context.Context, record *Record) (*Record, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}

		err := repository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var lastNumber int64

			err := tx.Model(&Record{}).
				Where("entry_id = ?", record.EntryID).
				Select("COALESCE(MAX(attempt_number), 0)").
				Scan(&lastNumber).Error
			if err != nil {
				return err
			}

			record.AttemptNumber = int(lastNumber) + 1

			return tx.Create(record).Error
		})
		if err != nil {
			logging.Logger.Error("failed to create attempt record",
				zap.String("entry_id", record.EntryID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return record, nil
	})
	if err != nil {
		return nil, err
	}

	created, ok := result.(*Record)
	if !ok {
		return nil, ErrInvalidRecordResult
	}

	return created, nil
}

// ListByEntry returns the entry's attempts in attempt_number order.
func (repository *Repository) ListByEntry(ctx context.Context, entryID string) ([]Record, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var records []Record

		err := repository.DBConn.WithContext(ctx).
			Where("entry_id = ?", entryID).
			Order("attempt_number ASC").
			Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]Record)
	if !ok {
		return nil, ErrInvalidRecordSliceResult
	}

	return records, nil
}

// MarkResponded records an asynchronous customer reply against the latest attempt.
func (repository *Repository) MarkResponded(ctx context.Context, entryID, response string, respondedAt time.Time) error {
	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var latest Record

		err := repository.DBConn.WithContext(ctx).
			Where("entry_id = ?", entryID).
			Order("attempt_number DESC").
			First(&latest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		if err != nil {
			return nil, err
		}

		updates := map[string]any{
			"response_received": response,
			"customer_engaged":  true,
			"responded_at":      respondedAt,
		}

		err = repository.DBConn.WithContext(ctx).
			Model(&latest).
			Where("id = ?", latest.ID).
			Updates(updates).Error

		return nil, err
	})

	return err
}

// DeleteByEntryIDs cascades attempt deletion when entries are purged.
func (repository *Repository) DeleteByEntryIDs(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}

	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		err := repository.DBConn.WithContext(ctx).
			Where("entry_id IN ?", entryIDs).
			Delete(&Record{}).Error

		return nil, err
	})

	return err
}
