package audit

import (
	"context"
	"time"

	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/logging"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Recorder struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRecorder(dbConn *gorm.DB) *Recorder {
	cbSettings := database.GetCircuitBreakerSettings()

	return &Recorder{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Write appends one audit row inside the caller's transaction, so the
// snapshot commits or rolls back together with the mutation it mirrors.
func Write(tx *gorm.DB, entryID, tenantID, action string, oldValues, newValues any, changedBy string) error {
	record := Record{
		ID:        uuid.NewString(),
		EntryID:   entryID,
		TenantID:  tenantID,
		Action:    action,
		ChangedBy: changedBy,
	}

	if oldValues != nil {
		raw, err := json.Marshal(oldValues)
		if err != nil {
			return err
		}

		record.OldValues = raw
	}

	if newValues != nil {
		raw, err := json.Marshal(newValues)
		if err != nil {
			return err
		}

		record.NewValues = raw
	}

	return tx.Create(&record).Error
}

// ListByEntry returns the audit history of one queue entry, oldest first.
func (recorder *Recorder) ListByEntry(ctx context.Context, entryID string) ([]Record, error) {
	result, err := recorder.CircuitBreaker.Execute(func() (any, error) {
		var records []Record

		err := recorder.DBConn.WithContext(ctx).
			Where("entry_id = ?", entryID).
			Order("changed_at ASC").
			Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, _ := result.([]Record)

	return records, nil
}

// DeleteOlderThan purges audit rows past their retention cutoff.
func (recorder *Recorder) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := recorder.CircuitBreaker.Execute(func() (any, error) {
		res := recorder.DBConn.WithContext(ctx).
			Where("changed_at < ?", cutoff).
			Delete(&Record{})
		if res.Error != nil {
			logging.Logger.Error("failed to delete expired audit records",
				zap.String("error", res.Error.Error()),
			)

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
