package queue

import (
	"context"
	"errors"
	"time"

	"github.com/callwise/recallq/internal/audit"
	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidEntryResult      = errors.New("invalid result type, it should be pointer to Entry struct")
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

// Create inserts an entry and mirrors it into the audit trail in one transaction.
func (repository *Repository) Create(ctx context.Context, entry *Entry, changedBy string) error {
	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		err := repository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Create(entry).Error
			if err != nil {
				return err
			}

			return audit.Write(tx, entry.ID, entry.TenantID, audit.ActionInsert, nil, entry, changedBy)
		})
		if err != nil {
			logging.Logger.Error("failed to create queue entry",
				zap.String("entry_id", entry.ID),
				zap.String("tenant_id", entry.TenantID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return entry, nil
	})

	return err
}

// GetByID retrieves one entry.
func (repository *Repository) GetByID(ctx context.Context, id string) (*Entry, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var entry Entry

		err := repository.DBConn.WithContext(ctx).
			Where("id = ?", id).
			First(&entry).Error
		if err != nil {
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

// Transition performs an optimistic conditional update: it only succeeds when
// the entry's status still matches one of fromStatuses. Returns false when a
// concurrent writer won the race. The audit row commits with the update.
func (repository *Repository) Transition(
	ctx context.Context,
	entry *Entry,
	fromStatuses []string,
	updates map[string]any,
	changedBy string,
) (bool, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var claimed bool

		err := repository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			before := *entry

			res := tx.Model(&Entry{}).
				Where("id = ? AND status IN ?", entry.ID, fromStatuses).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}

			if res.RowsAffected == 0 {
				claimed = false
				return nil
			}

			claimed = true

			err := tx.Where("id = ?", entry.ID).First(entry).Error
			if err != nil {
				return err
			}

			return audit.Write(tx, entry.ID, entry.TenantID, audit.ActionUpdate, &before, entry, changedBy)
		})
		if err != nil {
			logging.Logger.Error("failed to transition queue entry",
				zap.String("entry_id", entry.ID),
				zap.Any("updates", updates),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return claimed, nil
	})
	if err != nil {
		return false, err
	}

	claimed, _ := result.(bool)

	return claimed, nil
}

// DueEntries selects queued entries whose next attempt time has arrived,
// highest priority first as a best-effort ordering hint.
func (repository *Repository) DueEntries(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var entries []Entry

		err := repository.DBConn.WithContext(ctx).
			Where("status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", StatusQueued, now).
			Order("CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, next_attempt_at ASC").
			Limit(limit).
			Find(&entries).Error
		if err != nil {
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

// DeadlineEntries selects active entries whose escalation deadline has passed,
// whose SLA deadline expired untouched, or whose rescue window lapsed.
// Deadline handling always runs before regular attempt scheduling.
func (repository *Repository) DeadlineEntries(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var entries []Entry

		err := repository.DBConn.WithContext(ctx).
			Where("status IN ?", ActiveStatuses()).
			Where(
				repository.DBConn.
					Where("escalation_deadline <= ?", now).
					Or("sla_deadline <= ? AND attempt_count = 0", now).
					Or("status = ? AND rescue_window_expires_at IS NOT NULL AND rescue_window_expires_at <= ?",
						StatusAIRescuePending, now),
			).
			Limit(limit).
			Find(&entries).Error
		if err != nil {
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

// List returns a page of entries filtered by tenant and status.
func (repository *Repository) List(
	ctx context.Context,
	tenantID, status string,
	limit, offset int,
) ([]Entry, int64, error) {
	type listResult struct {
		entries []Entry
		total   int64
	}

	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		query := repository.DBConn.WithContext(ctx).Model(&Entry{})

		if tenantID != "" {
			query = query.Where("tenant_id = ?", tenantID)
		}

		if status != "" {
			query = query.Where("status = ?", status)
		}

		var total int64

		err := query.Count(&total).Error
		if err != nil {
			return nil, err
		}

		var entries []Entry

		err = query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error
		if err != nil {
			return nil, err
		}

		return listResult{entries: entries, total: total}, nil
	})
	if err != nil {
		return nil, 0, err
	}

	page, ok := result.(listResult)
	if !ok {
		return nil, 0, ErrInvalidEntrySliceResult
	}

	return page.entries, page.total, nil
}

// CountByStatus feeds the queue depth gauge.
func (repository *Repository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Total  int64
	}

	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var rows []statusCount

		err := repository.DBConn.WithContext(ctx).
			Model(&Entry{}).
			Select("status, COUNT(*) AS total").
			Group("status").
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}

		counts := make(map[string]int64, len(rows))
		for _, row := range rows {
			counts[row.Status] = row.Total
		}

		return counts, nil
	})
	if err != nil {
		return nil, err
	}

	counts, _ := result.(map[string]int64)

	return counts, nil
}

// RetentionExpired returns entries past their data retention cutoff.
func (repository *Repository) RetentionExpired(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var entries []Entry

		err := repository.DBConn.WithContext(ctx).
			Where("data_retention_expires_at <= ?", now).
			Limit(limit).
			Find(&entries).Error
		if err != nil {
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

// DeleteByIDs removes purged entries, writing delete audit rows in the same
// transaction so the trail shows what left the system and when.
func (repository *Repository) DeleteByIDs(ctx context.Context, entries []Entry, changedBy string) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		err := repository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for idx := range entries {
				entry := entries[idx]

				err := tx.Where("id = ?", entry.ID).Delete(&Entry{}).Error
				if err != nil {
					return err
				}

				err = audit.Write(tx, entry.ID, entry.TenantID, audit.ActionDelete, &entry, nil, changedBy)
				if err != nil {
					return err
				}
			}

			return nil
		})

		return nil, err
	})

	return err
}
