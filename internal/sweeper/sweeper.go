package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/callwise/recallq/internal/archive"
	"github.com/callwise/recallq/internal/attempt"
	"github.com/callwise/recallq/internal/audit"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/deadletter"
	"github.com/callwise/recallq/internal/idempotency"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/ratelimit"
	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const purgeBatchSize = 500

// Sweeper runs the daily maintenance pass: expired idempotency keys, stale
// rate limit state, old audit rows, resolved dead letters and entries past
// their data retention cutoff.
type Sweeper struct {
	Cron        *cron.Cron
	Queue       *queue.Repository
	Attempts    *attempt.Repository
	Audit       *audit.Recorder
	Idempotency *idempotency.Service
	RateLimits  *ratelimit.Service
	DeadLetters *deadletter.Repository
	Archive     *archive.Client
}

// NewSweeper wires the cleanup pass. archiveClient may be nil when archiving
// of purged entries is disabled.
func NewSweeper(dbConn *gorm.DB, archiveClient *archive.Client) *Sweeper {
	return &Sweeper{
		Cron:        cron.New(),
		Queue:       queue.NewRepository(dbConn),
		Attempts:    attempt.NewRepository(dbConn),
		Audit:       audit.NewRecorder(dbConn),
		Idempotency: idempotency.NewService(dbConn),
		RateLimits:  ratelimit.NewService(dbConn),
		DeadLetters: deadletter.NewRepository(dbConn),
		Archive:     archiveClient,
	}
}

// Start schedules the sweep on the configured cron expression.
func (sweeper *Sweeper) Start(ctx context.Context) error {
	_, err := sweeper.Cron.AddFunc(config.Conf.SweeperSchedule, func() {
		sweeper.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	sweeper.Cron.Start()

	logging.Logger.Info("sweeper scheduled", zap.String("schedule", config.Conf.SweeperSchedule))

	return nil
}

func (sweeper *Sweeper) Stop() {
	<-sweeper.Cron.Stop().Done()
}

// Sweep runs all cleanup phases. The independent phases run concurrently;
// the retention purge runs last because it cascades across tables.
func (sweeper *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		deleted, err := sweeper.Idempotency.DeleteExpired(groupCtx, start)
		if err != nil {
			return fmt.Errorf("idempotency cleanup: %w", err)
		}

		logging.Logger.Info("expired idempotency records purged", zap.Int64("count", deleted))

		return nil
	})

	group.Go(func() error {
		deleted, err := sweeper.RateLimits.DeleteStaleWindows(groupCtx, start)
		if err != nil {
			return fmt.Errorf("rate limit window cleanup: %w", err)
		}

		expired, err := sweeper.RateLimits.DeleteExpiredBlocks(groupCtx, start)
		if err != nil {
			return fmt.Errorf("rate limit block cleanup: %w", err)
		}

		logging.Logger.Info("stale rate limit state purged",
			zap.Int64("windows", deleted),
			zap.Int64("blocks", expired),
		)

		return nil
	})

	group.Go(func() error {
		cutoff := start.Add(-time.Duration(config.Conf.AuditRetentionDays) * 24 * time.Hour)

		deleted, err := sweeper.Audit.DeleteOlderThan(groupCtx, cutoff)
		if err != nil {
			return fmt.Errorf("audit cleanup: %w", err)
		}

		logging.Logger.Info("expired audit records purged", zap.Int64("count", deleted))

		return nil
	})

	group.Go(func() error {
		cutoff := start.Add(-time.Duration(config.Conf.DataRetentionDays) * 24 * time.Hour)

		deleted, err := sweeper.DeadLetters.DeleteResolved(groupCtx, cutoff)
		if err != nil {
			return fmt.Errorf("dead letter cleanup: %w", err)
		}

		logging.Logger.Info("resolved dead letters purged", zap.Int64("count", deleted))

		return nil
	})

	err := group.Wait()
	if err != nil {
		logging.Logger.Error("sweep phase failed", zap.String("error", err.Error()))
	}

	sweeper.purgeExpiredEntries(ctx, start)

	logging.Logger.Info("sweep finished", zap.Duration("took", time.Since(start)))
}

// purgeExpiredEntries removes entries past their retention cutoff, archiving
// each snapshot first when an archive target is configured. The cascade order
// is attempts before entries so a failed purge leaves no orphans behind.
func (sweeper *Sweeper) purgeExpiredEntries(ctx context.Context, now time.Time) {
	for {
		entries, err := sweeper.Queue.RetentionExpired(ctx, now, purgeBatchSize)
		if err != nil {
			logging.Logger.Error("failed to load retention-expired entries", zap.String("error", err.Error()))
			return
		}

		if len(entries) == 0 {
			return
		}

		if sweeper.Archive != nil && config.Conf.ArchivePurgedEntries {
			entries = sweeper.archiveEntries(ctx, entries)
			if len(entries) == 0 {
				return
			}
		}

		ids := make([]string, 0, len(entries))
		for idx := range entries {
			ids = append(ids, entries[idx].ID)
		}

		err = sweeper.Attempts.DeleteByEntryIDs(ctx, ids)
		if err != nil {
			logging.Logger.Error("failed to cascade attempt deletion", zap.String("error", err.Error()))
			return
		}

		err = sweeper.Queue.DeleteByIDs(ctx, entries, "sweeper")
		if err != nil {
			logging.Logger.Error("failed to purge queue entries", zap.String("error", err.Error()))
			return
		}

		logging.Logger.Info("retention-expired entries purged", zap.Int("count", len(entries)))

		if len(entries) < purgeBatchSize {
			return
		}
	}
}

// archiveEntries uploads snapshots and returns only the entries whose archive
// succeeded; the rest stay in the database for the next sweep.
func (sweeper *Sweeper) archiveEntries(ctx context.Context, entries []queue.Entry) []queue.Entry {
	archived := make([]queue.Entry, 0, len(entries))

	for idx := range entries {
		entry := entries[idx]

		payload, err := json.Marshal(&entry)
		if err != nil {
			logging.Logger.Error("failed to marshal entry snapshot",
				zap.String("entry_id", entry.ID),
				zap.String("error", err.Error()),
			)

			continue
		}

		key := fmt.Sprintf("%s/%s.json", entry.TenantID, entry.ID)

		_, err = sweeper.Archive.Store(ctx, key, payload)
		if err != nil {
			logging.Logger.Error("failed to archive entry snapshot",
				zap.String("entry_id", entry.ID),
				zap.String("error", err.Error()),
			)

			continue
		}

		archived = append(archived, entry)
	}

	return archived
}
