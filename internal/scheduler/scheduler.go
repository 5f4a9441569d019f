package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/callwise/recallq/internal/attempt"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/outreach"
	"github.com/callwise/recallq/internal/prometheus"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/tenant"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNotClaimable = errors.New("entry is not claimable for processing")

// Scheduler polls for work on a fixed interval. Deadline resolution always
// runs before attempt dispatch so an overdue case escalates instead of
// getting one more attempt.
type Scheduler struct {
	Queue      *queue.Service
	Tenants    *tenant.Repository
	Attempts   *attempt.Repository
	Handler    *outreach.Handler
	WorkerPool *ants.Pool

	running atomic.Bool
}

func New(dbConn *gorm.DB, queueService *queue.Service, handler *outreach.Handler) (*Scheduler, error) {
	workerPool, err := ants.NewPool(config.Conf.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	scheduler := &Scheduler{
		Queue:      queueService,
		Tenants:    tenant.NewRepository(dbConn),
		Attempts:   attempt.NewRepository(dbConn),
		Handler:    handler,
		WorkerPool: workerPool,
	}

	scheduler.running.Store(true)

	return scheduler, nil
}

// Start resumes dispatching. Idempotent.
func (scheduler *Scheduler) Start() {
	if scheduler.running.CompareAndSwap(false, true) {
		logging.Logger.Info("scheduler started")
	}
}

// Stop pauses dispatching without tearing down the poll loop. In-flight
// attempts finish; new cycles are skipped until Start.
func (scheduler *Scheduler) Stop() {
	if scheduler.running.CompareAndSwap(true, false) {
		logging.Logger.Info("scheduler stopped")
	}
}

func (scheduler *Scheduler) Running() bool {
	return scheduler.running.Load()
}

func (scheduler *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.Conf.SchedulerPollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !scheduler.running.Load() {
				continue
			}

			scheduler.cycle(ctx)
		}
	}
}

func (scheduler *Scheduler) cycle(ctx context.Context) {
	start := time.Now()
	now := start
	batch := config.Conf.SchedulerBatchSize

	deadlined, err := scheduler.Queue.Repository.DeadlineEntries(ctx, now, batch)
	if err != nil {
		logging.Logger.Error("failed to load deadline entries", zap.String("error", err.Error()))
	}

	for idx := range deadlined {
		entry := deadlined[idx]
		scheduler.resolveDeadline(ctx, &entry, now)
	}

	due, err := scheduler.Queue.Repository.DueEntries(ctx, now, batch)
	if err != nil {
		logging.Logger.Error("failed to load due entries", zap.String("error", err.Error()))
	}

	for idx := range due {
		entry := due[idx]

		err := scheduler.WorkerPool.Submit(func() {
			scheduler.dispatch(ctx, &entry)
		})
		if err != nil {
			logging.Logger.Error("failed to submit attempt job",
				zap.String("entry_id", entry.ID),
				zap.String("error", err.Error()),
			)
		}
	}

	scheduler.updateQueueDepth(ctx)
	prometheus.SchedulerCycleDuration.Observe(time.Since(start).Seconds())
}

func (scheduler *Scheduler) dispatch(ctx context.Context, entry *queue.Entry) {
	claimed, err := scheduler.Queue.ClaimForProcessing(ctx, entry, "scheduler")
	if err != nil {
		logging.Logger.Error("failed to claim entry",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)

		return
	}

	if !claimed {
		// A concurrent scheduler instance won the race.
		return
	}

	err = scheduler.Handler.Attempt(ctx, entry)
	if err != nil {
		logging.Logger.Error("attempt failed",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)
	}
}

// resolveDeadline applies deadline semantics in precedence order: escalation
// deadline first, then the lapsed rescue window, then SLA expiry for cases
// never attempted.
func (scheduler *Scheduler) resolveDeadline(ctx context.Context, entry *queue.Entry, now time.Time) {
	settings, err := scheduler.Tenants.GetSettings(ctx, entry.TenantID)
	if err != nil {
		logging.Logger.Error("failed to load tenant settings",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)

		return
	}

	switch {
	case !entry.EscalationDeadline.After(now):
		err = scheduler.Queue.MarkEscalated(ctx, entry, "scheduler")

	case entry.Status == queue.StatusAIRescuePending &&
		entry.RescueWindowExpiresAt != nil && !entry.RescueWindowExpiresAt.After(now):
		scheduler.resolveRescueSilence(ctx, entry, settings)
		return

	case !entry.SLADeadline.After(now) && entry.AttemptCount == 0:
		err = scheduler.Queue.MarkExpired(ctx, entry, "scheduler")

	default:
		return
	}

	if err != nil && !errors.Is(err, queue.ErrLostClaimRace) {
		logging.Logger.Error("failed to resolve deadline",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)
	}
}

// resolveRescueSilence closes the rescue window after the customer stayed
// silent. The case re-enters the retry queue while budget remains and goes to
// a human once the budget is spent. Whether the silent window consumes budget
// follows the tenant's count_rescue_window_expiry policy.
func (scheduler *Scheduler) resolveRescueSilence(ctx context.Context, entry *queue.Entry, settings *tenant.Settings) {
	if entry.AttemptCount >= entry.MaxAttempts {
		err := scheduler.Queue.MarkEscalated(ctx, entry, "scheduler")
		if err != nil && !errors.Is(err, queue.ErrLostClaimRace) {
			logging.Logger.Error("failed to escalate after rescue window",
				zap.String("entry_id", entry.ID),
				zap.String("error", err.Error()),
			)
		}

		return
	}

	if !settings.CountRescueWindowExpiry {
		next := scheduler.Queue.NextAttemptTime(settings, entry, time.Now())

		err := scheduler.Queue.DeferAttempt(ctx, entry, next, "scheduler")
		if err != nil && !errors.Is(err, queue.ErrLostClaimRace) {
			logging.Logger.Error("failed to requeue after rescue window",
				zap.String("entry_id", entry.ID),
				zap.String("error", err.Error()),
			)
		}

		return
	}

	reason := "rescue window lapsed without a reply"

	_, err := scheduler.Attempts.Create(ctx, &attempt.Record{
		EntryID:       entry.ID,
		Method:        "sms",
		MessageSent:   "",
		Success:       false,
		FailureReason: &reason,
		AttemptedAt:   time.Now(),
	})
	if err != nil {
		logging.Logger.Error("failed to record rescue window expiry",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)
	}

	err = scheduler.Queue.RequeueWithBackoff(ctx, entry, settings, "scheduler")
	if err != nil && !errors.Is(err, queue.ErrLostClaimRace) {
		logging.Logger.Error("failed to requeue after rescue window",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)

		return
	}

	if entry.AttemptCount >= entry.MaxAttempts {
		// The counted silence spent the last budget unit.
		err = scheduler.Queue.MarkEscalated(ctx, entry, "scheduler")
		if err != nil && !errors.Is(err, queue.ErrLostClaimRace) {
			logging.Logger.Error("failed to escalate after rescue window",
				zap.String("entry_id", entry.ID),
				zap.String("error", err.Error()),
			)
		}
	}
}

// ProcessNow runs one synchronous attempt for an entry, bypassing the poll
// interval. Used by the operator API.
func (scheduler *Scheduler) ProcessNow(ctx context.Context, entryID string) error {
	entry, err := scheduler.Queue.Repository.GetByID(ctx, entryID)
	if err != nil {
		return err
	}

	claimed, err := scheduler.Queue.ClaimForProcessing(ctx, entry, "operator")
	if err != nil {
		return err
	}

	if !claimed {
		return ErrNotClaimable
	}

	return scheduler.Handler.Attempt(ctx, entry)
}

func (scheduler *Scheduler) updateQueueDepth(ctx context.Context) {
	counts, err := scheduler.Queue.Repository.CountByStatus(ctx)
	if err != nil {
		return
	}

	for _, status := range []string{
		queue.StatusQueued, queue.StatusProcessing, queue.StatusAIRescuePending,
		queue.StatusRecovered, queue.StatusEscalated, queue.StatusFailed, queue.StatusExpired,
	} {
		prometheus.QueueDepth.WithLabelValues(status).Set(float64(counts[status]))
	}
}
