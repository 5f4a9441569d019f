package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/tenant"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEntryTerminal = errors.New("queue entry is in a terminal status")
	ErrLostClaimRace = errors.New("entry was claimed by a concurrent worker")
)

// Service owns every status transition of a queue entry. All writes go
// through the repository's conditional updates so concurrent schedulers
// cannot double-claim or resurrect a terminal case.
type Service struct {
	Repository *Repository
	Tenants    *tenant.Repository
	Outcomes   OutcomePublisher
}

func NewService(dbConn *gorm.DB, outcomes OutcomePublisher) *Service {
	return &Service{
		Repository: NewRepository(dbConn),
		Tenants:    tenant.NewRepository(dbConn),
		Outcomes:   outcomes,
	}
}

type EnqueueParams struct {
	TenantID      string
	CallReference string
	CustomerPhone string
	ConsentStatus string
	Priority      string
	OccurredAt    time.Time
}

// Enqueue creates the case with deadlines derived from the tenant's policy.
// The first attempt is scheduled immediately, deferred into business hours.
func (service *Service) Enqueue(ctx context.Context, params EnqueueParams, changedBy string) (*Entry, error) {
	settings, err := service.Tenants.GetSettings(ctx, params.TenantID)
	if err != nil {
		return nil, err
	}

	occurredAt := params.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	priority := params.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	consentStatus := params.ConsentStatus
	if consentStatus == "" {
		consentStatus = ConsentPending
	}

	firstAttempt := settings.NextOpenTime(occurredAt)

	entry := &Entry{
		ID:                     uuid.NewString(),
		TenantID:               params.TenantID,
		CallReference:          params.CallReference,
		CustomerPhone:          params.CustomerPhone,
		Status:                 StatusQueued,
		Priority:               priority,
		SLADeadline:            occurredAt.Add(time.Duration(settings.ResponseTimeHours) * time.Hour),
		EscalationDeadline:     occurredAt.Add(time.Duration(settings.EscalationTimeHours) * time.Hour),
		NextAttemptAt:          &firstAttempt,
		MaxAttempts:            settings.MaxRetries,
		ConsentStatus:          consentStatus,
		DataRetentionExpiresAt: occurredAt.Add(time.Duration(config.Conf.DataRetentionDays) * 24 * time.Hour),
	}

	err = service.Repository.Create(ctx, entry, changedBy)
	if err != nil {
		return nil, err
	}

	logging.Logger.Info("missed-call case enqueued",
		zap.String("entry_id", entry.ID),
		zap.String("tenant_id", entry.TenantID),
		zap.String("call_reference", entry.CallReference),
		zap.Time("sla_deadline", entry.SLADeadline),
	)

	return entry, nil
}

// ClaimForProcessing moves queued -> processing. At most one caller wins.
func (service *Service) ClaimForProcessing(ctx context.Context, entry *Entry, changedBy string) (bool, error) {
	now := time.Now()

	return service.Repository.Transition(ctx, entry, []string{StatusQueued}, map[string]any{
		"status":       StatusProcessing,
		"processed_at": now,
		"updated_at":   now,
	}, changedBy)
}

// MarkRecovered finishes the case. The external recovery signal is
// idempotent: marking an already-recovered entry is a no-op.
func (service *Service) MarkRecovered(ctx context.Context, entry *Entry, method string, changedBy string) error {
	if entry.Status == StatusRecovered {
		return nil
	}

	if entry.Terminal() {
		return fmt.Errorf("%w: %s", ErrEntryTerminal, entry.Status)
	}

	done, err := service.Repository.Transition(ctx, entry, ActiveStatuses(), map[string]any{
		"status":             StatusRecovered,
		"customer_responded": true,
		"recovery_method":    method,
		"updated_at":         time.Now(),
	}, changedBy)
	if err != nil {
		return err
	}

	if !done {
		return ErrLostClaimRace
	}

	service.publishOutcome(entry)

	return nil
}

// MarkEscalated hands the case to a human. Allowed from any active status;
// the escalation deadline pre-empts every other transition.
func (service *Service) MarkEscalated(ctx context.Context, entry *Entry, changedBy string) error {
	if entry.Status == StatusEscalated {
		return nil
	}

	if entry.Terminal() {
		return fmt.Errorf("%w: %s", ErrEntryTerminal, entry.Status)
	}

	now := time.Now()

	done, err := service.Repository.Transition(ctx, entry, ActiveStatuses(), map[string]any{
		"status":       StatusEscalated,
		"escalated_at": now,
		"updated_at":   now,
	}, changedBy)
	if err != nil {
		return err
	}

	if !done {
		return ErrLostClaimRace
	}

	logging.Logger.Warn("case escalated to human handoff",
		zap.String("entry_id", entry.ID),
		zap.String("tenant_id", entry.TenantID),
		zap.Int("attempt_count", entry.AttemptCount),
	)

	service.publishOutcome(entry)

	return nil
}

// MarkFailed terminates the case with a reason (budget exhausted, permanent
// provider rejection, or compliance violation).
func (service *Service) MarkFailed(ctx context.Context, entry *Entry, reason, changedBy string) error {
	if entry.Terminal() {
		return fmt.Errorf("%w: %s", ErrEntryTerminal, entry.Status)
	}

	done, err := service.Repository.Transition(ctx, entry, ActiveStatuses(), map[string]any{
		"status":         StatusFailed,
		"opt_out_reason": entry.OptOutReason,
		"updated_at":     time.Now(),
	}, changedBy)
	if err != nil {
		return err
	}

	if !done {
		return ErrLostClaimRace
	}

	logging.Logger.Info("case marked failed",
		zap.String("entry_id", entry.ID),
		zap.String("reason", reason),
	)

	service.publishOutcome(entry)

	return nil
}

// MarkExpired ends a case whose SLA deadline passed with no attempt ever made.
func (service *Service) MarkExpired(ctx context.Context, entry *Entry, changedBy string) error {
	if entry.Terminal() {
		return fmt.Errorf("%w: %s", ErrEntryTerminal, entry.Status)
	}

	done, err := service.Repository.Transition(ctx, entry, ActiveStatuses(), map[string]any{
		"status":     StatusExpired,
		"updated_at": time.Now(),
	}, changedBy)
	if err != nil {
		return err
	}

	if !done {
		return ErrLostClaimRace
	}

	service.publishOutcome(entry)

	return nil
}

// RequeueWithBackoff returns a processing entry to the queue after a failed
// attempt, consuming one unit of the retry budget.
func (service *Service) RequeueWithBackoff(
	ctx context.Context,
	entry *Entry,
	settings *tenant.Settings,
	changedBy string,
) error {
	now := time.Now()
	nextAttempt := service.NextAttemptTime(settings, entry, now)

	done, err := service.Repository.Transition(
		ctx,
		entry,
		[]string{StatusProcessing, StatusAIRescuePending},
		map[string]any{
			"status":                   StatusQueued,
			"attempt_count":            gorm.Expr("attempt_count + 1"),
			"last_attempt_at":          now,
			"next_attempt_at":          nextAttempt,
			"rescue_window_expires_at": nil,
			"updated_at":               now,
		},
		changedBy,
	)
	if err != nil {
		return err
	}

	if !done {
		return ErrLostClaimRace
	}

	return nil
}

// DeferAttempt reschedules without touching attempt_count. Used when a
// circuit breaker rejects the attempt or consent is still pending, so
// backpressure never consumes the customer's retry budget.
func (service *Service) DeferAttempt(ctx context.Context, entry *Entry, until time.Time, changedBy string) error {
	done, err := service.Repository.Transition(
		ctx,
		entry,
		[]string{StatusProcessing, StatusQueued, StatusAIRescuePending},
		map[string]any{
			"status":                   StatusQueued,
			"next_attempt_at":          until,
			"rescue_window_expires_at": nil,
			"updated_at":               time.Now(),
		},
		changedBy,
	)
	if err != nil {
		return err
	}

	if !done {
		return ErrLostClaimRace
	}

	return nil
}

// MoveToAIRescue parks an active entry awaiting an asynchronous customer
// reply, bounded by the rescue window. Parking an already-parked entry
// refreshes the window.
func (service *Service) MoveToAIRescue(ctx context.Context, entry *Entry, window time.Duration, changedBy string) error {
	now := time.Now()
	windowExpiry := now.Add(window)

	done, err := service.Repository.Transition(ctx, entry, ActiveStatuses(), map[string]any{
		"status":                   StatusAIRescuePending,
		"rescue_window_expires_at": windowExpiry,
		"updated_at":               now,
	}, changedBy)
	if err != nil {
		return err
	}

	if !done {
		return ErrLostClaimRace
	}

	return nil
}

// MarkAIRescueAttempted flags that an AI-composed message reached the
// customer, so budget exhaustion knows a rescue was already tried.
func (service *Service) MarkAIRescueAttempted(ctx context.Context, entry *Entry, changedBy string) error {
	done, err := service.Repository.Transition(ctx, entry, ActiveStatuses(), map[string]any{
		"ai_rescue_attempted": true,
		"updated_at":          time.Now(),
	}, changedBy)
	if err != nil {
		return err
	}

	if !done {
		return ErrLostClaimRace
	}

	return nil
}

// NextAttemptTime computes the exponential backoff (base * 2^attempt_count,
// capped) and defers into the tenant's business hours unless the entry
// overrides them. Deadlines themselves are never shifted.
func (service *Service) NextAttemptTime(settings *tenant.Settings, entry *Entry, now time.Time) time.Time {
	base := time.Duration(config.Conf.RetryBackoffBaseMinutes) * time.Minute
	cap := time.Duration(config.Conf.RetryBackoffCapMinutes) * time.Minute

	backoff := base
	for i := 0; i < entry.AttemptCount; i++ {
		backoff *= 2
		if backoff >= cap {
			backoff = cap
			break
		}
	}

	next := now.Add(backoff)
	if entry.BusinessHoursOverride {
		return next
	}

	return settings.NextOpenTime(next)
}

func (service *Service) publishOutcome(entry *Entry) {
	if service.Outcomes == nil {
		return
	}

	service.Outcomes.PublishOutcome(&OutcomeEvent{
		EntryID:        entry.ID,
		TenantID:       entry.TenantID,
		CallReference:  entry.CallReference,
		Status:         entry.Status,
		AttemptCount:   entry.AttemptCount,
		RecoveryMethod: entry.RecoveryMethod,
		EscalatedAt:    entry.EscalatedAt,
		OccurredAt:     time.Now(),
	})
}
