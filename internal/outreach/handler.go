package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callwise/recallq/internal/airesponder"
	"github.com/callwise/recallq/internal/attempt"
	"github.com/callwise/recallq/internal/breaker"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/consent"
	"github.com/callwise/recallq/internal/courier"
	"github.com/callwise/recallq/internal/deadletter"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/prometheus"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/tenant"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultTemplate = "Sorry we missed your call. Reply to this message and we will get right back to you."

var contactMethods = []string{courier.MethodSMS, courier.MethodCall, courier.MethodEmail}

// Handler runs one outreach attempt for a claimed case and routes customer
// replies. It owns the retry budget accounting: breaker rejections and
// consent holds defer without spending an attempt, only completed deliveries
// consume budget.
type Handler struct {
	Queue       *queue.Service
	Tenants     *tenant.Repository
	Attempts    *attempt.Repository
	Consents    *consent.Service
	DeadLetters *deadletter.Service
	Breakers    *breaker.Registry
	Sender      courier.Sender
	Assessor    airesponder.Assessor
}

func NewHandler(
	dbConn *gorm.DB,
	queueService *queue.Service,
	deadLetters *deadletter.Service,
	breakers *breaker.Registry,
	sender courier.Sender,
	assessor airesponder.Assessor,
) *Handler {
	return &Handler{
		Queue:       queueService,
		Tenants:     tenant.NewRepository(dbConn),
		Attempts:    attempt.NewRepository(dbConn),
		Consents:    consent.NewService(dbConn),
		DeadLetters: deadLetters,
		Breakers:    breakers,
		Sender:      sender,
		Assessor:    assessor,
	}
}

// Attempt contacts the customer for an entry already claimed into processing.
func (handler *Handler) Attempt(ctx context.Context, entry *queue.Entry) error {
	start := time.Now()

	settings, err := handler.Tenants.GetSettings(ctx, entry.TenantID)
	if err != nil {
		return err
	}

	proceed, err := handler.checkConsent(ctx, entry, settings)
	if err != nil || !proceed {
		return err
	}

	if entry.AttemptCount >= entry.MaxAttempts {
		// The retry budget is spent. Nothing more goes out.
		entry.OptOutReason = nil

		return handler.Queue.MarkFailed(ctx, entry, "retry budget exhausted", "scheduler")
	}

	method := contactMethods[entry.AttemptCount%len(contactMethods)]

	body := defaultTemplate
	aiComposed := false

	if entry.AttemptCount > 0 && handler.Assessor != nil {
		composition, composeErr := handler.Assessor.ComposeMessage(ctx, entry.ID, entry.TenantID, entry.AttemptCount+1)

		switch {
		case composeErr != nil || composition == nil || composition.SuggestedReply == "":
			logging.Logger.Warn("message composition fell back to template",
				zap.String("entry_id", entry.ID),
			)

		case composition.Confidence < settings.AIConfidenceThreshold:
			// Not confident enough to contact the customer unattended.
			logging.Logger.Info("low confidence composition",
				zap.String("entry_id", entry.ID),
				zap.Float64("confidence", composition.Confidence),
			)

			return handler.holdForHuman(ctx, entry, settings, "scheduler")

		default:
			body = composition.SuggestedReply
			aiComposed = true
		}
	}

	message := &courier.Message{
		EntryID:       entry.ID,
		TenantID:      entry.TenantID,
		Method:        method,
		CustomerPhone: entry.CustomerPhone,
		Body:          body,
	}

	result, err := handler.Breakers.Execute(method, entry.TenantID, func() (any, error) {
		return handler.Sender.Send(ctx, message)
	})

	prometheus.AttemptDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	switch {
	case breaker.IsOpenErr(err):
		// Provider is down for this tenant. Back off without burning the
		// customer's retry budget.
		until := time.Now().Add(time.Duration(config.Conf.ProviderOpenDurationSeconds) * time.Second)

		logging.Logger.Warn("attempt rejected by open circuit breaker",
			zap.String("entry_id", entry.ID),
			zap.String("method", method),
			zap.Time("deferred_until", until),
		)

		return handler.Queue.DeferAttempt(ctx, entry, until, "scheduler")

	case errors.Is(err, courier.ErrCourierRejected):
		handler.recordAttempt(ctx, entry, method, body, false, err.Error())

		entry.OptOutReason = nil

		return handler.Queue.MarkFailed(ctx, entry, "provider permanently rejected delivery", "scheduler")

	case err != nil:
		handler.recordAttempt(ctx, entry, method, body, false, err.Error())

		dlErr := handler.DeadLetters.Mark(ctx, message, err.Error())
		if dlErr != nil {
			logging.Logger.Error("failed to dead letter delivery",
				zap.String("entry_id", entry.ID),
				zap.String("error", dlErr.Error()),
			)
		}

		// The dead letter loop owns redelivery now; the case re-enters the
		// queue only so the deadline pass keeps watching it.
		next := handler.Queue.NextAttemptTime(settings, entry, time.Now())

		return handler.Queue.DeferAttempt(ctx, entry, next, "scheduler")
	}

	sendResult, ok := result.(*courier.Result)
	if !ok {
		return fmt.Errorf("unexpected courier result type %T", result)
	}

	handler.recordAttempt(ctx, entry, method, body, true, "")

	if aiComposed {
		flagErr := handler.Queue.MarkAIRescueAttempted(ctx, entry, "scheduler")
		if flagErr != nil {
			logging.Logger.Error("failed to flag ai delivery",
				zap.String("entry_id", entry.ID),
				zap.String("error", flagErr.Error()),
			)
		}
	}

	if sendResult.Engaged {
		return handler.Queue.MarkRecovered(ctx, entry, method, "scheduler")
	}

	// No engagement yet. The delivery consumed one attempt.
	err = handler.Queue.RequeueWithBackoff(ctx, entry, settings, "scheduler")
	if err != nil {
		return err
	}

	if entry.AttemptCount >= entry.MaxAttempts {
		// The last budgeted delivery went unanswered.
		entry.OptOutReason = nil

		return handler.Queue.MarkFailed(ctx, entry, "retry budget exhausted", "scheduler")
	}

	return nil
}

// checkConsent enforces the consent gate right before contact. Returns false
// when the attempt must not proceed.
func (handler *Handler) checkConsent(ctx context.Context, entry *queue.Entry, settings *tenant.Settings) (bool, error) {
	status, err := handler.Consents.Evaluate(ctx, entry.TenantID, entry.CustomerPhone)
	if err != nil {
		return false, err
	}

	switch status {
	case consent.StatusGranted:
		return true, nil

	case consent.StatusDenied, consent.StatusWithdrawn:
		reason := "customer opted out of contact"
		entry.OptOutReason = &reason

		logging.Logger.Info("attempt blocked by consent",
			zap.String("entry_id", entry.ID),
			zap.String("consent_status", status),
		)

		return false, handler.Queue.MarkFailed(ctx, entry, "consent "+status, "scheduler")

	default:
		if consent.GraceExpired(entry.CreatedAt, settings.ConsentGraceHours, time.Now()) {
			reason := "consent grace period expired without a grant"
			entry.OptOutReason = &reason

			return false, handler.Queue.MarkFailed(ctx, entry, "consent grace period expired", "scheduler")
		}

		// Still inside the grace period: wait for consent to resolve
		// without spending the retry budget.
		graceEnd := entry.CreatedAt.Add(time.Duration(settings.ConsentGraceHours) * time.Hour)
		pollAgain := time.Now().Add(time.Duration(config.Conf.SchedulerPollInterval) * time.Second * 5)

		until := pollAgain
		if graceEnd.Before(until) {
			until = graceEnd
		}

		return false, handler.Queue.DeferAttempt(ctx, entry, until, "scheduler")
	}
}

// holdForHuman routes a case the AI cannot confidently handle: parked inside
// the rescue window awaiting a reply, or straight to a human when the tenant
// escalates on AI failure.
func (handler *Handler) holdForHuman(ctx context.Context, entry *queue.Entry, settings *tenant.Settings, changedBy string) error {
	if settings.EscalationOnAIFailure {
		return handler.Queue.MarkEscalated(ctx, entry, changedBy)
	}

	window := time.Duration(config.Conf.RescueWindowMinutes) * time.Minute

	logging.Logger.Info("case parked pending a customer reply",
		zap.String("entry_id", entry.ID),
		zap.Duration("window", window),
	)

	return handler.Queue.MoveToAIRescue(ctx, entry, window, changedBy)
}

// HandleResponse routes an inbound customer reply: record it, assess it, and
// either close the case or hand it to a human.
func (handler *Handler) HandleResponse(
	ctx context.Context,
	entry *queue.Entry,
	message string,
) (*airesponder.Assessment, error) {
	settings, err := handler.Tenants.GetSettings(ctx, entry.TenantID)
	if err != nil {
		return nil, err
	}

	err = handler.Attempts.MarkResponded(ctx, entry.ID, message, time.Now())
	if err != nil {
		return nil, err
	}

	assessment, err := handler.Assessor.AssessResponse(ctx, entry.ID, message)
	if err != nil {
		logging.Logger.Error("response assessment failed",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)

		if settings.EscalationOnAIFailure {
			return nil, handler.Queue.MarkEscalated(ctx, entry, "responder")
		}

		return nil, err
	}

	if assessment.Confidence >= settings.AIConfidenceThreshold && assessment.Intent != airesponder.IntentUnclear {
		err = handler.Queue.MarkRecovered(ctx, entry, courier.MethodSMS, "responder")
		if err != nil {
			return assessment, err
		}

		handler.sendReply(ctx, entry, assessment.SuggestedReply)

		return assessment, nil
	}

	logging.Logger.Info("low confidence assessment",
		zap.String("entry_id", entry.ID),
		zap.String("intent", assessment.Intent),
		zap.Float64("confidence", assessment.Confidence),
	)

	return assessment, handler.holdForHuman(ctx, entry, settings, "responder")
}

// sendReply delivers the assessor's suggested reply, best effort.
func (handler *Handler) sendReply(ctx context.Context, entry *queue.Entry, reply string) {
	if reply == "" {
		return
	}

	message := &courier.Message{
		EntryID:       entry.ID,
		TenantID:      entry.TenantID,
		Method:        courier.MethodSMS,
		CustomerPhone: entry.CustomerPhone,
		Body:          reply,
	}

	_, err := handler.Breakers.Execute(courier.MethodSMS, entry.TenantID, func() (any, error) {
		return handler.Sender.Send(ctx, message)
	})
	if err != nil {
		logging.Logger.Warn("failed to deliver suggested reply",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)
	}
}

func (handler *Handler) recordAttempt(
	ctx context.Context,
	entry *queue.Entry,
	method, body string,
	success bool,
	failureReason string,
) {
	record := &attempt.Record{
		EntryID:     entry.ID,
		Method:      method,
		MessageSent: body,
		Success:     success,
		AttemptedAt: time.Now(),
	}

	if failureReason != "" {
		record.FailureReason = &failureReason
	}

	_, err := handler.Attempts.Create(ctx, record)
	if err != nil {
		logging.Logger.Error("failed to record attempt",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)
	}
}
