package deadletter

import (
	"context"
	"time"

	"github.com/callwise/recallq/internal/breaker"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/courier"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/prometheus"
	"github.com/callwise/recallq/internal/queue"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	Repository *Repository
	Sender     courier.Sender
	Breakers   *breaker.Registry
	Queue      *queue.Service
}

func NewService(
	dbConn *gorm.DB,
	sender courier.Sender,
	breakers *breaker.Registry,
	queueService *queue.Service,
) *Service {
	return &Service{
		Repository: NewRepository(dbConn),
		Sender:     sender,
		Breakers:   breakers,
		Queue:      queueService,
	}
}

// Mark parks a transiently failed delivery for the retry loop.
func (service *Service) Mark(ctx context.Context, message *courier.Message, errMsg string) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	_, err = service.Repository.Create(ctx, message.EntryID, message.TenantID, message.Method, payload, errMsg)
	if err != nil {
		return err
	}

	logging.Logger.Info("delivery marked as dead letter",
		zap.String("entry_id", message.EntryID),
		zap.String("method", message.Method),
		zap.String("reason", errMsg),
	)

	return nil
}

// Process retries one dead letter delivery. A breaker rejection reschedules
// without spending the dead letter budget; a resolved queue entry discards
// the delivery instead of contacting the customer again.
func (service *Service) Process(ctx context.Context, entry *Entry) {
	err := service.Repository.UpdateStatus(ctx, entry, StatusProcessing)
	if err != nil {
		logging.Logger.Error("failed to update dead letter entry to processing",
			zap.String("id", entry.ID),
			zap.String("error", err.Error()),
		)

		return
	}

	queueEntry, err := service.Queue.Repository.GetByID(ctx, entry.QueueEntryID)
	if err != nil {
		_ = service.Repository.IncreaseRetryCount(ctx, entry, err.Error())
		return
	}

	if queueEntry.Terminal() {
		logging.Logger.Info("discarding dead letter for terminal case",
			zap.String("id", entry.ID),
			zap.String("queue_entry_id", entry.QueueEntryID),
			zap.String("case_status", queueEntry.Status),
		)

		_ = service.Repository.Resolve(ctx, entry)

		return
	}

	var message courier.Message

	err = json.Unmarshal(entry.Payload, &message)
	if err != nil {
		_ = service.Repository.IncreaseRetryCount(ctx, entry, err.Error())
		return
	}

	result, err := service.Breakers.Execute(message.Method, message.TenantID, func() (any, error) {
		return service.Sender.Send(ctx, &message)
	})
	if breaker.IsOpenErr(err) {
		until := time.Now().Add(time.Duration(config.Conf.ProviderOpenDurationSeconds) * time.Second)
		_ = service.Repository.Reschedule(ctx, entry, until)

		return
	}

	if err != nil {
		_ = service.Repository.IncreaseRetryCount(ctx, entry, err.Error())
		return
	}

	prometheus.DeadLetterRetries.Inc()

	logging.Logger.Info("dead letter delivery succeeded",
		zap.String("id", entry.ID),
		zap.String("entry_id", message.EntryID),
		zap.String("method", message.Method),
	)

	err = service.Repository.Resolve(ctx, entry)
	if err != nil {
		logging.Logger.Error("failed to resolve dead letter entry",
			zap.String("id", entry.ID),
			zap.String("error", err.Error()),
		)
	}

	sendResult, ok := result.(*courier.Result)
	if ok && sendResult.Engaged {
		err = service.Queue.MarkRecovered(ctx, queueEntry, message.Method, "deadletter-worker")
		if err != nil {
			logging.Logger.Error("failed to mark case recovered after dead letter delivery",
				zap.String("entry_id", queueEntry.ID),
				zap.String("error", err.Error()),
			)
		}
	}
}
