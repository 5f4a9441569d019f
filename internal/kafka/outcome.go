package kafka

import (
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/queue"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// OutcomePublisher streams terminal case transitions to the outcome topic for
// CRM consumers. Publish failures are logged and never block a transition.
type OutcomePublisher struct {
	Producer *Producer
}

func NewOutcomePublisher(producer *Producer) *OutcomePublisher {
	return &OutcomePublisher{Producer: producer}
}

func (publisher *OutcomePublisher) PublishOutcome(event *queue.OutcomeEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		logging.Logger.Error("failed to marshal outcome event",
			zap.String("entry_id", event.EntryID),
			zap.String("error", err.Error()),
		)

		return
	}

	partition, offset, err := publisher.Producer.SendMessage(
		config.Conf.KafkaOutcomeTopic,
		[]byte(event.EntryID),
		value,
	)
	if err != nil {
		logging.Logger.Error("failed to publish outcome event",
			zap.String("entry_id", event.EntryID),
			zap.String("status", event.Status),
			zap.String("error", err.Error()),
		)

		return
	}

	logging.Logger.Info("outcome event published",
		zap.String("entry_id", event.EntryID),
		zap.String("status", event.Status),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
}
