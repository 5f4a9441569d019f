package healthchecker

import (
	"context"
	"net/http"
	"time"

	"github.com/callwise/recallq/internal/airesponder"
	"github.com/callwise/recallq/internal/archive"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/kafka"
	"github.com/callwise/recallq/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var healthcheckerMsg = "healthchecker msg"

func CheckDB() error {
	_, err := database.NewDatabase()
	return err
}

// CheckCourier probes the provider API root. Any HTTP answer counts as
// reachable; the breaker cares about availability, not response semantics.
func CheckCourier() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.Conf.CourierTimeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.Conf.CourierBaseUrl, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logging.Logger.Info("courier api status", zap.Error(err))
		return err
	}

	cerr := resp.Body.Close()
	if cerr != nil {
		logging.Logger.Error("Failed to close response body", zap.String("error", cerr.Error()))
	}

	return nil
}

func CheckAI() error {
	client := airesponder.NewClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := client.AssessResponse(ctx, "healthcheck", "ping")
	if err != nil {
		logging.Logger.Info("ai responder status", zap.Error(err))
		return err
	}

	return nil
}

func CheckKafkaProducer() error {
	kafkaProducer, err := kafka.NewProducer()
	if err != nil {
		logging.Logger.Error("failed to create new kafka producer client", zap.String("error", err.Error()))
		return err
	}

	_, _, err = kafkaProducer.SendMessage(
		config.Conf.KafkaOutcomeTopic,
		[]byte(uuid.New().String()),
		[]byte(healthcheckerMsg),
	)

	return err
}

func CheckArchive() error {
	client, err := archive.NewClient()
	if err != nil {
		logging.Logger.Error("failed to create new minio client", zap.String("error", err.Error()))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = client.Client.BucketExists(ctx, client.BucketName)

	return err
}
