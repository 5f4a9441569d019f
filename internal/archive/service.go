package archive

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/callwise/recallq/internal/circuitbreak"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	prometheusRecallq "github.com/callwise/recallq/internal/prometheus"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Client writes purged case snapshots to object storage before the retention
// sweeper deletes them.
type Client struct {
	Client         *minio.Client
	CircuitBreaker *gobreaker.CircuitBreaker[any]
	BucketName     string
	PathPrefix     string
}

func NewClient() (*Client, error) {
	endpointURL := config.Conf.MinioEndpointURL

	client, err := minio.New(endpointURL, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Conf.MinioAccessKey, config.Conf.MinioSecretKey, ""),
		Secure: true,
	})
	if err != nil {
		logging.Logger.Error("Failed to initialize MinIO client",
			zap.String("endpoint", endpointURL),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to MinIO",
		zap.String("endpoint", endpointURL),
		zap.String("bucket", config.Conf.MinioBucketName),
	)

	return &Client{
		Client:         client,
		CircuitBreaker: newCircuitBreaker(),
		BucketName:     config.Conf.MinioBucketName,
		PathPrefix:     config.Conf.MinioPathPrefix,
	}, nil
}

func newCircuitBreaker() *gobreaker.CircuitBreaker[any] {
	settings := gobreaker.Settings{
		Name:     "archive",
		Interval: time.Duration(config.Conf.MinioIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.MinioConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Warn(
				"Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.ArchiveService)
			}
		},
	}

	return gobreaker.NewCircuitBreaker[any](settings)
}

// Store uploads one snapshot under the configured prefix and returns its URL.
func (c *Client) Store(ctx context.Context, objectKey string, payload []byte) (string, error) {
	url, err := c.CircuitBreaker.Execute(func() (any, error) {
		return c.doStore(ctx, objectKey, payload)
	})
	if err != nil {
		return "", err
	}

	urlStr, _ := url.(string)

	return urlStr, nil
}

func (c *Client) doStore(ctx context.Context, objectKey string, payload []byte) (string, error) {
	timer := prometheus.NewTimer(prometheusRecallq.ArchiveOperationDuration.WithLabelValues("store"))
	defer timer.ObserveDuration()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, time.Duration(config.Conf.MinioTimeout)*time.Second)
	defer cancel()

	err := retry.Do(
		func() error {
			_, err := c.Client.PutObject(
				ctxWithTimeout,
				c.BucketName,
				c.getKey(objectKey),
				bytes.NewReader(payload),
				int64(len(payload)),
				minio.PutObjectOptions{ContentType: "application/json"},
			)
			if err != nil {
				logging.Logger.Error("archive upload failed",
					zap.String("object_key", objectKey),
					zap.String("error", err.Error()),
				)

				return err
			}

			return nil
		},
		retry.Attempts(config.Conf.MinioMaxRetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Duration(config.Conf.MinioRetryBackoffMinSeconds)*time.Second),
		retry.MaxDelay(time.Duration(config.Conf.MinioRetryBackoffMaxSeconds)*time.Second),
	)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/%s", config.Conf.MinioEndpointURL, c.BucketName, c.getKey(objectKey))

	logging.Logger.Info("archive upload completed",
		zap.String("object_key", objectKey),
		zap.String("url", url),
	)

	return url, nil
}

func (c *Client) getKey(objectKey string) string {
	return filepath.Join(c.PathPrefix, objectKey)
}
