package deadletter

import (
	"context"
	"time"

	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type Worker struct {
	WorkerPool *ants.Pool
	Service    *Service
}

func NewWorker(service *Service) (*Worker, error) {
	workerPool, err := ants.NewPool(config.Conf.DeadLetterPoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &Worker{
		WorkerPool: workerPool,
		Service:    service,
	}, nil
}

func (worker *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.Conf.DeadLetterIntervalMinutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			worker.processDeadLetters(ctx)
		}
	}
}

func (worker *Worker) processDeadLetters(ctx context.Context) {
	entries, err := worker.Service.Repository.GetPending(ctx)
	if err != nil {
		return
	}

	if len(entries) == 0 {
		return
	}

	logging.Logger.Info("start processing dead letter deliveries", zap.Int("count", len(entries)))

	for idx := range entries {
		entry := entries[idx]

		err := worker.WorkerPool.Submit(func() {
			worker.Service.Process(ctx, &entry)
		})
		if err != nil {
			logging.Logger.Error("failed to submit dead letter job",
				zap.String("id", entry.ID),
				zap.String("error", err.Error()),
			)
		}
	}
}
