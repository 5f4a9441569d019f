package recallq

import (
	"context"

	"github.com/callwise/recallq/internal/airesponder"
	"github.com/callwise/recallq/internal/archive"
	"github.com/callwise/recallq/internal/breaker"
	"github.com/callwise/recallq/internal/circuitbreak"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/courier"
	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/deadletter"
	"github.com/callwise/recallq/internal/healthchecker"
	"github.com/callwise/recallq/internal/httpapi"
	"github.com/callwise/recallq/internal/kafka"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/outreach"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/scheduler"
	"github.com/callwise/recallq/internal/sweeper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	DBConn               *gorm.DB
	KafkaProducer        *kafka.Producer
	ArchiveClient        *archive.Client
	QueueService         *queue.Service
	Breakers             *breaker.Registry
	DeadLetterService    *deadletter.Service
	DeadLetterWorker     *deadletter.Worker
	OutreachHandler      *outreach.Handler
	Scheduler            *scheduler.Scheduler
	Sweeper              *sweeper.Sweeper
	HTTPServer           *httpapi.Server
	HealthCheckerService *healthchecker.Healthchecker
}

func NewApp(ctxCancelFunc context.CancelFunc) (*App, error) {
	logging.Logger.Info("[NewApp] Initializing recallq application...")

	healthcheckerService := healthchecker.NewService(ctxCancelFunc)

	dbConn, err := database.NewDatabase()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Database connection established")

	var (
		kafkaProducer *kafka.Producer
		outcomes      queue.OutcomePublisher
	)

	if config.Conf.OutcomeEventsEnabled {
		kafkaProducer, err = kafka.NewProducer()
		if err != nil {
			logging.Logger.Error("[NewApp] Failed to create Kafka producer", zap.Error(err))
			return nil, err
		}

		outcomes = kafka.NewOutcomePublisher(kafkaProducer)

		logging.Logger.Info("[NewApp] Outcome publisher created")
	}

	var archiveClient *archive.Client

	if config.Conf.ArchivePurgedEntries {
		archiveClient, err = archive.NewClient()
		if err != nil {
			logging.Logger.Error("[NewApp] Failed to initialize archive client", zap.Error(err))
			return nil, err
		}

		logging.Logger.Info("[NewApp] Archive client created")
	}

	queueService := queue.NewService(dbConn, outcomes)
	breakers := breaker.NewRegistry(dbConn)
	courierService := courier.NewService()
	aiClient := airesponder.NewClient()

	deadLetterService := deadletter.NewService(dbConn, courierService, breakers, queueService)

	deadLetterWorker, err := deadletter.NewWorker(deadLetterService)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create dead letter worker", zap.Error(err))
		return nil, err
	}

	outreachHandler := outreach.NewHandler(dbConn, queueService, deadLetterService, breakers, courierService, aiClient)

	schedulerService, err := scheduler.New(dbConn, queueService, outreachHandler)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create scheduler", zap.Error(err))
		return nil, err
	}

	sweeperService := sweeper.NewSweeper(dbConn, archiveClient)

	httpServer := httpapi.NewServer(dbConn, queueService, breakers, schedulerService, outreachHandler)

	logging.Logger.Info("[NewApp] Initializing circuit breakers...")
	circuitbreak.Init()

	logging.Logger.Info("[NewApp] recallq application initialized")

	return &App{
		DBConn:               dbConn,
		KafkaProducer:        kafkaProducer,
		ArchiveClient:        archiveClient,
		QueueService:         queueService,
		Breakers:             breakers,
		DeadLetterService:    deadLetterService,
		DeadLetterWorker:     deadLetterWorker,
		OutreachHandler:      outreachHandler,
		Scheduler:            schedulerService,
		Sweeper:              sweeperService,
		HTTPServer:           httpServer,
		HealthCheckerService: healthcheckerService,
	}, nil
}

// Run starts the background loops and blocks on the HTTP server until the
// app context is cancelled.
func (app *App) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	go app.HealthCheckerService.Monitor()
	go app.DeadLetterWorker.Run(ctx)
	go app.Scheduler.Run(ctx)

	err := app.Sweeper.Start(ctx)
	if err != nil {
		logging.Logger.Error("[Run] Failed to start sweeper", zap.Error(err))
		return err
	}

	app.HTTPServer.Run(ctx)

	app.shutdown()

	return nil
}

func (app *App) shutdown() {
	app.Sweeper.Stop()

	logging.Logger.Info("[Run] Releasing worker pools...",
		zap.Int("running_workers", app.Scheduler.WorkerPool.Running()),
	)
	app.Scheduler.WorkerPool.Release()
	app.DeadLetterWorker.WorkerPool.Release()

	if app.KafkaProducer != nil {
		err := app.KafkaProducer.Close()
		if err != nil {
			logging.Logger.Error("[Run] Failed to close producer", zap.String("error", err.Error()))
		}
	}

	logging.Logger.Info("[Run] ===== App shutdown complete =====")
}
