package healthchecker

import (
	"context"
	"time"

	"github.com/callwise/recallq/internal/circuitbreak"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	"go.uber.org/zap"
)

// Healthchecker listens for circuit break events, cancels the app context so
// the process restarts cleanly, and then blocks the restart until the broken
// dependency answers again.
type Healthchecker struct {
	CtxCancelFunc context.CancelFunc
	ErrorService  string
}

func NewService(ctxCancelFunc context.CancelFunc) *Healthchecker {
	return &Healthchecker{
		CtxCancelFunc: ctxCancelFunc,
	}
}

func (h *Healthchecker) Monitor() {
	logging.Logger.Info("health checker monitor start successfully")

	serviceName := <-circuitbreak.CircuitBreakChan

	logging.Logger.Info("circuit break happened", zap.String("service", serviceName))
	h.ErrorService = serviceName
	h.CtxCancelFunc()
}

func (h *Healthchecker) Check() {
	if h.ErrorService == "" {
		logging.Logger.Error("healthchecker error service is empty")
	}

	ticker := time.NewTicker(time.Duration(config.Conf.HealthCheckerMonitorInterval) * time.Second)
	defer ticker.Stop()

	for {
		<-ticker.C

		ok := h.checkErrorService()
		if ok {
			return
		}
	}
}

func (h *Healthchecker) checkErrorService() bool {
	type checkFunc func() error

	checks := map[string]checkFunc{
		circuitbreak.DBService:            CheckDB,
		circuitbreak.CourierService:       CheckCourier,
		circuitbreak.AIService:            CheckAI,
		circuitbreak.KafkaProducerService: CheckKafkaProducer,
		circuitbreak.ArchiveService:       CheckArchive,
	}

	check, ok := checks[h.ErrorService]
	if !ok {
		logging.Logger.Warn("Unknown service in checkErrorService", zap.String("service", h.ErrorService))
		return false
	}

	err := check()
	if err != nil {
		logging.Logger.Info(h.ErrorService+" still unhealthy", zap.String("error", err.Error()))
		return false
	}

	logging.Logger.Info(h.ErrorService + " service back healthy")

	return true
}
