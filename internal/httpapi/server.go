package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/callwise/recallq/internal/attempt"
	"github.com/callwise/recallq/internal/audit"
	"github.com/callwise/recallq/internal/breaker"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/consent"
	"github.com/callwise/recallq/internal/idempotency"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/outreach"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/ratelimit"
	"github.com/callwise/recallq/internal/scheduler"
	"github.com/callwise/recallq/internal/tenant"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Server exposes the ingestion webhook, the inspection API and the operator
// controls.
type Server struct {
	Queue       *queue.Service
	Tenants     *tenant.Repository
	Attempts    *attempt.Repository
	Audit       *audit.Recorder
	Idempotency *idempotency.Service
	RateLimits  *ratelimit.Service
	Consents    *consent.Service
	Breakers    *breaker.Registry
	Scheduler   *scheduler.Scheduler
	Outreach    *outreach.Handler
}

func NewServer(
	dbConn *gorm.DB,
	queueService *queue.Service,
	breakers *breaker.Registry,
	schedulerService *scheduler.Scheduler,
	outreachHandler *outreach.Handler,
) *Server {
	return &Server{
		Queue:       queueService,
		Tenants:     tenant.NewRepository(dbConn),
		Attempts:    attempt.NewRepository(dbConn),
		Audit:       audit.NewRecorder(dbConn),
		Idempotency: idempotency.NewService(dbConn),
		RateLimits:  ratelimit.NewService(dbConn),
		Consents:    consent.NewService(dbConn),
		Breakers:    breakers,
		Scheduler:   schedulerService,
		Outreach:    outreachHandler,
	}
}

func (server *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", server.handleHealthz).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/missed-call-events", server.handleIngest).Methods(http.MethodPost)

	api.HandleFunc("/queue/entries", server.handleListEntries).Methods(http.MethodGet)
	api.HandleFunc("/queue/entries/{id}", server.handleGetEntry).Methods(http.MethodGet)
	api.HandleFunc("/queue/entries/{id}/audit", server.handleEntryAudit).Methods(http.MethodGet)
	api.HandleFunc("/queue/entries/{id}/process", server.handleProcessEntry).Methods(http.MethodPost)
	api.HandleFunc("/queue/entries/{id}/escalate", server.handleEscalateEntry).Methods(http.MethodPost)
	api.HandleFunc("/queue/entries/{id}/cancel", server.handleCancelEntry).Methods(http.MethodPost)
	api.HandleFunc("/queue/entries/{id}/response", server.handleEntryResponse).Methods(http.MethodPost)

	api.HandleFunc("/consent", server.handleSetConsent).Methods(http.MethodPost)

	api.HandleFunc("/tenants/{id}/settings", server.handleGetTenantSettings).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{id}/settings", server.handlePutTenantSettings).Methods(http.MethodPut)

	api.HandleFunc("/breakers", server.handleListBreakers).Methods(http.MethodGet)

	api.HandleFunc("/processor/start", server.handleProcessorStart).Methods(http.MethodPost)
	api.HandleFunc("/processor/stop", server.handleProcessorStop).Methods(http.MethodPost)
	api.HandleFunc("/processor/status", server.handleProcessorStatus).Methods(http.MethodGet)

	return router
}

func (server *Server) Run(ctx context.Context) {
	timeout := time.Duration(config.Conf.HTTPTimeout) * time.Second

	httpServer := &http.Server{
		Addr:              ":" + config.Conf.HTTPPort,
		Handler:           server.Router(),
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			logging.Logger.Error("failed to shut down http server", zap.String("error", err.Error()))
		}
	}()

	logging.Logger.Info("start http server on port " + config.Conf.HTTPPort)

	err := httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Logger.Error("failed to start http server", zap.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		logging.Logger.Error("failed to encode response", zap.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
