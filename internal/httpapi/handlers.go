package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/callwise/recallq/internal/attempt"
	"github.com/callwise/recallq/internal/consent"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/prometheus"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/ratelimit"
	"github.com/callwise/recallq/internal/scheduler"
	"github.com/callwise/recallq/internal/tenant"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500

	// Webhooks that do not identify their provider share one dedupe namespace.
	defaultProvider = "telephony"
)

type ingestRequest struct {
	TenantID        string    `json:"tenant_id"`
	Provider        string    `json:"provider"`
	ExternalEventID string    `json:"external_event_id"`
	CallReference   string    `json:"call_reference"`
	CustomerPhone   string    `json:"customer_phone"`
	Priority        string    `json:"priority"`
	Timestamp       time.Time `json:"timestamp"`
}

// handleIngest admits one missed-call webhook delivery: rate limit first,
// then the idempotency ledger, then the consent gate, then enqueue. The
// ledger admission is provisional until the entry commits.
func (server *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		prometheus.IngestionEvents.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.TenantID == "" || req.ExternalEventID == "" ||
		req.CallReference == "" || req.CustomerPhone == "" {
		prometheus.IngestionEvents.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "tenant_id, external_event_id, call_reference and customer_phone are required")

		return
	}

	if req.Provider == "" {
		req.Provider = defaultProvider
	}

	ctx := r.Context()

	decision, err := server.RateLimits.Check(ctx, req.TenantID, req.Provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limit check failed")
		return
	}

	if decision != ratelimit.Allowed {
		prometheus.IngestionEvents.WithLabelValues(decision.String()).Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"status": decision.String()})

		return
	}

	accepted, err := server.Idempotency.Admit(ctx, req.Provider, req.ExternalEventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "idempotency check failed")
		return
	}

	if !accepted {
		prometheus.IngestionEvents.WithLabelValues("duplicate").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})

		return
	}

	consentStatus, err := server.Consents.Evaluate(ctx, req.TenantID, req.CustomerPhone)
	if err != nil {
		server.releaseAdmission(ctx, req.Provider, req.ExternalEventID)
		writeError(w, http.StatusInternalServerError, "consent check failed")

		return
	}

	if consentStatus == consent.StatusDenied || consentStatus == consent.StatusWithdrawn {
		// Keep the ledger row so redeliveries are suppressed without
		// re-evaluating anything.
		prometheus.IngestionEvents.WithLabelValues("suppressed").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "suppressed", "consent_status": consentStatus})

		return
	}

	entry, err := server.Queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:      req.TenantID,
		CallReference: req.CallReference,
		CustomerPhone: req.CustomerPhone,
		ConsentStatus: consentStatus,
		Priority:      req.Priority,
		OccurredAt:    req.Timestamp,
	}, "ingestion")
	if err != nil {
		server.releaseAdmission(ctx, req.Provider, req.ExternalEventID)
		prometheus.IngestionEvents.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to enqueue missed call")

		return
	}

	err = server.Idempotency.AttachEntry(ctx, req.Provider, req.ExternalEventID, entry.ID)
	if err != nil {
		logging.Logger.Error("failed to attach entry to idempotency record",
			zap.String("entry_id", entry.ID),
			zap.String("error", err.Error()),
		)
	}

	prometheus.IngestionEvents.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusAccepted, entry)
}

func (server *Server) releaseAdmission(ctx context.Context, provider, externalEventID string) {
	err := server.Idempotency.Release(ctx, provider, externalEventID)
	if err != nil {
		logging.Logger.Error("failed to release provisional admission",
			zap.String("provider", provider),
			zap.String("external_event_id", externalEventID),
			zap.String("error", err.Error()),
		)
	}
}

func (server *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := parseIntParam(query.Get("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	offset := parseIntParam(query.Get("offset"), 0)

	entries, total, err := server.Queue.Repository.List(
		r.Context(),
		query.Get("tenant_id"),
		query.Get("status"),
		limit,
		offset,
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (server *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := server.fetchEntry(w, r)
	if !ok {
		return
	}

	attempts, err := server.Attempts.ListByEntry(r.Context(), entry.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load attempts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry":    entry,
		"attempts": attempts,
	})
}

func (server *Server) handleEntryAudit(w http.ResponseWriter, r *http.Request) {
	entry, ok := server.fetchEntry(w, r)
	if !ok {
		return
	}

	records, err := server.Audit.ListByEntry(r.Context(), entry.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"audit": records})
}

func (server *Server) handleProcessEntry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := server.Scheduler.ProcessNow(r.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}

	if errors.Is(err, scheduler.ErrNotClaimable) {
		writeError(w, http.StatusConflict, "entry is not claimable for processing")
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "attempt failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (server *Server) handleEscalateEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := server.fetchEntry(w, r)
	if !ok {
		return
	}

	err := server.Queue.MarkEscalated(r.Context(), entry, "operator")
	if errors.Is(err, queue.ErrEntryTerminal) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to escalate entry")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

type cancelRequest struct {
	Method string `json:"method"`
}

// handleCancelEntry records an out-of-band recovery: the customer called back
// and was handled live, so scheduling stops. Safe to repeat.
func (server *Server) handleCancelEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := server.fetchEntry(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	method := req.Method
	if method == "" {
		method = attempt.MethodCall
	}

	err := server.Queue.MarkRecovered(r.Context(), entry, method, "operator")
	if errors.Is(err, queue.ErrEntryTerminal) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel entry")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

type responseRequest struct {
	Message string `json:"message"`
}

// handleEntryResponse ingests an asynchronous customer reply and routes it
// through assessment.
func (server *Server) handleEntryResponse(w http.ResponseWriter, r *http.Request) {
	entry, ok := server.fetchEntry(w, r)
	if !ok {
		return
	}

	var req responseRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if entry.Terminal() && entry.Status != queue.StatusRecovered {
		writeError(w, http.StatusConflict, "entry is in a terminal status")
		return
	}

	assessment, err := server.Outreach.HandleResponse(r.Context(), entry, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to handle response")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entry":      entry,
		"assessment": assessment,
	})
}

type consentRequest struct {
	TenantID      string  `json:"tenant_id"`
	CustomerPhone string  `json:"customer_phone"`
	Status        string  `json:"status"`
	OptOutReason  *string `json:"opt_out_reason"`
}

func (server *Server) handleSetConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Status {
	case consent.StatusGranted, consent.StatusDenied, consent.StatusWithdrawn, consent.StatusPending:
	default:
		writeError(w, http.StatusBadRequest, "invalid consent status")
		return
	}

	if req.TenantID == "" || req.CustomerPhone == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and customer_phone are required")
		return
	}

	err = server.Consents.Set(r.Context(), req.TenantID, req.CustomerPhone, req.Status, req.OptOutReason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store consent")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (server *Server) handleGetTenantSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]

	settings, err := server.Tenants.GetSettings(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load tenant settings")
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

func (server *Server) handlePutTenantSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["id"]

	var settings tenant.Settings

	err := json.NewDecoder(r.Body).Decode(&settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings.TenantID = tenantID

	err = server.Tenants.UpsertSettings(r.Context(), &settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store tenant settings")
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

func (server *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	states, err := server.Breakers.States(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list breaker states")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"breakers": states})
}

func (server *Server) handleProcessorStart(w http.ResponseWriter, _ *http.Request) {
	server.Scheduler.Start()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (server *Server) handleProcessorStop(w http.ResponseWriter, _ *http.Request) {
	server.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (server *Server) handleProcessorStatus(w http.ResponseWriter, _ *http.Request) {
	status := "stopped"
	if server.Scheduler.Running() {
		status = "running"
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (server *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (server *Server) fetchEntry(w http.ResponseWriter, r *http.Request) (*queue.Entry, bool) {
	id := mux.Vars(r)["id"]

	entry, err := server.Queue.Repository.GetByID(r.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return nil, false
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load entry")
		return nil, false
	}

	return entry, true
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}

	return value
}
