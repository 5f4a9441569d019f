package test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/callwise/recallq/internal/attempt"
	"github.com/callwise/recallq/internal/breaker"
	"github.com/callwise/recallq/internal/circuitbreak"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/consent"
	"github.com/callwise/recallq/internal/courier"
	"github.com/callwise/recallq/internal/database"
	"github.com/callwise/recallq/internal/deadletter"
	"github.com/callwise/recallq/internal/httpapi"
	"github.com/callwise/recallq/internal/outreach"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/scheduler"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRecoveryWorkflowEngaged(t *testing.T) {
	tc := setupRecoveryWorkflow(t, func(mock *courierMock) {
		mock.engaged.Store(true)
	})
	defer tc.cleanup()

	entryID := tc.ingestEvent(t, "evt-engaged")
	tc.processEntry(t, entryID)

	entry := tc.getEntry(t, entryID)
	require.Equal(t, queue.StatusRecovered, entry.Status)
	require.NotNil(t, entry.RecoveryMethod)
	require.Equal(t, courier.MethodSMS, *entry.RecoveryMethod)

	var records []attempt.Record
	require.NoError(t, tc.db.Where("entry_id = ?", entryID).Find(&records).Error)
	require.Len(t, records, 1)
	require.True(t, records[0].Success)
}

func TestRecoveryWorkflowDeadLetter(t *testing.T) {
	tc := setupRecoveryWorkflow(t, func(mock *courierMock) {
		mock.failDelivery.Store(true)
	})
	defer tc.cleanup()

	entryID := tc.ingestEvent(t, "evt-parked")
	tc.processEntry(t, entryID)

	// A transient provider failure parks the delivery without spending the
	// customer's retry budget.
	entry := tc.getEntry(t, entryID)
	require.Equal(t, queue.StatusQueued, entry.Status)
	require.Equal(t, 0, entry.AttemptCount)

	var parked deadletter.Entry
	require.NoError(t, tc.db.Where("queue_entry_id = ?", entryID).First(&parked).Error)
	require.Equal(t, deadletter.StatusPending, parked.Status)
	require.Equal(t, 0, parked.RetryCount)
}

func TestRecoveryWorkflowCircuitBreak(t *testing.T) {
	tc := setupRecoveryWorkflow(t, func(mock *courierMock) {
		mock.failDelivery.Store(true)
	})
	defer tc.cleanup()

	config.Conf.ProviderFailureThresholdCB = 1

	first := tc.ingestEvent(t, "evt-trip")
	tc.processEntry(t, first)

	hitsAfterTrip := tc.courier.hits.Load()

	second := tc.ingestEvent(t, "evt-held")
	tc.processEntry(t, second)

	// The open breaker rejects before the provider is called.
	require.Equal(t, hitsAfterTrip, tc.courier.hits.Load())

	entry := tc.getEntry(t, second)
	require.Equal(t, queue.StatusQueued, entry.Status)
	require.Equal(t, 0, entry.AttemptCount)

	var state breaker.State
	require.NoError(t, tc.db.
		Where("provider = ? AND tenant_id = ?", courier.MethodSMS, "tenant-1").
		First(&state).Error)
	require.Equal(t, "open", state.Status)
}

func TestRecoveryWorkflowCustomerReply(t *testing.T) {
	tc := setupRecoveryWorkflow(t, func(mock *courierMock) {})
	defer tc.cleanup()

	tc.assessor.confidence = 0.9
	tc.assessor.reply = "great, we will call you at 3pm"

	entryID := tc.ingestEvent(t, "evt-reply")
	tc.processEntry(t, entryID)

	// The delivery went out but nobody engaged yet.
	entry := tc.getEntry(t, entryID)
	require.Equal(t, queue.StatusQueued, entry.Status)
	require.Equal(t, 1, entry.AttemptCount)

	hitsBeforeReply := tc.courier.hits.Load()

	payload, err := json.Marshal(map[string]string{"message": "call me back at 3pm"})
	require.NoError(t, err)

	resp, err := http.Post(
		tc.apiServer.URL+"/api/v1/queue/entries/"+entryID+"/response",
		"application/json",
		bytes.NewReader(payload),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	entry = tc.getEntry(t, entryID)
	require.Equal(t, queue.StatusRecovered, entry.Status)
	require.True(t, entry.CustomerResponded)

	// The suggested reply went back out through the provider.
	require.Equal(t, hitsBeforeReply+1, tc.courier.hits.Load())
}

type recoveryWorkflowTestContext struct {
	t         *testing.T
	resources *dockertestResources
	courier   *courierMock
	assessor  *fakeAssessor
	db        *gorm.DB
	apiServer *httptest.Server
	scheduler *scheduler.Scheduler
}

func (tc *recoveryWorkflowTestContext) cleanup() {
	tc.apiServer.Close()
	tc.scheduler.WorkerPool.Release()
	tc.resources.cleanup(tc.t)
}

func setupRecoveryWorkflow(t *testing.T, configureMock func(*courierMock)) *recoveryWorkflowTestContext {
	t.Helper()

	resources := newResources(t)

	circuitbreak.Init()

	courierStub := &courierMock{}
	configureMock(courierStub)
	resources.startCourierServer(t, courierStub)

	dsn := resources.startPostgres(t)

	configureConfigForTest(t, dsn, resources.courierServer.URL)

	db, err := database.NewDatabase()
	require.NoError(t, err)

	applySchema(t, db)

	require.NoError(t, consent.NewService(db).Set(
		context.Background(), "tenant-1", "+15550001111", consent.StatusGranted, nil,
	))

	assessor := &fakeAssessor{confidence: 0.9}

	queueService := queue.NewService(db, nil)
	breakers := breaker.NewRegistry(db)
	courierService := courier.NewService()
	deadLetters := deadletter.NewService(db, courierService, breakers, queueService)
	handler := outreach.NewHandler(db, queueService, deadLetters, breakers, courierService, assessor)

	schedulerService, err := scheduler.New(db, queueService, handler)
	require.NoError(t, err)

	httpServer := httpapi.NewServer(db, queueService, breakers, schedulerService, handler)
	apiServer := httptest.NewServer(httpServer.Router())

	return &recoveryWorkflowTestContext{
		t:         t,
		resources: resources,
		courier:   courierStub,
		assessor:  assessor,
		db:        db,
		apiServer: apiServer,
		scheduler: schedulerService,
	}
}

func (tc *recoveryWorkflowTestContext) ingestEvent(t *testing.T, eventID string) string {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"tenant_id":         "tenant-1",
		"provider":          "telco-a",
		"external_event_id": eventID,
		"call_reference":    "call-" + eventID,
		"customer_phone":    "+15550001111",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)

	resp, err := http.Post(
		tc.apiServer.URL+"/api/v1/missed-call-events",
		"application/json",
		bytes.NewReader(payload),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var entry queue.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	require.NotEmpty(t, entry.ID)

	return entry.ID
}

func (tc *recoveryWorkflowTestContext) processEntry(t *testing.T, entryID string) {
	t.Helper()

	resp, err := http.Post(
		tc.apiServer.URL+"/api/v1/queue/entries/"+entryID+"/process",
		"application/json",
		nil,
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (tc *recoveryWorkflowTestContext) getEntry(t *testing.T, entryID string) *queue.Entry {
	t.Helper()

	var entry queue.Entry
	require.NoError(t, tc.db.Where("id = ?", entryID).First(&entry).Error)

	return &entry
}
