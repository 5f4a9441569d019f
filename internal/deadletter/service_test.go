package deadletter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callwise/recallq/internal/audit"
	"github.com/callwise/recallq/internal/breaker"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/courier"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/tenant"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var errDeliveryFailed = errors.New("delivery failed")

type fakeSender struct {
	calls  atomic.Int32
	result *courier.Result
	err    error
}

func (sender *fakeSender) Send(_ context.Context, _ *courier.Message) (*courier.Result, error) {
	sender.calls.Add(1)

	if sender.err != nil {
		return nil, sender.err
	}

	return sender.result, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dbConn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := dbConn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, dbConn.AutoMigrate(
		&Entry{},
		&queue.Entry{},
		&audit.Record{},
		&tenant.Settings{},
		&breaker.State{},
	))

	return dbConn
}

func newTestService(t *testing.T, dbConn *gorm.DB, sender courier.Sender) *Service {
	t.Helper()

	queueService := queue.NewService(dbConn, nil)

	return NewService(dbConn, sender, breaker.NewRegistry(dbConn), queueService)
}

func enqueueCase(t *testing.T, service *Service, tenantID string) *queue.Entry {
	t.Helper()

	entry, err := service.Queue.Enqueue(context.Background(), queue.EnqueueParams{
		TenantID:      tenantID,
		CallReference: "call-123",
		CustomerPhone: "+15550001111",
	}, "test")
	require.NoError(t, err)

	return entry
}

func parkDelivery(t *testing.T, service *Service, queueEntry *queue.Entry) *Entry {
	t.Helper()

	message := &courier.Message{
		EntryID:       queueEntry.ID,
		TenantID:      queueEntry.TenantID,
		Method:        courier.MethodSMS,
		CustomerPhone: queueEntry.CustomerPhone,
		Body:          "sorry we missed you",
	}

	payload, err := json.Marshal(message)
	require.NoError(t, err)

	entry, err := service.Repository.Create(
		context.Background(),
		queueEntry.ID,
		queueEntry.TenantID,
		courier.MethodSMS,
		payload,
		"courier server error",
	)
	require.NoError(t, err)

	return entry
}

func reloadDeadLetter(t *testing.T, dbConn *gorm.DB, id string) *Entry {
	t.Helper()

	var entry Entry
	require.NoError(t, dbConn.Where("id = ?", id).First(&entry).Error)

	return &entry
}

func TestCreateSchedulesFirstRetry(t *testing.T) {
	dbConn := newTestDB(t)
	service := newTestService(t, dbConn, &fakeSender{})

	queueEntry := enqueueCase(t, service, "tenant-1")
	entry := parkDelivery(t, service, queueEntry)

	require.Equal(t, StatusPending, entry.Status)
	require.Equal(t, 0, entry.RetryCount)
	require.NotNil(t, entry.NextRetryAt)

	expected := time.Now().Add(time.Duration(config.Conf.DeadLetterBackoffBaseMinutes) * time.Minute)
	require.WithinDuration(t, expected, *entry.NextRetryAt, 5*time.Second)
}

func TestGetPendingFiltersDueEntries(t *testing.T) {
	dbConn := newTestDB(t)
	service := newTestService(t, dbConn, &fakeSender{})

	queueEntry := enqueueCase(t, service, "tenant-1")

	due := parkDelivery(t, service, queueEntry)
	require.NoError(t, dbConn.Model(&Entry{}).
		Where("id = ?", due.ID).
		Update("next_retry_at", time.Now().Add(-time.Minute)).Error)

	future := parkDelivery(t, service, queueEntry)

	exhausted := parkDelivery(t, service, queueEntry)
	require.NoError(t, dbConn.Model(&Entry{}).
		Where("id = ?", exhausted.ID).
		Updates(map[string]any{
			"next_retry_at": time.Now().Add(-time.Minute),
			"retry_count":   config.Conf.DeadLetterMaxRetries,
		}).Error)

	resolved := parkDelivery(t, service, queueEntry)
	require.NoError(t, service.Repository.Resolve(context.Background(), resolved))

	pending, err := service.Repository.GetPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, due.ID, pending[0].ID)
	require.NotEqual(t, future.ID, pending[0].ID)
}

func TestProcessDiscardsTerminalCase(t *testing.T) {
	dbConn := newTestDB(t)
	sender := &fakeSender{result: &courier.Result{ProviderMessageID: "msg-1"}}
	service := newTestService(t, dbConn, sender)
	ctx := context.Background()

	queueEntry := enqueueCase(t, service, "tenant-1")
	entry := parkDelivery(t, service, queueEntry)

	require.NoError(t, service.Queue.MarkRecovered(ctx, queueEntry, "call", "test"))

	service.Process(ctx, entry)

	require.Equal(t, StatusResolved, reloadDeadLetter(t, dbConn, entry.ID).Status)
	require.EqualValues(t, 0, sender.calls.Load())
}

func TestProcessDeliversAndRecoversEngagedCase(t *testing.T) {
	dbConn := newTestDB(t)
	sender := &fakeSender{result: &courier.Result{ProviderMessageID: "msg-1", Engaged: true}}
	service := newTestService(t, dbConn, sender)
	ctx := context.Background()

	queueEntry := enqueueCase(t, service, "tenant-1")
	entry := parkDelivery(t, service, queueEntry)

	service.Process(ctx, entry)

	require.Equal(t, StatusResolved, reloadDeadLetter(t, dbConn, entry.ID).Status)
	require.EqualValues(t, 1, sender.calls.Load())

	recovered, err := service.Queue.Repository.GetByID(ctx, queueEntry.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusRecovered, recovered.Status)
}

func TestProcessFailureSpendsDeadLetterRetry(t *testing.T) {
	dbConn := newTestDB(t)
	sender := &fakeSender{err: errDeliveryFailed}
	service := newTestService(t, dbConn, sender)
	ctx := context.Background()

	queueEntry := enqueueCase(t, service, "tenant-1")
	entry := parkDelivery(t, service, queueEntry)

	service.Process(ctx, entry)

	reloaded := reloadDeadLetter(t, dbConn, entry.ID)
	require.Equal(t, StatusPending, reloaded.Status)
	require.Equal(t, 1, reloaded.RetryCount)
	require.NotNil(t, reloaded.NextRetryAt)
	require.True(t, reloaded.NextRetryAt.After(time.Now()))
}

func TestProcessExhaustsDeadLetterBudget(t *testing.T) {
	dbConn := newTestDB(t)
	sender := &fakeSender{err: errDeliveryFailed}
	service := newTestService(t, dbConn, sender)
	ctx := context.Background()

	queueEntry := enqueueCase(t, service, "tenant-1")
	entry := parkDelivery(t, service, queueEntry)

	require.NoError(t, dbConn.Model(&Entry{}).
		Where("id = ?", entry.ID).
		Update("retry_count", config.Conf.DeadLetterMaxRetries-1).Error)
	entry.RetryCount = config.Conf.DeadLetterMaxRetries - 1

	service.Process(ctx, entry)

	reloaded := reloadDeadLetter(t, dbConn, entry.ID)
	require.Equal(t, StatusFailed, reloaded.Status)
	require.Equal(t, config.Conf.DeadLetterMaxRetries, reloaded.RetryCount)
}

func TestProcessReschedulesOnOpenBreaker(t *testing.T) {
	prevThreshold := config.Conf.ProviderFailureThresholdCB
	config.Conf.ProviderFailureThresholdCB = 1

	t.Cleanup(func() {
		config.Conf.ProviderFailureThresholdCB = prevThreshold
	})

	dbConn := newTestDB(t)
	sender := &fakeSender{result: &courier.Result{}}
	service := newTestService(t, dbConn, sender)
	ctx := context.Background()

	queueEntry := enqueueCase(t, service, "tenant-1")
	entry := parkDelivery(t, service, queueEntry)

	// Trip the tenant's sms breaker before the retry runs.
	_, err := service.Breakers.Execute(courier.MethodSMS, queueEntry.TenantID, func() (any, error) {
		return nil, errDeliveryFailed
	})
	require.ErrorIs(t, err, errDeliveryFailed)

	service.Process(ctx, entry)

	reloaded := reloadDeadLetter(t, dbConn, entry.ID)
	require.Equal(t, StatusPending, reloaded.Status)
	require.Equal(t, 0, reloaded.RetryCount)
	require.EqualValues(t, 0, sender.calls.Load())
	require.True(t, reloaded.NextRetryAt.After(time.Now()))
}
