package queue

import (
	"context"
	"testing"
	"time"

	"github.com/callwise/recallq/internal/audit"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/tenant"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dbConn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := dbConn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, dbConn.AutoMigrate(&Entry{}, &audit.Record{}, &tenant.Settings{}))

	return dbConn
}

// alwaysOpenSettings stores a policy without business hour restrictions so
// scheduling assertions stay wall-clock.
func alwaysOpenSettings(t *testing.T, dbConn *gorm.DB, tenantID string) *tenant.Settings {
	t.Helper()

	settings := &tenant.Settings{
		TenantID:            tenantID,
		ResponseTimeHours:   4,
		EscalationTimeHours: 24,
		MaxRetries:          2,
		BusinessHoursStart:  0,
		BusinessHoursEnd:    24,
		BusinessDays:        "",
		ConsentGraceHours:   24,
	}

	require.NoError(t, tenant.NewRepository(dbConn).UpsertSettings(context.Background(), settings))

	return settings
}

func enqueueEntry(t *testing.T, service *Service, tenantID string) *Entry {
	t.Helper()

	entry, err := service.Enqueue(context.Background(), EnqueueParams{
		TenantID:      tenantID,
		CallReference: "call-123",
		CustomerPhone: "+15550001111",
	}, "test")
	require.NoError(t, err)

	return entry
}

func TestEnqueueDerivesDeadlinesFromPolicy(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)

	occurredAt := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

	entry, err := service.Enqueue(context.Background(), EnqueueParams{
		TenantID:      "tenant-1",
		CallReference: "call-123",
		CustomerPhone: "+15550001111",
		OccurredAt:    occurredAt,
	}, "test")
	require.NoError(t, err)

	require.Equal(t, StatusQueued, entry.Status)
	require.Equal(t, PriorityMedium, entry.Priority)
	require.Equal(t, ConsentPending, entry.ConsentStatus)
	require.Equal(t, 2, entry.MaxAttempts)
	require.Equal(t, occurredAt.Add(4*time.Hour), entry.SLADeadline)
	require.Equal(t, occurredAt.Add(24*time.Hour), entry.EscalationDeadline)
	require.NotNil(t, entry.NextAttemptAt)
	require.Equal(t, occurredAt, *entry.NextAttemptAt)

	records, err := audit.NewRecorder(dbConn).ListByEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, audit.ActionInsert, records[0].Action)
	require.Equal(t, "test", records[0].ChangedBy)
}

func TestEnqueueDefersFirstAttemptIntoBusinessHours(t *testing.T) {
	dbConn := newTestDB(t)

	settings := alwaysOpenSettings(t, dbConn, "tenant-1")
	settings.BusinessHoursStart = 9
	settings.BusinessHoursEnd = 17
	settings.BusinessDays = "1,2,3,4,5"
	require.NoError(t, tenant.NewRepository(dbConn).UpsertSettings(context.Background(), settings))

	service := NewService(dbConn, nil)

	// Saturday noon. The first attempt shifts to Monday morning while the
	// deadlines stay anchored to the missed call itself.
	occurredAt := time.Date(2024, time.March, 2, 12, 0, 0, 0, time.UTC)

	entry, err := service.Enqueue(context.Background(), EnqueueParams{
		TenantID:      "tenant-1",
		CallReference: "call-123",
		CustomerPhone: "+15550001111",
		OccurredAt:    occurredAt,
	}, "test")
	require.NoError(t, err)

	require.NotNil(t, entry.NextAttemptAt)
	require.Equal(t, time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC), *entry.NextAttemptAt)
	require.Equal(t, occurredAt.Add(4*time.Hour), entry.SLADeadline)
}

func TestClaimForProcessingSingleWinner(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")

	rival := *entry

	claimed, err := service.ClaimForProcessing(ctx, entry, "scheduler-a")
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, StatusProcessing, entry.Status)
	require.NotNil(t, entry.ProcessedAt)

	claimed, err = service.ClaimForProcessing(ctx, &rival, "scheduler-b")
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestMarkRecoveredIsIdempotent(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")

	require.NoError(t, service.MarkRecovered(ctx, entry, "sms", "test"))
	require.Equal(t, StatusRecovered, entry.Status)
	require.True(t, entry.CustomerResponded)
	require.NotNil(t, entry.RecoveryMethod)
	require.Equal(t, "sms", *entry.RecoveryMethod)

	require.NoError(t, service.MarkRecovered(ctx, entry, "call", "test"))
	require.Equal(t, "sms", *entry.RecoveryMethod)

	err := service.MarkEscalated(ctx, entry, "test")
	require.ErrorIs(t, err, ErrEntryTerminal)
}

func TestMarkFailedKeepsOptOutReason(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")

	reason := "customer opted out of contact"
	entry.OptOutReason = &reason

	require.NoError(t, service.MarkFailed(ctx, entry, "consent withdrawn", "test"))
	require.Equal(t, StatusFailed, entry.Status)
	require.NotNil(t, entry.OptOutReason)
	require.Equal(t, reason, *entry.OptOutReason)

	err := service.MarkFailed(ctx, entry, "again", "test")
	require.ErrorIs(t, err, ErrEntryTerminal)
}

func TestMarkExpired(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")

	require.NoError(t, service.MarkExpired(ctx, entry, "test"))
	require.Equal(t, StatusExpired, entry.Status)
	require.True(t, entry.Terminal())
}

func TestRequeueWithBackoffConsumesBudget(t *testing.T) {
	dbConn := newTestDB(t)
	settings := alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")

	claimed, err := service.ClaimForProcessing(ctx, entry, "test")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, service.RequeueWithBackoff(ctx, entry, settings, "test"))
	require.Equal(t, StatusQueued, entry.Status)
	require.Equal(t, 1, entry.AttemptCount)
	require.NotNil(t, entry.LastAttemptAt)
	require.NotNil(t, entry.NextAttemptAt)
	require.True(t, entry.NextAttemptAt.After(time.Now()))
}

func TestDeferAttemptKeepsBudget(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")

	claimed, err := service.ClaimForProcessing(ctx, entry, "test")
	require.NoError(t, err)
	require.True(t, claimed)

	until := time.Now().Add(10 * time.Minute)

	require.NoError(t, service.DeferAttempt(ctx, entry, until, "test"))
	require.Equal(t, StatusQueued, entry.Status)
	require.Equal(t, 0, entry.AttemptCount)
	require.NotNil(t, entry.NextAttemptAt)
	require.WithinDuration(t, until, *entry.NextAttemptAt, time.Second)
}

func TestMoveToAIRescue(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")

	claimed, err := service.ClaimForProcessing(ctx, entry, "test")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, service.MoveToAIRescue(ctx, entry, 30*time.Minute, "test"))
	require.Equal(t, StatusAIRescuePending, entry.Status)
	require.False(t, entry.AIRescueAttempted)
	require.NotNil(t, entry.RescueWindowExpiresAt)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), *entry.RescueWindowExpiresAt, time.Second)

	// Parking an already-parked entry refreshes the window.
	require.NoError(t, service.MoveToAIRescue(ctx, entry, time.Hour, "test"))
	require.WithinDuration(t, time.Now().Add(time.Hour), *entry.RescueWindowExpiresAt, time.Second)

	// Terminal entries cannot be parked.
	require.NoError(t, service.MarkRecovered(ctx, entry, "sms", "test"))
	require.ErrorIs(t, service.MoveToAIRescue(ctx, entry, time.Hour, "test"), ErrLostClaimRace)
}

func TestMarkAIRescueAttempted(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")
	require.False(t, entry.AIRescueAttempted)

	require.NoError(t, service.MarkAIRescueAttempted(ctx, entry, "test"))
	require.True(t, entry.AIRescueAttempted)
	require.Equal(t, StatusQueued, entry.Status)
}

func TestNextAttemptTimeBackoff(t *testing.T) {
	config.Conf.RetryBackoffBaseMinutes = 5
	config.Conf.RetryBackoffCapMinutes = 240

	service := NewService(newTestDB(t), nil)

	settings := &tenant.Settings{BusinessDays: ""}
	now := time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		attemptCount int
		want         time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{3, 40 * time.Minute},
		{6, 240 * time.Minute},
		{20, 240 * time.Minute},
	}

	for _, tc := range cases {
		entry := &Entry{AttemptCount: tc.attemptCount}
		require.Equal(t, now.Add(tc.want), service.NextAttemptTime(settings, entry, now))
	}
}

func TestNextAttemptTimeHonorsOverride(t *testing.T) {
	config.Conf.RetryBackoffBaseMinutes = 5
	config.Conf.RetryBackoffCapMinutes = 240

	service := NewService(newTestDB(t), nil)

	settings := &tenant.Settings{
		BusinessHoursStart: 9,
		BusinessHoursEnd:   17,
		BusinessDays:       "1,2,3,4,5",
	}

	// Friday evening: backoff lands outside the window and shifts to Monday.
	now := time.Date(2024, time.March, 1, 18, 0, 0, 0, time.UTC)

	entry := &Entry{AttemptCount: 0}
	require.Equal(t,
		time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC),
		service.NextAttemptTime(settings, entry, now),
	)

	entry.BusinessHoursOverride = true
	require.Equal(t, now.Add(5*time.Minute), service.NextAttemptTime(settings, entry, now))
}

func TestDueEntriesOrdersByPriority(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	for _, priority := range []string{PriorityLow, PriorityHigh, PriorityMedium} {
		_, err := service.Enqueue(ctx, EnqueueParams{
			TenantID:      "tenant-1",
			CallReference: "call-" + priority,
			CustomerPhone: "+15550001111",
			Priority:      priority,
			OccurredAt:    time.Now().Add(-time.Minute),
		}, "test")
		require.NoError(t, err)
	}

	due, err := service.Repository.DueEntries(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	require.Equal(t, PriorityHigh, due[0].Priority)
	require.Equal(t, PriorityMedium, due[1].Priority)
	require.Equal(t, PriorityLow, due[2].Priority)
}

func TestDeadlineEntries(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	now := time.Now()

	overdueEscalation := enqueueEntry(t, service, "tenant-1")
	require.NoError(t, dbConn.Model(&Entry{}).
		Where("id = ?", overdueEscalation.ID).
		Update("escalation_deadline", now.Add(-time.Hour)).Error)

	expiredSLA := enqueueEntry(t, service, "tenant-1")
	require.NoError(t, dbConn.Model(&Entry{}).
		Where("id = ?", expiredSLA.ID).
		Update("sla_deadline", now.Add(-time.Hour)).Error)

	lapsedRescue := enqueueEntry(t, service, "tenant-1")

	claimed, err := service.ClaimForProcessing(ctx, lapsedRescue, "test")
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, service.MoveToAIRescue(ctx, lapsedRescue, time.Minute, "test"))
	require.NoError(t, dbConn.Model(&Entry{}).
		Where("id = ?", lapsedRescue.ID).
		Update("rescue_window_expires_at", now.Add(-time.Minute)).Error)

	healthy := enqueueEntry(t, service, "tenant-1")

	deadlined, err := service.Repository.DeadlineEntries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, deadlined, 3)

	for _, entry := range deadlined {
		require.NotEqual(t, healthy.ID, entry.ID)
	}
}

func TestTransitionWritesAuditTrail(t *testing.T) {
	dbConn := newTestDB(t)
	alwaysOpenSettings(t, dbConn, "tenant-1")

	service := NewService(dbConn, nil)
	ctx := context.Background()

	entry := enqueueEntry(t, service, "tenant-1")

	claimed, err := service.ClaimForProcessing(ctx, entry, "scheduler")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, service.MarkRecovered(ctx, entry, "sms", "scheduler"))

	records, err := audit.NewRecorder(dbConn).ListByEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, audit.ActionInsert, records[0].Action)
	require.Equal(t, audit.ActionUpdate, records[1].Action)
	require.Equal(t, audit.ActionUpdate, records[2].Action)
	require.NotEmpty(t, records[2].OldValues)
	require.NotEmpty(t, records[2].NewValues)
}
