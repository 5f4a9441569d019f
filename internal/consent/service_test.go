package consent

import (
	"context"
	"testing"
	"time"

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

	require.NoError(t, dbConn.AutoMigrate(&Record{}))

	return dbConn
}

func TestEvaluateUnknownCustomerIsPending(t *testing.T) {
	service := NewService(newTestDB(t))

	status, err := service.Evaluate(context.Background(), "tenant-1", "+15550001111")
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)
}

func TestSetAndEvaluate(t *testing.T) {
	service := NewService(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, "tenant-1", "+15550001111", StatusGranted, nil))

	status, err := service.Evaluate(ctx, "tenant-1", "+15550001111")
	require.NoError(t, err)
	require.Equal(t, StatusGranted, status)

	var record Record
	require.NoError(t, service.DBConn.
		Where("tenant_id = ? AND customer_phone = ?", "tenant-1", "+15550001111").
		First(&record).Error)
	require.NotNil(t, record.GrantedAt)
	require.False(t, record.Blocked())
}

func TestSetUpsertsWithdrawal(t *testing.T) {
	service := NewService(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, "tenant-1", "+15550001111", StatusGranted, nil))

	reason := "STOP keyword received"
	require.NoError(t, service.Set(ctx, "tenant-1", "+15550001111", StatusWithdrawn, &reason))

	status, err := service.Evaluate(ctx, "tenant-1", "+15550001111")
	require.NoError(t, err)
	require.Equal(t, StatusWithdrawn, status)

	var record Record
	require.NoError(t, service.DBConn.
		Where("tenant_id = ? AND customer_phone = ?", "tenant-1", "+15550001111").
		First(&record).Error)
	require.True(t, record.Blocked())
	require.NotNil(t, record.OptOutReason)
	require.Equal(t, reason, *record.OptOutReason)

	var count int64
	require.NoError(t, service.DBConn.Model(&Record{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestConsentIsScopedPerTenant(t *testing.T) {
	service := NewService(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, service.Set(ctx, "tenant-1", "+15550001111", StatusDenied, nil))

	status, err := service.Evaluate(ctx, "tenant-2", "+15550001111")
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)
}

func TestGraceExpired(t *testing.T) {
	now := time.Now()

	require.False(t, GraceExpired(now.Add(-1*time.Hour), 24, now))
	require.True(t, GraceExpired(now.Add(-25*time.Hour), 24, now))
	require.True(t, GraceExpired(now.Add(-time.Minute), 0, now))
}
