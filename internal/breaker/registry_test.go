package breaker

import (
	"context"
	"errors"
	"testing"

	"github.com/callwise/recallq/internal/config"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var errProviderDown = errors.New("provider down")

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dbConn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := dbConn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, dbConn.AutoMigrate(&State{}))

	return dbConn
}

func newTestRegistry(t *testing.T, threshold uint32) *Registry {
	t.Helper()

	prevThreshold := config.Conf.ProviderFailureThresholdCB
	prevDuration := config.Conf.ProviderOpenDurationSeconds

	config.Conf.ProviderFailureThresholdCB = threshold
	config.Conf.ProviderOpenDurationSeconds = 300

	t.Cleanup(func() {
		config.Conf.ProviderFailureThresholdCB = prevThreshold
		config.Conf.ProviderOpenDurationSeconds = prevDuration
	})

	return NewRegistry(newTestDB(t))
}

func TestExecutePassesThroughResults(t *testing.T) {
	registry := newTestRegistry(t, 2)

	result, err := registry.Execute("sms", "tenant-1", func() (any, error) {
		return "delivered", nil
	})
	require.NoError(t, err)
	require.Equal(t, "delivered", result)
}

func TestExecuteOpensAfterConsecutiveFailures(t *testing.T) {
	registry := newTestRegistry(t, 2)

	for i := 0; i < 2; i++ {
		_, err := registry.Execute("sms", "tenant-1", func() (any, error) {
			return nil, errProviderDown
		})
		require.ErrorIs(t, err, errProviderDown)
	}

	_, err := registry.Execute("sms", "tenant-1", func() (any, error) {
		t.Fatal("open breaker must not call the provider")
		return nil, nil
	})
	require.True(t, IsOpenErr(err))
}

func TestOpenBreakerPersistsState(t *testing.T) {
	registry := newTestRegistry(t, 2)

	for i := 0; i < 2; i++ {
		_, _ = registry.Execute("sms", "tenant-1", func() (any, error) {
			return nil, errProviderDown
		})
	}

	states, err := registry.States(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "sms", states[0].Provider)
	require.Equal(t, "tenant-1", states[0].TenantID)
	require.Equal(t, "open", states[0].Status)
	require.Equal(t, 2, states[0].FailureCount)
	require.NotNil(t, states[0].LastFailureAt)
	require.False(t, states[0].LastFailureAt.IsZero())
}

func TestClosingKeepsLastFailureTimestamp(t *testing.T) {
	registry := newTestRegistry(t, 2)

	registry.persistState("sms", "tenant-1", gobreaker.StateOpen)
	registry.persistState("sms", "tenant-1", gobreaker.StateHalfOpen)
	registry.persistState("sms", "tenant-1", gobreaker.StateClosed)

	states, err := registry.States(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "closed", states[0].Status)
	require.Equal(t, 0, states[0].FailureCount)

	// Recovery resets the streak without erasing when the provider last failed.
	require.NotNil(t, states[0].LastFailureAt)
	require.False(t, states[0].LastFailureAt.IsZero())
}

func TestBreakersAreIsolatedPerTenant(t *testing.T) {
	registry := newTestRegistry(t, 2)

	for i := 0; i < 2; i++ {
		_, _ = registry.Execute("sms", "tenant-noisy", func() (any, error) {
			return nil, errProviderDown
		})
	}

	_, err := registry.Execute("sms", "tenant-noisy", func() (any, error) {
		return nil, nil
	})
	require.True(t, IsOpenErr(err))

	result, err := registry.Execute("sms", "tenant-quiet", func() (any, error) {
		return "delivered", nil
	})
	require.NoError(t, err)
	require.Equal(t, "delivered", result)
}

func TestBreakersAreIsolatedPerProvider(t *testing.T) {
	registry := newTestRegistry(t, 2)

	for i := 0; i < 2; i++ {
		_, _ = registry.Execute("sms", "tenant-1", func() (any, error) {
			return nil, errProviderDown
		})
	}

	result, err := registry.Execute("call", "tenant-1", func() (any, error) {
		return "answered", nil
	})
	require.NoError(t, err)
	require.Equal(t, "answered", result)
}

func TestIsOpenErr(t *testing.T) {
	require.False(t, IsOpenErr(nil))
	require.False(t, IsOpenErr(errProviderDown))
}
