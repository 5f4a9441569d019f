package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	"github.com/callwise/recallq/internal/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registry keeps one circuit breaker per (provider, tenant) pair so a flaky
// provider for one tenant never blocks outreach for another.
type Registry struct {
	DBConn *gorm.DB

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]

	failureThreshold uint32
	openDuration     time.Duration
}

func NewRegistry(dbConn *gorm.DB) *Registry {
	return &Registry{
		DBConn:           dbConn,
		breakers:         make(map[string]*gobreaker.CircuitBreaker[any]),
		failureThreshold: config.Conf.ProviderFailureThresholdCB,
		openDuration:     time.Duration(config.Conf.ProviderOpenDurationSeconds) * time.Second,
	}
}

// Execute runs fn under the breaker for the given provider and tenant. When
// the breaker is open the call is rejected without touching the provider.
func (registry *Registry) Execute(provider, tenantID string, fn func() (any, error)) (any, error) {
	cb := registry.get(provider, tenantID)

	result, err := cb.Execute(fn)
	if IsOpenErr(err) {
		prometheus.BreakerRejections.WithLabelValues(provider).Inc()
	}

	return result, err
}

// IsOpenErr reports whether err is a breaker rejection rather than a failure
// of the wrapped call itself.
func IsOpenErr(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (registry *Registry) get(provider, tenantID string) *gobreaker.CircuitBreaker[any] {
	key := provider + "|" + tenantID

	registry.mu.Lock()
	defer registry.mu.Unlock()

	cb, ok := registry.breakers[key]
	if ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("%s/%s", provider, tenantID),
		MaxRequests: 1,
		Timeout:     registry.openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= registry.failureThreshold
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Info("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			registry.persistState(provider, tenantID, toState)
		},
	}

	cb = gobreaker.NewCircuitBreaker[any](settings)
	registry.breakers[key] = cb

	return cb
}

func (registry *Registry) persistState(provider, tenantID string, toState gobreaker.State) {
	state := State{
		Provider: provider,
		TenantID: tenantID,
		Status:   toState.String(),
	}

	updates := map[string]any{
		"status": state.Status,
	}

	switch toState {
	case gobreaker.StateOpen:
		now := time.Now()
		state.FailureCount = int(registry.failureThreshold)
		state.LastFailureAt = &now
		updates["failure_count"] = state.FailureCount
		updates["last_failure_at"] = state.LastFailureAt

	case gobreaker.StateClosed:
		// The failure streak is over; the last failure time stays on record.
		updates["failure_count"] = 0
	}

	err := registry.DBConn.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "tenant_id"}},
			DoUpdates: clause.Assignments(updates),
		}).
		Create(&state).Error
	if err != nil {
		logging.Logger.Error("failed to persist circuit breaker state",
			zap.String("provider", provider),
			zap.String("tenant_id", tenantID),
			zap.String("error", err.Error()),
		)
	}
}

// States lists the persisted breaker rows for the inspection API.
func (registry *Registry) States(ctx context.Context) ([]State, error) {
	var states []State

	err := registry.DBConn.WithContext(ctx).
		Order("provider, tenant_id").
		Find(&states).Error
	if err != nil {
		return nil, err
	}

	return states, nil
}
