package tenant

import (
	"context"
	"errors"

	"github.com/callwise/recallq/internal/database"
	"github.com/sony/gobreaker/v2"
	"gorm.io/gorm"
)

var ErrInvalidSettingsResult = errors.New("invalid result type, it should be pointer to Settings struct")

type Repository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *Repository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &Repository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// GetSettings returns the tenant's policy, falling back to service defaults
// when the tenant never configured one.
func (repository *Repository) GetSettings(ctx context.Context, tenantID string) (*Settings, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var settings Settings

		err := repository.DBConn.WithContext(ctx).
			Where("tenant_id = ?", tenantID).
			First(&settings).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DefaultSettings(tenantID), nil
		}

		if err != nil {
			return nil, err
		}

		return &settings, nil
	})
	if err != nil {
		return nil, err
	}

	settings, ok := result.(*Settings)
	if !ok {
		return nil, ErrInvalidSettingsResult
	}

	return settings, nil
}

// UpsertSettings stores a tenant's policy, replacing any previous row.
func (repository *Repository) UpsertSettings(ctx context.Context, settings *Settings) error {
	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		err := repository.DBConn.WithContext(ctx).Save(settings).Error

		return nil, err
	})

	return err
}
