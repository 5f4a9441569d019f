package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	HTTPPort    string `mapstructure:"http_port"`
	HTTPTimeout int    `mapstructure:"http_timeout"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`

	SchedulerPollInterval int `mapstructure:"scheduler_poll_interval"`
	SchedulerBatchSize    int `mapstructure:"scheduler_batch_size"`
	PoolSize              int `mapstructure:"pool_size"`

	IdempotencyTTLHours int `mapstructure:"idempotency_ttl_hours"`

	RateLimitWindowSeconds int `mapstructure:"rate_limit_window_seconds"`
	RateLimitSoftThreshold int `mapstructure:"rate_limit_soft_threshold"`
	RateLimitHardThreshold int `mapstructure:"rate_limit_hard_threshold"`
	RateLimitBlockMinutes  int `mapstructure:"rate_limit_block_minutes"`

	ProviderFailureThresholdCB  uint32 `mapstructure:"provider_failure_threshold_cb"`
	ProviderOpenDurationSeconds int    `mapstructure:"provider_open_duration_seconds"`

	CourierBaseUrl               string `mapstructure:"courier_base_url"`
	CourierAPIKey                string `mapstructure:"courier_api_key"`
	CourierTimeout               int    `mapstructure:"courier_timeout"`
	CourierRetryMaxAttempts      uint   `mapstructure:"courier_retry_max_attempts"`
	CourierRetryBackoffMin       int    `mapstructure:"courier_retry_backoff_min"`
	CourierRetryBackoffMax       int    `mapstructure:"courier_retry_backoff_max"`
	CourierIntervalCB            uint32 `mapstructure:"courier_interval_cb"`
	CourierConsecutiveFailuresCB uint32 `mapstructure:"courier_consecutive_failures_cb"`

	AIBaseUrl               string  `mapstructure:"ai_base_url"`
	AIModel                 string  `mapstructure:"ai_model"`
	AITimeout               int     `mapstructure:"ai_timeout"`
	AIRetryMaxAttempts      uint    `mapstructure:"ai_retry_max_attempts"`
	AIRetryMinBackoff       int     `mapstructure:"ai_retry_min_backoff"`
	AIRetryMaxBackoff       int     `mapstructure:"ai_retry_max_backoff"`
	AIIntervalCB            uint32  `mapstructure:"ai_interval_cb"`
	AIConsecutiveFailuresCB uint32  `mapstructure:"ai_consecutive_failures_cb"`
	AIConfidenceThreshold   float64 `mapstructure:"ai_confidence_threshold"`
	EscalationOnAIFailure   bool    `mapstructure:"escalation_on_ai_failure"`

	DeadLetterMaxRetries         int `mapstructure:"deadletter_max_retries"`
	DeadLetterLimit              int `mapstructure:"deadletter_limit"`
	DeadLetterIntervalMinutes    int `mapstructure:"deadletter_interval_minutes"`
	DeadLetterBackoffBaseMinutes int `mapstructure:"deadletter_backoff_base_minutes"`
	DeadLetterPoolSize           int `mapstructure:"deadletter_pool_size"`

	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"`
	KafkaUsername              string `mapstructure:"kafka_username"`
	KafkaPassword              string `mapstructure:"kafka_password"`
	KafkaOutcomeTopic          string `mapstructure:"kafka_outcome_topic"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`
	OutcomeEventsEnabled       bool   `mapstructure:"outcome_events_enabled"`

	MinioEndpointURL            string `mapstructure:"minio_endpoint_url"`
	MinioAccessKey              string `mapstructure:"minio_access_key"`
	MinioSecretKey              string `mapstructure:"minio_secret_key"`
	MinioBucketName             string `mapstructure:"minio_bucket_name"`
	MinioPathPrefix             string `mapstructure:"minio_path_prefix"`
	MinioTimeout                int    `mapstructure:"minio_timeout"`
	MinioMaxRetryAttempts       uint   `mapstructure:"minio_max_retry_attempts"`
	MinioRetryBackoffMinSeconds int    `mapstructure:"minio_retry_backoff_min_seconds"`
	MinioRetryBackoffMaxSeconds int    `mapstructure:"minio_retry_backoff_max_seconds"`
	MinioIntervalCB             uint32 `mapstructure:"minio_interval_cb"`
	MinioConsecutiveFailuresCB  uint32 `mapstructure:"minio_consecutive_failures_cb"`
	ArchivePurgedEntries        bool   `mapstructure:"archive_purged_entries"`

	DefaultResponseTimeHours   int    `mapstructure:"default_response_time_hours"`
	DefaultEscalationTimeHours int    `mapstructure:"default_escalation_time_hours"`
	DefaultMaxRetries          int    `mapstructure:"default_max_retries"`
	DefaultBusinessHoursStart  int    `mapstructure:"default_business_hours_start"`
	DefaultBusinessHoursEnd    int    `mapstructure:"default_business_hours_end"`
	DefaultBusinessDays        string `mapstructure:"default_business_days"`

	ConsentGraceHours       int  `mapstructure:"consent_grace_hours"`
	RescueWindowMinutes     int  `mapstructure:"rescue_window_minutes"`
	CountRescueWindowExpiry bool `mapstructure:"count_rescue_window_expiry"`

	RetryBackoffBaseMinutes int `mapstructure:"retry_backoff_base_minutes"`
	RetryBackoffCapMinutes  int `mapstructure:"retry_backoff_cap_minutes"`

	SweeperSchedule    string `mapstructure:"sweeper_schedule"`
	AuditRetentionDays int    `mapstructure:"audit_retention_days"`
	DataRetentionDays  int    `mapstructure:"data_retention_days"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`
}

var Conf Config

func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	err = viper.Unmarshal(cfg)
	if err != nil {
		return err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return err
	}

	return nil
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("POSTGRES_HOST", "127.0.0.1")
	viper.SetDefault("POSTGRES_USERNAME", "recallq")
	viper.SetDefault("POSTGRES_PORT", "5432")
	viper.SetDefault("POSTGRES_DATABASE", "recallq")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("HTTP_TIMEOUT", "30")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
	viper.SetDefault("SCHEDULER_POLL_INTERVAL", "60")
	viper.SetDefault("SCHEDULER_BATCH_SIZE", "100")
	viper.SetDefault("POOL_SIZE", "10")
	viper.SetDefault("IDEMPOTENCY_TTL_HOURS", "2160")
	viper.SetDefault("RATE_LIMIT_WINDOW_SECONDS", "60")
	viper.SetDefault("RATE_LIMIT_SOFT_THRESHOLD", "120")
	viper.SetDefault("RATE_LIMIT_HARD_THRESHOLD", "300")
	viper.SetDefault("RATE_LIMIT_BLOCK_MINUTES", "60")
	viper.SetDefault("PROVIDER_FAILURE_THRESHOLD_CB", "3")
	viper.SetDefault("PROVIDER_OPEN_DURATION_SECONDS", "300")
	viper.SetDefault("COURIER_TIMEOUT", "30")
	viper.SetDefault("COURIER_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("COURIER_RETRY_BACKOFF_MIN", "1")
	viper.SetDefault("COURIER_RETRY_BACKOFF_MAX", "10")
	viper.SetDefault("COURIER_INTERVAL_CB", "30")
	viper.SetDefault("COURIER_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("AI_MODEL", "gpt-4o-mini")
	viper.SetDefault("AI_TIMEOUT", "30")
	viper.SetDefault("AI_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("AI_RETRY_MIN_BACKOFF", "1")
	viper.SetDefault("AI_RETRY_MAX_BACKOFF", "10")
	viper.SetDefault("AI_INTERVAL_CB", "30")
	viper.SetDefault("AI_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("AI_CONFIDENCE_THRESHOLD", "0.7")
	viper.SetDefault("ESCALATION_ON_AI_FAILURE", "false")
	viper.SetDefault("DEADLETTER_MAX_RETRIES", "3")
	viper.SetDefault("DEADLETTER_LIMIT", "100")
	viper.SetDefault("DEADLETTER_INTERVAL_MINUTES", "1")
	viper.SetDefault("DEADLETTER_BACKOFF_BASE_MINUTES", "5")
	viper.SetDefault("DEADLETTER_POOL_SIZE", "3")
	viper.SetDefault("KAFKA_OUTCOME_TOPIC", "recallq.case.outcomes")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("OUTCOME_EVENTS_ENABLED", "false")
	viper.SetDefault("MINIO_TIMEOUT", "60")
	viper.SetDefault("MINIO_MAX_RETRY_ATTEMPTS", "3")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MIN_SECONDS", "1")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MAX_SECONDS", "10")
	viper.SetDefault("MINIO_INTERVAL_CB", "300")
	viper.SetDefault("MINIO_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("ARCHIVE_PURGED_ENTRIES", "false")
	viper.SetDefault("DEFAULT_RESPONSE_TIME_HOURS", "2")
	viper.SetDefault("DEFAULT_ESCALATION_TIME_HOURS", "48")
	viper.SetDefault("DEFAULT_MAX_RETRIES", "3")
	viper.SetDefault("DEFAULT_BUSINESS_HOURS_START", "9")
	viper.SetDefault("DEFAULT_BUSINESS_HOURS_END", "17")
	viper.SetDefault("DEFAULT_BUSINESS_DAYS", "1,2,3,4,5")
	viper.SetDefault("CONSENT_GRACE_HOURS", "24")
	viper.SetDefault("RESCUE_WINDOW_MINUTES", "30")
	viper.SetDefault("COUNT_RESCUE_WINDOW_EXPIRY", "true")
	viper.SetDefault("RETRY_BACKOFF_BASE_MINUTES", "5")
	viper.SetDefault("RETRY_BACKOFF_CAP_MINUTES", "240")
	viper.SetDefault("SWEEPER_SCHEDULE", "0 3 * * *")
	viper.SetDefault("AUDIT_RETENTION_DAYS", "365")
	viper.SetDefault("DATA_RETENTION_DAYS", "365")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
}
