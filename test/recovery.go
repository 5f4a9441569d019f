package test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callwise/recallq/internal/airesponder"
	"github.com/callwise/recallq/internal/attempt"
	"github.com/callwise/recallq/internal/audit"
	"github.com/callwise/recallq/internal/breaker"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/consent"
	"github.com/callwise/recallq/internal/deadletter"
	"github.com/callwise/recallq/internal/idempotency"
	"github.com/callwise/recallq/internal/queue"
	"github.com/callwise/recallq/internal/ratelimit"
	"github.com/callwise/recallq/internal/tenant"
	"github.com/goccy/go-json"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// courierMock stands in for the messaging provider API. Failure and
// engagement behavior is toggled per test through the atomics.
type courierMock struct {
	failDelivery atomic.Bool
	engaged      atomic.Bool
	hits         atomic.Int32
}

func (m *courierMock) handler(t *testing.T) http.Handler {
	t.Helper()

	mux := http.NewServeMux()

	deliver := func(w http.ResponseWriter, r *http.Request) {
		m.hits.Add(1)

		if m.failDelivery.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"provider unavailable"}`))

			return
		}

		body, err := json.Marshal(map[string]any{
			"provider_message_id": "pm-" + r.URL.Path[len("/v1/"):],
			"engaged":             m.engaged.Load(),
		})
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}

	mux.HandleFunc("/v1/sms", deliver)
	mux.HandleFunc("/v1/voice", deliver)
	mux.HandleFunc("/v1/email", deliver)

	return mux
}

type fakeAssessor struct {
	confidence float64
	intent     string
	reply      string
}

func (f *fakeAssessor) AssessResponse(_ context.Context, _, _ string) (*airesponder.Assessment, error) {
	intent := f.intent
	if intent == "" {
		intent = airesponder.IntentCallback
	}

	return &airesponder.Assessment{
		Intent:         intent,
		Confidence:     f.confidence,
		SuggestedReply: f.reply,
	}, nil
}

func (f *fakeAssessor) ComposeMessage(_ context.Context, _, _ string, _ int) (*airesponder.Assessment, error) {
	return &airesponder.Assessment{
		Intent:         airesponder.IntentCallback,
		Confidence:     0.95,
		SuggestedReply: "we still want to reach you, reply anytime",
	}, nil
}

type dockertestResources struct {
	pool           *dockertest.Pool
	courierServer  *httptest.Server
	mu             sync.Mutex
	activeResource []*dockertest.Resource
}

func newResources(t *testing.T) *dockertestResources {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	pool.MaxWait = 3 * time.Minute

	return &dockertestResources{pool: pool}
}

func (r *dockertestResources) startCourierServer(t *testing.T, mock *courierMock) {
	t.Helper()

	r.courierServer = httptest.NewServer(mock.handler(t))
}

func (r *dockertestResources) startPostgres(t *testing.T) string {
	t.Helper()

	resource, err := r.pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15",
		Env: []string{
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_USER=recallq",
			"POSTGRES_DB=recallq",
		},
		ExposedPorts: []string{"5432/tcp"},
	})
	require.NoError(t, err)

	r.track(resource)

	hostPort := resource.GetHostPort("5432/tcp")
	host := "localhost"

	port := hostPort
	if strings.Contains(hostPort, ":") {
		parsedHost, parsedPort, err := net.SplitHostPort(hostPort)
		if err == nil {
			if parsedHost != "" && parsedHost != "0.0.0.0" {
				host = parsedHost
			}

			port = parsedPort
		} else {
			parts := strings.Split(hostPort, ":")
			port = parts[len(parts)-1]
		}
	}

	dsn := "host=" + host + " user=recallq password=secret dbname=recallq port=" + port + " sslmode=disable"

	require.NoError(t, r.pool.Retry(func() error {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		return sqlDB.Ping()
	}))

	return dsn
}

func (r *dockertestResources) cleanup(t *testing.T) {
	t.Helper()

	for _, res := range r.activeResource {
		_ = r.pool.Purge(res)
	}

	if r.courierServer != nil {
		r.courierServer.Close()
	}
}

func (r *dockertestResources) track(res *dockertest.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activeResource = append(r.activeResource, res)
}

func applySchema(t *testing.T, db *gorm.DB) {
	t.Helper()

	require.NoError(t, db.AutoMigrate(
		&queue.Entry{},
		&audit.Record{},
		&tenant.Settings{},
		&attempt.Record{},
		&consent.Record{},
		&idempotency.Record{},
		&ratelimit.WindowCounter{},
		&ratelimit.BlockRecord{},
		&deadletter.Entry{},
		&breaker.State{},
	))
}

func configureConfigForTest(t *testing.T, dsn, courierURL string) {
	t.Helper()

	host, port := parsePostgresDSN(dsn)
	if host == "" {
		host = "localhost"
	}

	if port == "" {
		port = "5432"
	}

	config.Conf.PostgresHost = host
	config.Conf.PostgresPort = port
	config.Conf.PostgresUsername = "recallq"
	config.Conf.PostgresPassword = "secret"
	config.Conf.PostgresDatabase = "recallq"
	config.Conf.DBIntervalCB = 1
	config.Conf.DBConsecutiveFailuresCB = 3

	config.Conf.CourierBaseUrl = courierURL
	config.Conf.CourierAPIKey = "test-key"
	config.Conf.CourierTimeout = 5
	config.Conf.CourierRetryMaxAttempts = 1
	config.Conf.CourierRetryBackoffMin = 1
	config.Conf.CourierRetryBackoffMax = 1
	config.Conf.CourierIntervalCB = 1
	config.Conf.CourierConsecutiveFailuresCB = 1

	config.Conf.ProviderFailureThresholdCB = 3
	config.Conf.ProviderOpenDurationSeconds = 300

	config.Conf.SchedulerPollInterval = 1
	config.Conf.SchedulerBatchSize = 10
	config.Conf.PoolSize = 4

	config.Conf.RateLimitWindowSeconds = 60
	config.Conf.RateLimitSoftThreshold = 1000
	config.Conf.RateLimitHardThreshold = 2000
	config.Conf.RateLimitBlockMinutes = 60

	config.Conf.DeadLetterMaxRetries = 2
	config.Conf.DeadLetterLimit = 10
	config.Conf.DeadLetterIntervalMinutes = 1
	config.Conf.DeadLetterBackoffBaseMinutes = 1
	config.Conf.DeadLetterPoolSize = 2

	config.Conf.DefaultResponseTimeHours = 4
	config.Conf.DefaultEscalationTimeHours = 48
	config.Conf.DefaultMaxRetries = 2
	config.Conf.DefaultBusinessDays = ""
	config.Conf.ConsentGraceHours = 24
	config.Conf.RescueWindowMinutes = 30

	config.Conf.RetryBackoffBaseMinutes = 1
	config.Conf.RetryBackoffCapMinutes = 10

	config.Conf.OutcomeEventsEnabled = false
	config.Conf.ArchivePurgedEntries = false

	config.Conf.LogFilePath = filepath.Join(os.TempDir(), "recallq-test.log")
	config.Conf.LogLevel = "INFO"
}

func parsePostgresDSN(dsn string) (string, string) {
	fields := strings.Fields(dsn)
	keyValues := map[string]string{}

	for _, field := range fields {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) == 2 {
			keyValues[parts[0]] = parts[1]
		}
	}

	return keyValues["host"], keyValues["port"]
}
