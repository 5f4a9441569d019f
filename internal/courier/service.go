package courier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	ErrCourierServerError = errors.New("courier server error")
	ErrCourierRejected    = errors.New("courier rejected message")
	ErrUnknownMethod      = errors.New("unknown contact method")
)

const (
	MethodSMS   = "sms"
	MethodCall  = "call"
	MethodEmail = "email"
)

// Message is one outbound contact handed to the messaging provider.
type Message struct {
	EntryID       string `json:"entry_id"`
	TenantID      string `json:"tenant_id"`
	Method        string `json:"method"`
	CustomerPhone string `json:"customer_phone"`
	Body          string `json:"body"`
}

// Result is the provider's acknowledgement. Engaged is set for voice calls
// the customer answered, which resolves the case without waiting for an
// inbound reply.
type Result struct {
	ProviderMessageID string `json:"provider_message_id"`
	Engaged           bool   `json:"engaged"`
}

type Sender interface {
	Send(ctx context.Context, message *Message) (*Result, error)
}

type Service struct {
	Client *http.Client
}

func NewService() *Service {
	return &Service{
		Client: &http.Client{
			Timeout: time.Duration(config.Conf.CourierTimeout) * time.Second,
		},
	}
}

// Send delivers the message through the provider API. Server errors are
// retried with backoff and surface as ErrCourierServerError so callers can
// defer the case; 4xx responses are permanent and surface as
// ErrCourierRejected.
func (service *Service) Send(ctx context.Context, message *Message) (*Result, error) {
	apiUrl, err := methodURL(message.Method)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}

	var (
		body       []byte
		statusCode int
	)

	err = retry.Do(
		func() error {
			body, statusCode, err = service.doRequest(ctx, apiUrl, reqBody)
			if err != nil {
				return err
			}

			if statusCode >= http.StatusInternalServerError {
				return ErrCourierServerError
			}

			if statusCode >= http.StatusBadRequest {
				return retry.Unrecoverable(ErrCourierRejected)
			}

			return nil
		},
		retry.Attempts(config.Conf.CourierRetryMaxAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Duration(config.Conf.CourierRetryBackoffMin)*time.Second),
		retry.MaxDelay(time.Duration(config.Conf.CourierRetryBackoffMax)*time.Second),
	)
	if err != nil {
		logging.Logger.Error("courier send failed",
			zap.String("entry_id", message.EntryID),
			zap.String("method", message.Method),
			zap.Int("status_code", statusCode),
			zap.String("error", err.Error()),
		)

		if errors.Is(err, ErrCourierRejected) {
			return nil, ErrCourierRejected
		}

		if errors.Is(err, ErrCourierServerError) {
			return nil, ErrCourierServerError
		}

		// Network level failures are transient like 5xx responses.
		return nil, errors.Join(ErrCourierServerError, err)
	}

	var result Result

	err = json.Unmarshal(body, &result)
	if err != nil {
		return nil, err
	}

	logging.Logger.Info("courier message delivered",
		zap.String("entry_id", message.EntryID),
		zap.String("method", message.Method),
		zap.String("provider_message_id", result.ProviderMessageID),
		zap.Bool("engaged", result.Engaged),
	)

	return &result, nil
}

func methodURL(method string) (string, error) {
	switch method {
	case MethodSMS, MethodCall, MethodEmail:
	default:
		return "", ErrUnknownMethod
	}

	endpoint := method
	if method == MethodCall {
		endpoint = "voice"
	}

	return url.JoinPath(config.Conf.CourierBaseUrl, "v1", endpoint)
}

func (service *Service) doRequest(ctx context.Context, apiUrl string, reqBody []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiUrl, bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("Authorization", "Bearer "+config.Conf.CourierAPIKey)
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	resp, err := service.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		cerr := resp.Body.Close()
		if cerr != nil {
			logging.Logger.Error("Failed to close response body", zap.String("error", cerr.Error()))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}
