package airesponder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/callwise/recallq/internal/circuitbreak"
	"github.com/callwise/recallq/internal/config"
	"github.com/callwise/recallq/internal/logging"
	"github.com/goccy/go-json"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var ErrEmptyCompletion = errors.New("model returned empty completion")

const (
	IntentReschedule = "reschedule"
	IntentCallback   = "callback"
	IntentComplaint  = "complaint"
	IntentResolved   = "resolved"
	IntentUnclear    = "unclear"
)

// Assessment is the model's reading of a customer reply.
type Assessment struct {
	Intent         string  `json:"intent"`
	Confidence     float64 `json:"confidence"`
	SuggestedReply string  `json:"suggested_reply"`
}

type Assessor interface {
	AssessResponse(ctx context.Context, entryID, message string) (*Assessment, error)
	ComposeMessage(ctx context.Context, entryID, tenantID string, attemptNumber int) (*Assessment, error)
}

type Client struct {
	Client         *openai.Client
	CircuitBreaker *gobreaker.CircuitBreaker[string]
}

func NewClient() *Client {
	opts := []option.RequestOption{
		option.WithRequestTimeout(time.Duration(config.Conf.AITimeout) * time.Second),
	}

	if config.Conf.AIBaseUrl != "" {
		opts = append(opts, option.WithBaseURL(config.Conf.AIBaseUrl))
	}

	client := openai.NewClient(opts...)

	return &Client{
		Client:         &client,
		CircuitBreaker: newCircuitBreaker(),
	}
}

func newCircuitBreaker() *gobreaker.CircuitBreaker[string] {
	settings := gobreaker.Settings{
		Name:     "AIResponder",
		Interval: time.Duration(config.Conf.AIIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.AIConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Info("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.AIService)
			}
		},
	}

	return gobreaker.NewCircuitBreaker[string](settings)
}

const assessPrompt = `You triage replies from customers whose call a business missed.
Classify the customer message and answer with a single JSON object:
{"intent": "reschedule|callback|complaint|resolved|unclear", "confidence": 0.0-1.0, "suggested_reply": "..."}
The suggested reply must be short, polite and must not promise anything beyond a follow-up.`

// AssessResponse classifies a customer's inbound reply and drafts a follow-up.
func (client *Client) AssessResponse(ctx context.Context, entryID, message string) (*Assessment, error) {
	completion, err := client.complete(ctx, entryID, assessPrompt, message)
	if err != nil {
		return nil, err
	}

	var assessment Assessment

	err = json.Unmarshal([]byte(extractJSON(completion)), &assessment)
	if err != nil {
		logging.Logger.Error("failed to parse model assessment",
			zap.String("entry_id", entryID),
			zap.String("completion", completion),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("customer response assessed",
		zap.String("entry_id", entryID),
		zap.String("intent", assessment.Intent),
		zap.Float64("confidence", assessment.Confidence),
	)

	return &assessment, nil
}

const composePrompt = `You write outreach messages to customers whose call a business missed.
Draft one short SMS-length message apologising for the missed call and offering to help.
Do not use placeholders, emoji or marketing language.
Answer with a single JSON object:
{"intent": "callback", "confidence": 0.0-1.0, "suggested_reply": "<the message>"}
Confidence is how sure you are the draft is safe to send without review.`

// ComposeMessage drafts the outbound text for a follow-up attempt, together
// with the model's confidence in its own draft.
func (client *Client) ComposeMessage(ctx context.Context, entryID, tenantID string, attemptNumber int) (*Assessment, error) {
	input := fmt.Sprintf("tenant: %s, follow-up attempt number: %d", tenantID, attemptNumber)

	completion, err := client.complete(ctx, entryID, composePrompt, input)
	if err != nil {
		return nil, err
	}

	var assessment Assessment

	err = json.Unmarshal([]byte(extractJSON(completion)), &assessment)
	if err != nil {
		logging.Logger.Error("failed to parse composed message",
			zap.String("entry_id", entryID),
			zap.String("completion", completion),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	assessment.SuggestedReply = strings.TrimSpace(assessment.SuggestedReply)

	return &assessment, nil
}

func (client *Client) complete(ctx context.Context, entryID, system, user string) (string, error) {
	return client.CircuitBreaker.Execute(func() (string, error) {
		var completion string

		err := retry.Do(
			func() error {
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}

				resp, err := client.Client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
					Model: openai.ChatModel(config.Conf.AIModel),
					Messages: []openai.ChatCompletionMessageParamUnion{
						openai.SystemMessage(system),
						openai.UserMessage(user),
					},
				})
				if err != nil {
					logging.Logger.Error("completion request failed",
						zap.String("entry_id", entryID),
						zap.String("error", err.Error()),
					)

					return err
				}

				if len(resp.Choices) == 0 {
					return ErrEmptyCompletion
				}

				completion = resp.Choices[0].Message.Content

				return nil
			},
			retry.Attempts(config.Conf.AIRetryMaxAttempts),
			retry.DelayType(retry.BackOffDelay),
			retry.Delay(time.Duration(config.Conf.AIRetryMinBackoff)*time.Second),
			retry.MaxDelay(time.Duration(config.Conf.AIRetryMaxBackoff)*time.Second),
		)
		if err != nil {
			return "", err
		}

		return completion, nil
	})
}

// Models sometimes wrap the JSON object in a code fence.
func extractJSON(completion string) string {
	start := strings.Index(completion, "{")
	end := strings.LastIndex(completion, "}")

	if start == -1 || end == -1 || end < start {
		return completion
	}

	return completion[start : end+1]
}
