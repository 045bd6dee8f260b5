package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/callback"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/orchestration"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/tracing"
)

// InvalidCallbackRequestType is the error type of a request the encoder refused.
// Retrying it cannot succeed.
const InvalidCallbackRequestType = "InvalidCallbackRequest"

// RequestCallbackURLsInput describes the URLs to issue for the running activity.
type RequestCallbackURLsInput struct {
	Actions                map[string]callback.Action `json:"actions"`
	Expiration             time.Time                  `json:"expiration,omitempty"`
	EnableOutputParameters *bool                      `json:"enable_output_parameters,omitempty"`
	// WebhookURL overrides the configured webhook for this request.
	WebhookURL string         `json:"webhook_url,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CallbackNotification is posted to the webhook and recorded as heartbeat details, so
// the URLs are also visible on the pending activity.
type CallbackNotification struct {
	TransactionID string            `json:"transaction_id"`
	URLs          map[string]string `json:"urls"`
	Expiration    *time.Time        `json:"expiration,omitempty"`
	WorkflowID    string            `json:"workflow_id"`
	RunID         string            `json:"run_id"`
	ActivityID    string            `json:"activity_id"`
	Attempt       int32             `json:"attempt"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// CallbackActivities issues callback URLs from inside a paused workflow step.
type CallbackActivities struct {
	encoder    *callback.Encoder
	webhook    *circuitbreaker.HTTPWrapper
	webhookURL string
	logger     *zap.Logger
}

// NewCallbackActivities creates the activities. client may be nil for the default.
func NewCallbackActivities(encoder *callback.Encoder, client *http.Client, webhookURL string, logger *zap.Logger) *CallbackActivities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackActivities{
		encoder:    encoder,
		webhook:    circuitbreaker.NewHTTPWrapper(client, "webhook", "activities", logger),
		webhookURL: webhookURL,
		logger:     logger,
	}
}

// Breaker exposes the webhook breaker for health reporting.
func (a *CallbackActivities) Breaker() *circuitbreaker.CircuitBreaker { return a.webhook.Breaker() }

// RequestCallbackURLs issues URLs bound to this activity's task token and returns
// activity.ErrResultPending. The activity completes when one of the URLs is visited.
func (a *CallbackActivities) RequestCallbackURLs(ctx context.Context, in RequestCallbackURLsInput) (map[string]any, error) {
	info := activity.GetInfo(ctx)
	note, err := a.issue(ctx, info.TaskToken, in)
	if err != nil {
		return nil, err
	}
	note.WorkflowID = info.WorkflowExecution.ID
	note.RunID = info.WorkflowExecution.RunID
	note.ActivityID = info.ActivityID
	note.Attempt = info.Attempt

	activity.RecordHeartbeat(ctx, note)
	if err := a.notify(ctx, in.WebhookURL, note); err != nil {
		return nil, err
	}

	activity.GetLogger(ctx).Info("Callback URLs issued",
		"transaction_id", note.TransactionID,
		"actions", len(note.URLs),
	)
	return nil, activity.ErrResultPending
}

// issue encodes rawToken into one URL per action.
func (a *CallbackActivities) issue(ctx context.Context, rawToken []byte, in RequestCallbackURLsInput) (*CallbackNotification, error) {
	if len(rawToken) == 0 {
		return nil, temporal.NewNonRetryableApplicationError("activity has no task token", InvalidCallbackRequestType, nil)
	}
	res, err := a.encoder.CreateURLs(ctx, &callback.CreateRequest{
		TaskToken:              orchestration.EncodeTaskToken(rawToken),
		Actions:                in.Actions,
		Expiration:             in.Expiration,
		EnableOutputParameters: in.EnableOutputParameters,
	})
	if err != nil {
		switch callback.KindOf(err) {
		case callback.KindEncoding, callback.KindParametersDisabled:
			return nil, temporal.NewNonRetryableApplicationError(callback.PublicMessage(err), InvalidCallbackRequestType, err)
		default:
			return nil, err
		}
	}
	return &CallbackNotification{
		TransactionID: res.TransactionID,
		URLs:          res.URLs,
		Expiration:    res.Expiration,
		Metadata:      in.Metadata,
	}, nil
}

// notify posts note to the webhook. Without a webhook it does nothing.
func (a *CallbackActivities) notify(ctx context.Context, override string, note *CallbackNotification) (err error) {
	target := override
	if target == "" {
		target = a.webhookURL
	}
	if target == "" {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "callback.NotifyWebhook")
	defer func() { tracing.EndSpan(span, err) }()

	body, err := json.Marshal(note)
	if err != nil {
		return temporal.NewNonRetryableApplicationError("encode webhook payload", InvalidCallbackRequestType, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return temporal.NewNonRetryableApplicationError("invalid webhook URL", InvalidCallbackRequestType, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", note.TransactionID)
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.webhook.Do(req)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		a.logger.Warn("Webhook delivery failed",
			zap.String("transaction_id", note.TransactionID),
			zap.String("host", req.URL.Host),
			zap.Error(err),
		)
		return fmt.Errorf("deliver callback URLs: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	metrics.WebhookDeliveries.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("deliver callback URLs: webhook returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return temporal.NewNonRetryableApplicationError(err.Error(), "WebhookRejected", nil)
		}
		return err
	}
	return nil
}
