package orchestration

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/circuitbreaker"
)

// CallbackFailureType is the application error type used when a failure callback
// does not name one.
const CallbackFailureType = "CallbackFailure"

// TemporalEngine completes asynchronously running activities. A task token here is the
// standard base64 encoding of the activity task token bytes.
type TemporalEngine struct {
	client  client.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewTemporalEngine wraps a Temporal client with a circuit breaker.
func NewTemporalEngine(c client.Client, logger *zap.Logger) *TemporalEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.NewCircuitBreaker("temporal", circuitbreaker.GetTemporalConfig().ToConfig(), logger)
	circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker("temporal", "orchestration", cb)
	return &TemporalEngine{client: c, breaker: cb, logger: logger}
}

// EncodeTaskToken renders Temporal task token bytes as a callback task token.
func EncodeTaskToken(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeTaskToken reverses EncodeTaskToken.
func DecodeTaskToken(token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("%w: expected base64 Temporal task token bytes", ErrInvalidTaskToken)
	}
	return raw, nil
}

// ValidateTaskToken reports whether token can be completed through a TemporalEngine.
func ValidateTaskToken(token string) error {
	_, err := DecodeTaskToken(token)
	return err
}

func (e *TemporalEngine) SendSuccess(ctx context.Context, taskToken string, output map[string]any) error {
	raw, err := DecodeTaskToken(taskToken)
	if err != nil {
		return &CallError{Op: "SendSuccess", Kind: ErrRejected, Err: err}
	}
	if output == nil {
		output = map[string]any{}
	}
	return e.call(ctx, "SendSuccess", func(ctx context.Context) error {
		return e.client.CompleteActivity(ctx, raw, output, nil)
	})
}

func (e *TemporalEngine) SendFailure(ctx context.Context, taskToken string, failure Failure) error {
	raw, err := DecodeTaskToken(taskToken)
	if err != nil {
		return &CallError{Op: "SendFailure", Kind: ErrRejected, Err: err}
	}
	return e.call(ctx, "SendFailure", func(ctx context.Context) error {
		return e.client.CompleteActivity(ctx, raw, nil, failureToError(failure))
	})
}

func (e *TemporalEngine) SendHeartbeat(ctx context.Context, taskToken string) error {
	raw, err := DecodeTaskToken(taskToken)
	if err != nil {
		return &CallError{Op: "SendHeartbeat", Kind: ErrRejected, Err: err}
	}
	return e.call(ctx, "SendHeartbeat", func(ctx context.Context) error {
		return e.client.RecordActivityHeartbeat(ctx, raw)
	})
}

// CheckHealth asks the Temporal frontend whether it is serving.
func (e *TemporalEngine) CheckHealth(ctx context.Context) error {
	_, err := e.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err
}

// Breaker exposes the engine breaker for health reporting.
func (e *TemporalEngine) Breaker() *circuitbreaker.CircuitBreaker { return e.breaker }

func (e *TemporalEngine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := e.breaker.ExecuteClassified(ctx, func() error { return fn(ctx) }, func(err error) bool {
		kind, _ := classify(err)
		return errors.Is(kind, ErrUnavailable)
	})
	circuitbreaker.GlobalMetricsCollector.RecordRequest("temporal", "orchestration", e.breaker.State(), err == nil)
	if err == nil {
		return nil
	}

	kind, delivered := classify(err)
	e.logger.Debug("Temporal call failed",
		zap.String("op", op),
		zap.Bool("rejected", errors.Is(kind, ErrRejected)),
		zap.Bool("maybe_delivered", delivered),
		zap.Error(err),
	)
	return &CallError{Op: op, Kind: kind, Delivered: delivered, Err: err}
}

// failureToError builds the activity failure. A callback failure is a decision made
// outside the workflow, so retrying the activity would not change it.
func failureToError(f Failure) error {
	errType := f.Error
	if errType == "" {
		errType = CallbackFailureType
	}
	message := f.Cause
	if message == "" {
		message = errType
	}
	if len(f.Details) > 0 {
		return temporal.NewNonRetryableApplicationError(message, errType, nil, f.Details)
	}
	return temporal.NewNonRetryableApplicationError(message, errType, nil)
}

// classify maps a Temporal client error onto ErrRejected or ErrUnavailable. The second
// result reports whether the request may have reached the frontend.
func classify(err error) (error, bool) {
	var (
		notFound     *serviceerror.NotFound
		invalid      *serviceerror.InvalidArgument
		precondition *serviceerror.FailedPrecondition
		unavailable  *serviceerror.Unavailable
		exhausted    *serviceerror.ResourceExhausted
		deadline     *serviceerror.DeadlineExceeded
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &invalid), errors.As(err, &precondition):
		return ErrRejected, true
	case circuitbreaker.IsBreakerError(err):
		return ErrUnavailable, false
	case errors.As(err, &unavailable), errors.As(err, &exhausted):
		return ErrUnavailable, false
	case errors.As(err, &deadline), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrUnavailable, true
	default:
		return ErrUnavailable, true
	}
}
