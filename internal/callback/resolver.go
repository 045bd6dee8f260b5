package callback

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/orchestration"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/tracing"
)

// Reserved request keys that are never treated as output parameters.
const (
	paramToken  = "token"
	paramAction = "action"
)

const (
	DefaultCallTimeout  = 10 * time.Second
	DefaultRetryBackoff = 200 * time.Millisecond
)

// Request is an inbound callback, independent of the HTTP layer.
type Request struct {
	Method string
	Query  url.Values
	// Body is a decoded JSON object body, if any.
	Body map[string]any
	// Form holds url-encoded form fields, if any.
	Form url.Values
}

// Outcome describes a resolved callback.
type Outcome struct {
	TransactionID string
	Name          string
	Action        Action
	// ParametersApplied is true when caller parameters were merged into the action.
	ParametersApplied bool
	// Attempts is the number of engine calls made.
	Attempts int
}

// ResolverConfig configures callback resolution.
type ResolverConfig struct {
	Policy       Policy
	CallTimeout  time.Duration
	RetryBackoff time.Duration
}

// Resolver turns inbound callbacks into exactly one orchestration call.
type Resolver struct {
	codec  *Codec
	engine orchestration.Engine
	cfg    ResolverConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(codec *Codec, engine orchestration.Engine, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{codec: codec, engine: engine, cfg: cfg, logger: logger, now: time.Now}
}

// Resolve decodes the credential in req, applies the output parameter policy and
// dispatches the action. No engine call is made unless decoding and policy succeed.
func (r *Resolver) Resolve(ctx context.Context, req Request) (out *Outcome, err error) {
	const op = "Resolve"
	ctx, span := tracing.StartSpan(ctx, "callback.Resolve", attribute.String("http.method", req.Method))
	defer func() { tracing.EndSpan(span, err) }()

	credential, params := splitRequest(req)
	if credential == "" {
		return nil, newError(KindMalformedCredential, op, "missing token", nil)
	}
	fp := Fingerprint(credential)

	claims, err := r.decode(ctx, credential)
	if err != nil {
		r.logDecodeFailure(fp, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("callback.transaction_id", claims.TransactionID),
		attribute.String("callback.action", claims.Name),
	)

	if claims.Expired(r.now()) {
		return nil, newError(KindExpired, op, "", nil)
	}
	if name, ok := params[paramAction]; ok {
		if s, isString := name.(string); !isString || s != claims.Name {
			return nil, newError(KindActionMismatch, op, "action does not match this link", nil)
		}
	}
	delete(params, paramAction)

	out = &Outcome{TransactionID: claims.TransactionID, Name: claims.Name, Action: claims.Action.Clone()}
	if len(params) > 0 && claims.Action.Type != ActionHeartbeat {
		if r.cfg.Policy.Allows(claims) {
			out.Action = ApplyParameters(claims.Action, params)
			out.ParametersApplied = true
		} else {
			r.logger.Debug("Ignoring caller output parameters",
				zap.String("credential", fp),
				zap.String("transaction_id", claims.TransactionID),
				zap.Bool("deployment_disabled", r.cfg.Policy.DisableOutputParameters),
			)
		}
	}

	attempts, err := r.dispatch(ctx, claims.TaskToken, out.Action)
	out.Attempts = attempts
	if err != nil {
		err = r.dispatchError(err)
		r.logDispatchFailure(fp, claims, attempts, err)
		return nil, err
	}

	r.logger.Info("Callback resolved",
		zap.String("credential", fp),
		zap.String("transaction_id", claims.TransactionID),
		zap.String("action", claims.Name),
		zap.String("type", string(out.Action.Type)),
		zap.Int("attempts", attempts),
	)
	return out, nil
}

// decode retries once when the key provider is unavailable. Decoding has no side
// effects, so the retry is always safe.
func (r *Resolver) decode(ctx context.Context, credential string) (*Claims, error) {
	var claims *Claims
	err := backoff.Retry(func() error {
		var err error
		claims, err = r.codec.Decode(ctx, credential)
		if err != nil && !errors.Is(err, ErrKeyUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, r.retryPolicy(ctx))
	return claims, err
}

// dispatch issues the single orchestration call for action. Heartbeats are retried once
// on any unavailability. Terminal actions are retried only when the failed attempt
// provably never reached the engine.
func (r *Resolver) dispatch(ctx context.Context, taskToken string, action Action) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "callback.Dispatch", attribute.String("callback.type", string(action.Type)))
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()

		var err error
		switch action.Type {
		case ActionSuccess:
			err = r.engine.SendSuccess(callCtx, taskToken, action.Output)
		case ActionFailure:
			err = r.engine.SendFailure(callCtx, taskToken, orchestration.Failure{
				Error:   action.Error,
				Cause:   action.Cause,
				Details: action.Details,
			})
		case ActionHeartbeat:
			err = r.engine.SendHeartbeat(callCtx, taskToken)
		default:
			return backoff.Permanent(newError(KindMalformedCredential, "Dispatch", "unknown action type", nil))
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			err = &orchestration.CallError{Op: "Dispatch", Kind: orchestration.ErrUnavailable, Delivered: true, Err: err}
		}
		if r.retryable(action.Type, err) {
			return err
		}
		return backoff.Permanent(err)
	}, r.retryPolicy(ctx))
	span.SetAttributes(attribute.Int("callback.attempts", attempts))
	tracing.EndSpan(span, err)
	return attempts, err
}

func (r *Resolver) retryable(t ActionType, err error) bool {
	if !errors.Is(err, orchestration.ErrUnavailable) {
		return false
	}
	if t == ActionHeartbeat {
		return true
	}
	return orchestration.NotDelivered(err)
}

func (r *Resolver) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBackoff
	b.MaxInterval = r.cfg.RetryBackoff * 4
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx)
}

func (r *Resolver) dispatchError(err error) error {
	const op = "Dispatch"
	var cbErr *Error
	if errors.As(err, &cbErr) {
		return err
	}
	switch {
	case errors.Is(err, orchestration.ErrInvalidTaskToken):
		return newError(KindMalformedCredential, op, "task token is not valid for the orchestration engine", err)
	case errors.Is(err, orchestration.ErrRejected):
		return newError(KindOrchestrationRejected, op, "", err)
	case errors.Is(err, context.Canceled):
		return newError(KindOrchestrationUnavailable, op, "request cancelled", err)
	default:
		return newError(KindOrchestrationUnavailable, op, "", err)
	}
}

func (r *Resolver) logDecodeFailure(fp string, err error) {
	fields := []zap.Field{zap.String("credential", fp), zap.Error(err)}
	switch KindOf(err) {
	case KindIntegrity:
		r.logger.Error("Callback credential failed integrity check", fields...)
	case KindKeyUnavailable:
		r.logger.Warn("Encryption key unavailable while decoding callback", fields...)
	default:
		r.logger.Info("Rejected malformed callback credential", fields...)
	}
}

func (r *Resolver) logDispatchFailure(fp string, claims *Claims, attempts int, err error) {
	fields := []zap.Field{
		zap.String("credential", fp),
		zap.String("transaction_id", claims.TransactionID),
		zap.String("action", claims.Name),
		zap.Int("attempts", attempts),
		zap.Error(err),
	}
	switch KindOf(err) {
	case KindOrchestrationRejected:
		r.logger.Info("Orchestration engine rejected callback", fields...)
	case KindMalformedCredential:
		r.logger.Warn("Callback carries a task token the engine cannot use", fields...)
	default:
		r.logger.Warn("Orchestration engine unavailable", fields...)
	}
}

// splitRequest extracts the credential and the caller parameters from req. GET requests
// carry parameters in the query string, POST requests in the body or form.
func splitRequest(req Request) (string, map[string]any) {
	params := make(map[string]any)
	var credential string

	if req.Method == "POST" {
		for k, v := range req.Body {
			params[k] = v
		}
		for k, vs := range req.Form {
			params[k] = flattenValues(vs)
		}
		if s, ok := params[paramToken].(string); ok {
			credential = s
		}
	} else {
		for k, vs := range req.Query {
			params[k] = flattenValues(vs)
		}
	}
	if credential == "" {
		credential = req.Query.Get(paramToken)
	}
	if s, ok := params[paramToken].(string); ok && credential == "" {
		credential = s
	}
	delete(params, paramToken)
	return credential, params
}

func flattenValues(vs []string) any {
	if len(vs) == 1 {
		return vs[0]
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}
