// Package callback encodes workflow task tokens into single-purpose callback URLs and
// resolves visits to those URLs into orchestration calls.
package callback

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/tracing"
)

// RespondPath is the path of the public callback endpoint, relative to the base URL.
const RespondPath = "respond"

// EncoderConfig configures URL issuance.
type EncoderConfig struct {
	// BaseURL is the absolute URL the public endpoint is reachable under.
	BaseURL string
	Issuer  string
	Policy  Policy
	// ValidateTaskToken, when set, rejects task tokens the orchestration engine could
	// never complete, so the mistake surfaces when URLs are issued.
	ValidateTaskToken func(string) error
}

// Encoder turns task tokens into callback URLs.
type Encoder struct {
	codec   *Codec
	baseURL *url.URL
	issuer  string
	policy  Policy
	logger  *zap.Logger

	validateToken func(string) error

	now   func() time.Time
	newID func() string
}

// NewEncoder creates an Encoder.
func NewEncoder(codec *Codec, cfg EncoderConfig, logger *zap.Logger) (*Encoder, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("callback: base URL %q must be an absolute http(s) URL", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Encoder{
		codec:   codec,
		baseURL: u,
		issuer:  cfg.Issuer,
		policy:  cfg.Policy,
		logger:  logger,

		validateToken: cfg.ValidateTaskToken,

		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}, nil
}

// Encode issues a single URL for action. The output payload is the success output or
// the failure details; heartbeats ignore it.
func (e *Encoder) Encode(ctx context.Context, taskToken string, action ActionType, output map[string]any) (string, error) {
	if !action.Valid() {
		return "", newError(KindEncoding, "Encode", fmt.Sprintf("unknown action type %q", action), nil)
	}
	if action == ActionHeartbeat {
		output = nil
	}
	actions, err := ActionsFromPayload([]string{string(action)}, output)
	if err != nil {
		return "", newError(KindEncoding, "Encode", err.Error(), nil)
	}
	res, err := e.CreateURLs(ctx, &CreateRequest{TaskToken: taskToken, Actions: actions})
	if err != nil {
		return "", err
	}
	return res.URLs[string(action)], nil
}

// CreateURLs issues one URL per action in req. All URLs share a transaction id.
func (e *Encoder) CreateURLs(ctx context.Context, req *CreateRequest) (res *CreateResult, err error) {
	const op = "CreateURLs"
	ctx, span := tracing.StartSpan(ctx, "callback.CreateURLs", attribute.Int("callback.actions", len(req.Actions)))
	defer func() { tracing.EndSpan(span, err) }()

	if req.TaskToken == "" {
		return nil, newError(KindEncoding, op, "task token is required", nil)
	}
	if e.validateToken != nil {
		if err := e.validateToken(req.TaskToken); err != nil {
			return nil, newError(KindEncoding, op, "task token is not valid for the orchestration engine", err)
		}
	}
	if len(req.Actions) == 0 {
		return nil, newError(KindEncoding, op, "at least one action is required", nil)
	}

	now := e.now()
	var exp int64
	if !req.Expiration.IsZero() {
		if !req.Expiration.After(now) {
			return nil, newError(KindEncoding, op, "expiration must be in the future", nil)
		}
		exp = req.Expiration.Unix()
	}

	params := e.policy.DefaultParameters()
	if req.EnableOutputParameters != nil {
		if *req.EnableOutputParameters && e.policy.DisableOutputParameters {
			return nil, newError(KindParametersDisabled, op, "output parameters are disabled on this deployment", nil)
		}
		params = *req.EnableOutputParameters
	}

	tid := e.newID()
	res = &CreateResult{TransactionID: tid, URLs: make(map[string]string, len(req.Actions))}
	if exp != 0 {
		t := time.Unix(exp, 0).UTC()
		res.Expiration = &t
	}

	names := make([]string, 0, len(req.Actions))
	for name := range req.Actions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !ValidActionName(name) {
			return nil, newError(KindEncoding, op, fmt.Sprintf("invalid action name %q", name), nil)
		}
		action := req.Actions[name].Clone()
		if err := action.Validate(); err != nil {
			return nil, newError(KindEncoding, op, fmt.Sprintf("action %q: %v", name, err), nil)
		}
		claims := &Claims{
			Issuer:        e.issuer,
			IssuedAt:      now.Unix(),
			TransactionID: tid,
			ExpiresAt:     exp,
			TaskToken:     req.TaskToken,
			Name:          name,
			Action:        action,
			Parameters:    params && action.Type != ActionHeartbeat,
		}
		credential, err := e.codec.Encode(ctx, claims)
		if err != nil {
			return nil, err
		}
		res.URLs[name] = e.URLFor(credential)
	}

	e.logger.Debug("Issued callback URLs",
		zap.String("transaction_id", tid),
		zap.Strings("actions", names),
		zap.Bool("encrypted", e.codec.Encrypting()),
	)
	return res, nil
}

// URLFor composes the public URL carrying credential.
func (e *Encoder) URLFor(credential string) string {
	u := *e.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + RespondPath
	u.RawPath = ""
	u.RawQuery = url.Values{"token": {credential}}.Encode()
	u.Fragment = ""
	return u.String()
}
