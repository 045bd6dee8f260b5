package callback

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/keyprovider"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/orchestration"
)

// Error categories. Integrity and key availability share their sentinels with the
// key provider, and the orchestration ones with the engine, so errors.Is works across
// package boundaries without translation.
var (
	// ErrEncoding is returned when a create request or payload cannot be encoded.
	ErrEncoding = errors.New("invalid callback request")

	// ErrInvalidJSON marks a request body that does not parse as JSON. Such errors are
	// encoding errors with their own public code.
	ErrInvalidJSON = errors.New("request body is not valid JSON")

	// ErrMalformedCredential is returned when a credential is structurally invalid.
	ErrMalformedCredential = errors.New("malformed callback credential")

	// ErrIntegrity is returned when authenticated decryption fails.
	ErrIntegrity = keyprovider.ErrIntegrity

	// ErrKeyUnavailable is returned when the encryption provider cannot serve the key.
	ErrKeyUnavailable = keyprovider.ErrKeyUnavailable

	// ErrOrchestrationRejected is returned when the engine refused the call.
	ErrOrchestrationRejected = orchestration.ErrRejected

	// ErrOrchestrationUnavailable is returned when the engine could not be reached.
	ErrOrchestrationUnavailable = orchestration.ErrUnavailable

	// ErrExpired is returned when a credential is past its expiration.
	ErrExpired = errors.New("callback credential has expired")

	// ErrParametersDisabled is returned when output parameters are requested on a
	// deployment that disables them.
	ErrParametersDisabled = errors.New("output parameters are disabled")

	// ErrActionMismatch is returned when the request names a different action than the credential.
	ErrActionMismatch = errors.New("action does not match credential")
)

// Kind classifies an error for logging, status mapping and retry decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindEncoding
	KindMalformedCredential
	KindIntegrity
	KindKeyUnavailable
	KindOrchestrationRejected
	KindOrchestrationUnavailable
	KindExpired
	KindParametersDisabled
	KindActionMismatch
)

func (k Kind) String() string {
	switch k {
	case KindEncoding:
		return "EncodingError"
	case KindMalformedCredential:
		return "MalformedCredentialError"
	case KindIntegrity:
		return "IntegrityError"
	case KindKeyUnavailable:
		return "KeyUnavailableError"
	case KindOrchestrationRejected:
		return "OrchestrationRejectedError"
	case KindOrchestrationUnavailable:
		return "OrchestrationUnavailableError"
	case KindExpired:
		return "ExpiredError"
	case KindParametersDisabled:
		return "ParametersDisabledError"
	case KindActionMismatch:
		return "ActionMismatchError"
	default:
		return "InternalError"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindEncoding:
		return ErrEncoding
	case KindMalformedCredential:
		return ErrMalformedCredential
	case KindIntegrity:
		return ErrIntegrity
	case KindKeyUnavailable:
		return ErrKeyUnavailable
	case KindOrchestrationRejected:
		return ErrOrchestrationRejected
	case KindOrchestrationUnavailable:
		return ErrOrchestrationUnavailable
	case KindExpired:
		return ErrExpired
	case KindParametersDisabled:
		return ErrParametersDisabled
	case KindActionMismatch:
		return ErrActionMismatch
	default:
		return nil
	}
}

// Error is the typed error returned by the encoder, codec and resolver.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		if s := e.Kind.sentinel(); s != nil {
			msg = s.Error()
		} else {
			msg = "internal error"
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap exposes both the category sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf classifies any error, including bare sentinels from other packages.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{
		KindIntegrity, KindMalformedCredential, KindEncoding, KindExpired,
		KindParametersDisabled, KindActionMismatch, KindKeyUnavailable,
		KindOrchestrationRejected, KindOrchestrationUnavailable,
	} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindInternal
}

// PublicCode is the stable code shown to callers. Integrity failures share the code of
// malformed credentials so the response does not reveal which check failed.
func PublicCode(err error) string {
	switch k := KindOf(err); k {
	case KindIntegrity, KindMalformedCredential:
		return "InvalidCredential"
	case KindEncoding:
		if errors.Is(err, ErrInvalidJSON) {
			return "InvalidJSON"
		}
		return k.String()
	default:
		return k.String()
	}
}

// PublicMessage is the caller-facing message for err.
func PublicMessage(err error) string {
	switch k := KindOf(err); k {
	case KindIntegrity, KindMalformedCredential:
		return "the callback link is invalid"
	case KindEncoding, KindParametersDisabled, KindActionMismatch:
		var e *Error
		if errors.As(err, &e) && e.Msg != "" {
			return e.Msg
		}
		return k.sentinel().Error()
	case KindExpired:
		return "the callback link has expired"
	case KindOrchestrationRejected:
		return "the workflow step is no longer waiting for this callback"
	case KindKeyUnavailable, KindOrchestrationUnavailable:
		return "the service is temporarily unavailable, try again later"
	default:
		return "internal error"
	}
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindEncoding, KindMalformedCredential, KindIntegrity, KindParametersDisabled, KindActionMismatch:
		return http.StatusBadRequest
	case KindExpired:
		return http.StatusGone
	case KindOrchestrationRejected:
		return http.StatusConflict
	case KindKeyUnavailable, KindOrchestrationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
