// Package orchestration relays resolved callbacks to the workflow engine.
//
// The engine exposes three primitive calls. Success and failure complete a paused
// step and may only succeed once per task token; heartbeat only proves liveness and
// can be repeated.
package orchestration

import (
	"context"
	"errors"
	"fmt"
)

// Engine is the orchestration side of a callback.
type Engine interface {
	SendSuccess(ctx context.Context, taskToken string, output map[string]any) error
	SendFailure(ctx context.Context, taskToken string, failure Failure) error
	SendHeartbeat(ctx context.Context, taskToken string) error
}

// Failure describes why a paused step failed.
type Failure struct {
	Error   string         `json:"error,omitempty"`
	Cause   string         `json:"cause,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

var (
	// ErrRejected means the engine answered and refused the call: the task token is
	// unknown, already completed, or malformed.
	ErrRejected = errors.New("orchestration call rejected")
	// ErrUnavailable means the engine could not be reached or did not answer in time.
	ErrUnavailable = errors.New("orchestration engine unavailable")
	// ErrInvalidTaskToken means the task token is not in the engine's format. It is
	// reported as a rejection that never reached the engine.
	ErrInvalidTaskToken = errors.New("task token is not valid for this engine")
)

// CallError carries the outcome of a failed engine call.
type CallError struct {
	Op  string
	Err error
	// Kind is ErrRejected or ErrUnavailable.
	Kind error
	// Delivered is true when the request may have reached the engine, so a retry could
	// apply a terminal action twice.
	Delivered bool
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *CallError) Unwrap() []error { return []error{e.Kind, e.Err} }

// NotDelivered reports whether err proves the request never reached the engine.
func NotDelivered(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return errors.Is(ce.Kind, ErrUnavailable) && !ce.Delivered
	}
	return false
}
