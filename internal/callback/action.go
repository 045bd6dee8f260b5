package callback

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ActionType is the closed set of outcomes a callback URL can trigger.
type ActionType string

const (
	ActionSuccess   ActionType = "success"
	ActionFailure   ActionType = "failure"
	ActionHeartbeat ActionType = "heartbeat"
)

// ActionTypes lists every action type in a stable order.
var ActionTypes = []ActionType{ActionSuccess, ActionFailure, ActionHeartbeat}

// ParseActionType accepts an action type in any letter case.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return t, nil
}

func (t ActionType) Valid() bool {
	switch t {
	case ActionSuccess, ActionFailure, ActionHeartbeat:
		return true
	}
	return false
}

// Terminal reports whether the action completes the paused step.
func (t ActionType) Terminal() bool {
	return t == ActionSuccess || t == ActionFailure
}

var actionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidActionName reports whether name may be used as a URL action name.
func ValidActionName(name string) bool {
	return actionNamePattern.MatchString(name)
}

// ResponseSpec customizes what the visitor sees after a successful callback.
// At most one field is set.
type ResponseSpec struct {
	JSON     map[string]any `json:"json,omitempty"`
	HTML     string         `json:"html,omitempty"`
	Text     string         `json:"text,omitempty"`
	Redirect string         `json:"redirect,omitempty"`
}

func (r *ResponseSpec) validate() error {
	set := 0
	if r.JSON != nil {
		set++
	}
	if r.HTML != "" {
		set++
	}
	if r.Text != "" {
		set++
	}
	if r.Redirect != "" {
		set++
		u, err := url.Parse(r.Redirect)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("response redirect must be an absolute http(s) URL")
		}
	}
	if set != 1 {
		return fmt.Errorf("response must set exactly one of json, html, text, redirect")
	}
	return nil
}

// Action is the definition baked into one callback URL.
type Action struct {
	Type ActionType `json:"type"`

	// Output is the success output.
	Output map[string]any `json:"output,omitempty"`

	// Error, Cause and Details describe a failure.
	Error   string         `json:"error,omitempty"`
	Cause   string         `json:"cause,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	Response *ResponseSpec `json:"response,omitempty"`
}

// Validate checks that the action only carries data its type uses.
func (a *Action) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	switch a.Type {
	case ActionSuccess:
		if a.Error != "" || a.Cause != "" || a.Details != nil {
			return fmt.Errorf("success action cannot carry error, cause or details")
		}
	case ActionFailure:
		if a.Output != nil {
			return fmt.Errorf("failure action cannot carry output")
		}
	case ActionHeartbeat:
		if a.Output != nil || a.Error != "" || a.Cause != "" || a.Details != nil {
			return fmt.Errorf("heartbeat action carries no data")
		}
	}
	if a.Response != nil {
		if err := a.Response.validate(); err != nil {
			return err
		}
	}
	return nil
}

// normalize fills defaults so encoding is deterministic.
func (a *Action) normalize() {
	if a.Type == ActionSuccess && a.Output == nil {
		a.Output = map[string]any{}
	}
}

// Clone returns a copy whose maps can be modified without touching a.
func (a Action) Clone() Action {
	out := a
	out.Output = cloneMap(a.Output)
	out.Details = cloneMap(a.Details)
	if a.Response != nil {
		r := *a.Response
		r.JSON = cloneMap(a.Response.JSON)
		out.Response = &r
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
