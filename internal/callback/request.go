package callback

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// CreateRequest asks for one URL per named action of a paused step.
type CreateRequest struct {
	TaskToken string
	Actions   map[string]Action
	// Expiration is the zero time when the URLs never expire.
	Expiration time.Time
	// EnableOutputParameters is nil to use the deployment default.
	EnableOutputParameters *bool
}

// CreateResult is the response to a CreateRequest.
type CreateResult struct {
	TransactionID string            `json:"transaction_id"`
	URLs          map[string]string `json:"urls"`
	Expiration    *time.Time        `json:"expiration,omitempty"`
}

type createRequestBody struct {
	TaskToken              string          `json:"taskToken"`
	Token                  string          `json:"token"`
	Actions                json.RawMessage `json:"actions"`
	OutputPayload          map[string]any  `json:"outputPayload"`
	Expiration             string          `json:"expiration"`
	EnableOutputParameters *bool           `json:"enable_output_parameters"`
}

// ParseCreateRequest decodes and validates a create request body. Two shapes are accepted:
//
//	{"taskToken": "...", "actions": ["success", "failure"], "outputPayload": {...}}
//	{"token": "...", "actions": {"approve": {"type": "success", "output": {...}}}}
//
// In the first shape each action is named after its type and outputPayload becomes the
// success output and the failure details.
func ParseCreateRequest(body []byte) (*CreateRequest, error) {
	const op = "ParseCreateRequest"
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, newError(KindEncoding, op, "request body is empty", ErrInvalidJSON)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, newError(KindEncoding, op, "request body is not valid JSON", fmt.Errorf("%w: %v", ErrInvalidJSON, err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, newError(KindEncoding, op, "request body is not valid JSON", fmt.Errorf("%w: trailing data", ErrInvalidJSON))
	}
	if err := ValidateCreateRequestDocument(doc); err != nil {
		return nil, newError(KindEncoding, op, fmt.Sprintf("invalid request: %v", err), nil)
	}

	var raw createRequestBody
	dec = json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, newError(KindEncoding, op, "invalid request", err)
	}

	req := &CreateRequest{
		TaskToken:              raw.TaskToken,
		EnableOutputParameters: raw.EnableOutputParameters,
	}
	if req.TaskToken == "" {
		req.TaskToken = raw.Token
	}

	actions, err := parseActions(raw.Actions, raw.OutputPayload)
	if err != nil {
		return nil, newError(KindEncoding, op, err.Error(), nil)
	}
	req.Actions = actions

	if raw.Expiration != "" {
		exp, err := time.Parse(time.RFC3339, raw.Expiration)
		if err != nil {
			return nil, newError(KindEncoding, op, "expiration must be an RFC 3339 timestamp", err)
		}
		req.Expiration = exp
	}
	return req, nil
}

func parseActions(raw json.RawMessage, payload map[string]any) (map[string]Action, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var types []string
		if err := json.Unmarshal(trimmed, &types); err != nil {
			return nil, fmt.Errorf("invalid actions: %v", err)
		}
		return ActionsFromPayload(types, payload)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var named map[string]Action
	if err := dec.Decode(&named); err != nil {
		return nil, fmt.Errorf("invalid actions: %v", err)
	}
	for name, a := range named {
		t, err := ParseActionType(string(a.Type))
		if err != nil {
			return nil, fmt.Errorf("action %q: %v", name, err)
		}
		a.Type = t
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("action %q: %v", name, err)
		}
		named[name] = a
	}
	return named, nil
}

// ActionsFromPayload builds one action per type, named after the type, with payload
// baked in as the success output and the failure details.
func ActionsFromPayload(types []string, payload map[string]any) (map[string]Action, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("at least one action is required")
	}
	actions := make(map[string]Action, len(types))
	for _, s := range types {
		t, err := ParseActionType(s)
		if err != nil {
			return nil, err
		}
		if _, dup := actions[string(t)]; dup {
			return nil, fmt.Errorf("duplicate action %q", t)
		}
		a := Action{Type: t}
		switch t {
		case ActionSuccess:
			a.Output = cloneMap(payload)
		case ActionFailure:
			a.Details = cloneMap(payload)
		}
		a.normalize()
		actions[string(t)] = a
	}
	return actions, nil
}
