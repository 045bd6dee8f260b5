package interceptors

import (
	"net/http"
	"strconv"

	"go.temporal.io/sdk/activity"
)

// Headers set on requests made from inside an activity.
const (
	HeaderWorkflowID = "X-Workflow-ID"
	HeaderRunID      = "X-Run-ID"
	HeaderActivityID = "X-Activity-ID"
	HeaderAttempt    = "X-Activity-Attempt"
)

// WorkflowHTTPRoundTripper tags outgoing requests with the calling activity's identity so
// webhook receivers can correlate callback URLs with the paused step.
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper wraps base, or http.DefaultTransport when base is nil.
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper. Requests outside an activity pass through unchanged.
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	info, ok := activityInfo(req)
	if !ok || info.WorkflowExecution.ID == "" {
		return w.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Set(HeaderWorkflowID, info.WorkflowExecution.ID)
	out.Header.Set(HeaderRunID, info.WorkflowExecution.RunID)
	out.Header.Set(HeaderActivityID, info.ActivityID)
	out.Header.Set(HeaderAttempt, strconv.Itoa(int(info.Attempt)))
	return w.base.RoundTrip(out)
}

// activityInfo returns false when the request context is not an activity context;
// activity.GetInfo panics there.
func activityInfo(req *http.Request) (info activity.Info, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return activity.GetInfo(req.Context()), true
}
