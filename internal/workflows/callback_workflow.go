package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/callback"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/constants"
)

// DefaultCallbackTimeout bounds how long a step waits for its URLs to be visited.
const DefaultCallbackTimeout = 24 * time.Hour

// CallbackWorkflowInput configures one paused step.
type CallbackWorkflowInput struct {
	Actions                map[string]callback.Action `json:"actions"`
	Expiration             time.Time                  `json:"expiration,omitempty"`
	EnableOutputParameters *bool                      `json:"enable_output_parameters,omitempty"`
	WebhookURL             string                     `json:"webhook_url,omitempty"`
	Metadata               map[string]any             `json:"metadata,omitempty"`

	// Timeout is how long to wait for a terminal callback. Zero uses DefaultCallbackTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`
	// HeartbeatTimeout, when set, fails the step if no heartbeat URL is visited in time.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout,omitempty"`
}

// CallbackWorkflowResult carries the output delivered through a success URL.
type CallbackWorkflowResult struct {
	Output map[string]any `json:"output"`
}

// CallbackWorkflow pauses on RequestCallbackURLs until a success or failure URL is
// visited. A failure URL fails the workflow with the error type baked into the URL.
func CallbackWorkflow(ctx workflow.Context, input CallbackWorkflowInput) (CallbackWorkflowResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting CallbackWorkflow", "actions", len(input.Actions))

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	if !input.Expiration.IsZero() {
		if until := input.Expiration.Sub(workflow.Now(ctx)); until > 0 && until < timeout {
			timeout = until
		}
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		// Both timeouts equal, so a step that was never answered is not reissued.
		ScheduleToCloseTimeout: timeout,
		StartToCloseTimeout:    timeout,
		HeartbeatTimeout:       input.HeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{activities.InvalidCallbackRequestType},
		},
	})

	var output map[string]any
	err := workflow.ExecuteActivity(ctx, constants.RequestCallbackURLsActivity, activities.RequestCallbackURLsInput{
		Actions:                input.Actions,
		Expiration:             input.Expiration,
		EnableOutputParameters: input.EnableOutputParameters,
		WebhookURL:             input.WebhookURL,
		Metadata:               input.Metadata,
	}).Get(ctx, &output)
	if err != nil {
		logger.Warn("Callback step did not succeed", "error", err)
		return CallbackWorkflowResult{}, err
	}

	logger.Info("Callback step completed", "output_keys", len(output))
	return CallbackWorkflowResult{Output: output}, nil
}
