package constants

// Activity and workflow names used for registration and execution.
const (
	// RequestCallbackURLsActivity issues callback URLs for its own task token and
	// completes asynchronously when one of them is visited.
	RequestCallbackURLsActivity = "RequestCallbackURLs"

	CallbackWorkflowName = "CallbackWorkflow"

	// DefaultTaskQueue is used when none is configured.
	DefaultTaskQueue = "callbacks"
)
