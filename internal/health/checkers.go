package health

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/circuitbreaker"
)

// Pinger is a dependency that can report its own reachability.
type Pinger interface {
	CheckHealth(ctx context.Context) error
}

// OrchestrationHealthChecker checks the workflow engine frontend.
type OrchestrationHealthChecker struct {
	engine  Pinger
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

// NewOrchestrationHealthChecker creates an engine health checker. breaker may be nil.
func NewOrchestrationHealthChecker(engine Pinger, breaker *circuitbreaker.CircuitBreaker) *OrchestrationHealthChecker {
	return &OrchestrationHealthChecker{engine: engine, breaker: breaker, timeout: 5 * time.Second}
}

func (o *OrchestrationHealthChecker) Name() string           { return "orchestration" }
func (o *OrchestrationHealthChecker) IsCritical() bool       { return true }
func (o *OrchestrationHealthChecker) Timeout() time.Duration { return o.timeout }

func (o *OrchestrationHealthChecker) Check(ctx context.Context) CheckResult {
	if o.breaker != nil && o.breaker.IsOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "circuit breaker open",
			Message: "Orchestration circuit breaker is open",
		}
	}
	return latencyResult(ctx, "Orchestration engine", 500*time.Millisecond, o.engine.CheckHealth)
}

// KeyDescriber is a key provider able to verify its key without encrypting.
type KeyDescriber interface {
	Describe(ctx context.Context) error
}

// KeyProviderHealthChecker checks that the encryption key is usable.
type KeyProviderHealthChecker struct {
	provider KeyDescriber
	keyID    string
	timeout  time.Duration
}

// NewKeyProviderHealthChecker creates a key provider health checker.
func NewKeyProviderHealthChecker(provider KeyDescriber, keyID string) *KeyProviderHealthChecker {
	return &KeyProviderHealthChecker{provider: provider, keyID: keyID, timeout: 5 * time.Second}
}

func (k *KeyProviderHealthChecker) Name() string           { return "key_provider" }
func (k *KeyProviderHealthChecker) IsCritical() bool       { return true }
func (k *KeyProviderHealthChecker) Timeout() time.Duration { return k.timeout }

func (k *KeyProviderHealthChecker) Check(ctx context.Context) CheckResult {
	r := latencyResult(ctx, "Key provider", time.Second, k.provider.Describe)
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	r.Details["key_id"] = k.keyID
	return r
}

// WebhookHealthChecker reports the webhook delivery breaker. It is not critical: issued
// URLs stay visible on the pending activity when delivery fails.
type WebhookHealthChecker struct {
	breaker *circuitbreaker.CircuitBreaker
}

// NewWebhookHealthChecker creates a webhook delivery checker.
func NewWebhookHealthChecker(breaker *circuitbreaker.CircuitBreaker) *WebhookHealthChecker {
	return &WebhookHealthChecker{breaker: breaker}
}

func (w *WebhookHealthChecker) Name() string           { return "webhook" }
func (w *WebhookHealthChecker) IsCritical() bool       { return false }
func (w *WebhookHealthChecker) Timeout() time.Duration { return time.Second }

func (w *WebhookHealthChecker) Check(context.Context) CheckResult {
	state := w.breaker.State()
	details := map[string]any{
		"state":                state.String(),
		"consecutive_failures": w.breaker.Counts().ConsecutiveFailures,
	}
	switch state {
	case circuitbreaker.StateOpen:
		return CheckResult{Status: StatusDegraded, Error: "circuit breaker open", Message: "Webhook delivery suspended", Details: details}
	case circuitbreaker.StateHalfOpen:
		return CheckResult{Status: StatusDegraded, Message: "Webhook delivery recovering", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: "Webhook delivery healthy", Details: details}
	}
}

// BreakerStateSource lists circuit breaker states by name.
type BreakerStateSource interface {
	States() map[string]circuitbreaker.State
}

// CircuitBreakerHealthChecker reports degraded health while any breaker is not closed.
// It is not critical: the owning dependency's checker decides readiness.
type CircuitBreakerHealthChecker struct {
	source BreakerStateSource
}

// NewCircuitBreakerHealthChecker creates a breaker state checker.
func NewCircuitBreakerHealthChecker(source BreakerStateSource) *CircuitBreakerHealthChecker {
	return &CircuitBreakerHealthChecker{source: source}
}

func (c *CircuitBreakerHealthChecker) Name() string           { return "circuit_breakers" }
func (c *CircuitBreakerHealthChecker) IsCritical() bool       { return false }
func (c *CircuitBreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (c *CircuitBreakerHealthChecker) Check(context.Context) CheckResult {
	states := c.source.States()
	details := make(map[string]any, len(states))
	notClosed := 0
	for name, s := range states {
		details[name] = s.String()
		if s != circuitbreaker.StateClosed {
			notClosed++
		}
	}
	if notClosed > 0 {
		return CheckResult{Status: StatusDegraded, Message: "Some circuit breakers are not closed", Details: details}
	}
	return CheckResult{Status: StatusHealthy, Message: "All circuit breakers closed", Details: details}
}

// latencyResult runs ping and grades the outcome by error and latency.
func latencyResult(ctx context.Context, what string, slow time.Duration, ping func(context.Context) error) CheckResult {
	start := time.Now()
	err := ping(ctx)
	latency := time.Since(start)
	details := map[string]any{"latency_ms": latency.Milliseconds()}

	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: what + " check failed", Details: details}
	case latency > slow:
		return CheckResult{Status: StatusDegraded, Message: what + " responding but with high latency", Details: details}
	default:
		return CheckResult{Status: StatusHealthy, Message: what + " healthy", Details: details}
	}
}
