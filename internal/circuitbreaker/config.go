package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CircuitBreakerConfig is the env-tunable form of Config for one dependency.
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// GetTemporalConfig returns the breaker settings for Temporal frontend calls
// (activity completion and heartbeats).
func GetTemporalConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32("CB_TEMPORAL_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_TEMPORAL_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_TEMPORAL_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_TEMPORAL_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_TEMPORAL_SUCCESS_THRESHOLD", 2),
	}
}

// GetKMSConfig returns the breaker settings for KMS data key calls.
func GetKMSConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32("CB_KMS_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_KMS_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("CB_KMS_TIMEOUT", 20*time.Second),
		FailureThreshold: getEnvUint32("CB_KMS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_KMS_SUCCESS_THRESHOLD", 1),
	}
}

// GetHTTPConfig returns the breaker settings for outbound webhook delivery.
func GetHTTPConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32("CB_HTTP_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_HTTP_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_HTTP_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_HTTP_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_HTTP_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts CircuitBreakerConfig to circuit breaker Config
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
