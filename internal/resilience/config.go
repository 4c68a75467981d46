package resilience

import (
	"time"
)

// Upstream call defaults: each attempt gets DefaultAttemptTimeout and a
// timed-out attempt is retried once.
const (
	DefaultAttemptTimeout = 15 * time.Second
	DefaultMaxAttempts    = 2
)

// FromUpstreamConfig converts config values to a RetryConfig for calls to an
// external collaborator (pricing engine, delivery). Only timeouts are retried.
func FromUpstreamConfig(service, operation string, timeoutSecs, maxAttempts int) RetryConfig {
	cfg := RetryConfig{
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
		ShouldRetry:    IsTimeout,
		Service:        service,
		Operation:      operation,
		OnRetry:        RetryLogger(service, operation),
	}
	if timeoutSecs > 0 {
		cfg.AttemptTimeout = time.Duration(timeoutSecs) * time.Second
	}
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	return cfg
}
