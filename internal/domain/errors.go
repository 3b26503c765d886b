package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCallerNotFound          = errors.New("caller not found")
	ErrInvalidAPIKey           = errors.New("invalid API key")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrProviderNotFound        = errors.New("provider not found")
	ErrModelNotFound           = errors.New("model not found")
	ErrModelAccessDenied       = errors.New("model access denied")
	ErrIntegrationNotConnected = errors.New("integration not connected")
	ErrCircuitBreakerOpen      = errors.New("circuit breaker open")
)

// UpstreamError carries a provider's own status and message so transport
// failures surface to the caller with upstream detail preserved.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("upstream error: status=%d message=%s", e.StatusCode, e.Message)
}
