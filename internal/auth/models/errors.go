package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork indicates the provider could not be reached. Retryable.
	ErrNetwork = errors.New("oauth.network")
	// ErrProviderRejected indicates a non-success status from the provider.
	ErrProviderRejected = errors.New("oauth.provider_rejected")
	// ErrMalformedResponse indicates a provider body that does not parse into a token response.
	ErrMalformedResponse = errors.New("oauth.malformed_response")
	// ErrStateMismatch indicates the callback state does not match the pending login.
	ErrStateMismatch = errors.New("oauth.callback.state_mismatch")
	// ErrMissingParameters indicates the callback lacked code or state.
	ErrMissingParameters = errors.New("oauth.callback.missing_parameters")
	// ErrLoginExpiredOrNotStarted indicates no pending login exists to complete.
	ErrLoginExpiredOrNotStarted = errors.New("oauth.login.expired_or_not_started")
	// ErrPortBind indicates the loopback port stayed unavailable after eviction.
	ErrPortBind = errors.New("oauth.callback.port_bind")
	// ErrTimeout indicates no callback arrived within the configured wait.
	ErrTimeout = errors.New("oauth.callback.timeout")
	// ErrLoginAbandoned indicates a newer login replaced this one before its callback arrived.
	ErrLoginAbandoned = errors.New("oauth.login.abandoned")
)

// ProviderRejectedError carries the provider response for a non-success status.
type ProviderRejectedError struct {
	StatusCode int
	Body       string
}

func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

func (e *ProviderRejectedError) Unwrap() error {
	return ErrProviderRejected
}
