package channel

import "fmt"

// Error is the generic channel failure. Retryable by the channel's own
// bounded retry loop before escalating to the orchestrator.
type Error struct {
	Channel string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s channel: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s channel: %s", e.Channel, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ConnectionError is an auth or connectivity failure. Not usefully retryable
// without external re-auth; marks the channel as errored.
type ConnectionError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s channel connection: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s channel connection: %s", e.Channel, e.Reason)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RateLimitError is a provider-side throttle. Never retried internally so
// the orchestrator can fall back to another channel immediately.
type RateLimitError struct {
	Channel    string
	RetryAfter int // seconds, 0 when the provider gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s channel rate limited, retry after %ds", e.Channel, e.RetryAfter)
	}
	return fmt.Sprintf("%s channel rate limited", e.Channel)
}
