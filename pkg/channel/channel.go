package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agent-relay/pkg/breaker"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
)

// Provider is the external collaborator behind a channel: it owns OAuth,
// token refresh, message formatting and the actual wire protocol. The relay
// only sees the three defined error kinds from it.
type Provider interface {
	// Authenticate establishes or validates credentials for the user. A nil
	// connection with nil error means the user has no usable credentials.
	Authenticate(ctx context.Context, userID string) (*models.ChannelConnection, error)
	// Push delivers one rendered payload to the recipient.
	Push(ctx context.Context, recipient, subject, body string) error
	// Probe is a lightweight connectivity check.
	Probe(ctx context.Context) error
}

// ConnectionStore persists the credential bundle a provider returns, keyed
// by (user, channel type) and replaced wholesale on every authentication.
type ConnectionStore interface {
	PutChannelConnection(conn models.ChannelConnection)
}

// HealthStatus is the per-channel operational snapshot.
type HealthStatus struct {
	Channel         models.ChannelType   `json:"channel"`
	Status          models.ChannelStatus `json:"status"`
	ErrorCount      int                  `json:"error_count"`
	SuccessCount    int                  `json:"success_count"`
	SuccessRate     float64              `json:"success_rate"`
	LastHealthCheck time.Time            `json:"last_health_check,omitempty"`
	CircuitBreaker  breaker.Status       `json:"circuit_breaker"`
}

// Channel is one communication surface the relay can deliver through. Every
// implementation shares the same retry and circuit-breaking behavior via the
// embedded base; only the provider wiring differs.
type Channel interface {
	Type() models.ChannelType
	// Initialize establishes provider credentials for the user. False with a
	// nil error means no credentials: fail closed, the orchestrator skips.
	Initialize(ctx context.Context, userID string) (bool, error)
	Send(ctx context.Context, msg models.Message, recipient string) error
	RequestFeedback(ctx context.Context, req models.FeedbackRequest, recipient string) error
	CheckHealth(ctx context.Context) (bool, error)
	Breaker() *breaker.Breaker
	Status() models.ChannelStatus
	Health() HealthStatus
}

// RetrySettings bound the exponential backoff wrapped around provider calls.
type RetrySettings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 60 * time.Second
)

// base carries the shared state of every channel: circuit breaker, retry
// settings, success/error counters and channel status.
type base struct {
	channelType models.ChannelType
	provider    Provider
	brk         *breaker.Breaker
	retry       RetrySettings
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	connections ConnectionStore // optional

	mu              sync.Mutex
	status          models.ChannelStatus
	errorCount      int
	successCount    int
	lastHealthCheck time.Time
}

func newBase(channelType models.ChannelType, provider Provider, brk *breaker.Breaker, retry RetrySettings, logger *logrus.Logger, m *metrics.Metrics) *base {
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = DefaultMaxRetries
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultBaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = DefaultMaxDelay
	}

	b := &base{
		channelType: channelType,
		provider:    provider,
		brk:         brk,
		retry:       retry,
		logger:      logger,
		metrics:     m,
		status:      models.ChannelStatusInactive,
	}
	brk.OnTransition(func(from, to breaker.State) {
		m.BreakerTransitionsTotal.WithLabelValues(string(channelType), string(to)).Inc()
		logger.WithFields(logrus.Fields{
			"channel": channelType,
			"from":    from,
			"to":      to,
		}).Info("Circuit breaker state changed")
	})
	return b
}

func (b *base) Type() models.ChannelType {
	return b.channelType
}

func (b *base) Breaker() *breaker.Breaker {
	return b.brk
}

func (b *base) Status() models.ChannelStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) setStatus(status models.ChannelStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *base) Health() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.successCount + b.errorCount
	rate := 0.0
	if total > 0 {
		rate = float64(b.successCount) / float64(total)
	}

	return HealthStatus{
		Channel:         b.channelType,
		Status:          b.status,
		ErrorCount:      b.errorCount,
		SuccessCount:    b.successCount,
		SuccessRate:     rate,
		LastHealthCheck: b.lastHealthCheck,
		CircuitBreaker:  b.brk.Status(),
	}
}

// Initialize validates provider credentials for the user. Missing or
// expired, non-refreshable credentials fail closed.
func (b *base) Initialize(ctx context.Context, userID string) (bool, error) {
	conn, err := b.provider.Authenticate(ctx, userID)
	if err != nil {
		b.setStatus(models.ChannelStatusError)
		b.metrics.ChannelInitializations.WithLabelValues(string(b.channelType), "error").Inc()
		return false, err
	}
	if conn == nil || !conn.Active {
		b.setStatus(models.ChannelStatusInactive)
		b.metrics.ChannelInitializations.WithLabelValues(string(b.channelType), "no_credentials").Inc()
		return false, nil
	}

	if b.connections != nil {
		b.connections.PutChannelConnection(*conn)
	}

	b.setStatus(models.ChannelStatusActive)
	b.metrics.ChannelInitializations.WithLabelValues(string(b.channelType), "ok").Inc()
	b.logger.WithFields(logrus.Fields{
		"channel": b.channelType,
		"user_id": userID,
	}).Debug("Channel initialized")
	return true, nil
}

// CheckHealth probes the provider and records the check time.
func (b *base) CheckHealth(ctx context.Context) (bool, error) {
	err := b.provider.Probe(ctx)

	b.mu.Lock()
	b.lastHealthCheck = time.Now()
	b.mu.Unlock()

	if err != nil {
		return false, err
	}
	return true, nil
}

// executeWithRetry wraps one provider operation in the shared retry and
// circuit-breaking policy: breaker checked before every attempt, outcome
// recorded after every attempt, exponential backoff between attempts,
// provider rate limits propagated immediately without retry. After the last
// attempt fails the channel is marked errored and a terminal error naming
// the last underlying failure is returned.
func (b *base) executeWithRetry(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= b.retry.MaxRetries; attempt++ {
		if !b.brk.CanExecute() {
			return &Error{
				Channel: string(b.channelType),
				Reason:  fmt.Sprintf("circuit breaker is %s, blocking request", b.brk.State()),
			}
		}

		err := operation(ctx)
		if err == nil {
			b.brk.RecordSuccess()
			b.recordSuccess()
			b.setStatus(models.ChannelStatusActive)
			return nil
		}

		b.brk.RecordFailure()
		b.recordError()
		lastErr = err

		var rateLimited *RateLimitError
		if errors.As(err, &rateLimited) {
			return err
		}

		if attempt < b.retry.MaxRetries {
			b.metrics.ChannelRetriesTotal.WithLabelValues(string(b.channelType)).Inc()
			delay := b.backoffDelay(attempt)
			b.logger.WithFields(logrus.Fields{
				"channel": b.channelType,
				"attempt": attempt + 1,
				"delay":   delay,
			}).WithError(err).Debug("Retrying channel operation")

			select {
			case <-ctx.Done():
				b.setStatus(models.ChannelStatusError)
				return &Error{Channel: string(b.channelType), Reason: "operation canceled", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}

	b.setStatus(models.ChannelStatusError)
	return &Error{
		Channel: string(b.channelType),
		Reason:  fmt.Sprintf("operation failed after %d attempts", b.retry.MaxRetries+1),
		Err:     lastErr,
	}
}

func (b *base) backoffDelay(attempt int) time.Duration {
	delay := b.retry.BaseDelay * (1 << uint(attempt))
	if delay > b.retry.MaxDelay {
		delay = b.retry.MaxDelay
	}
	return delay
}

func (b *base) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successCount++
}

func (b *base) recordError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorCount++
}
