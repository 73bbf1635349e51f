package channel

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"agent-relay/pkg/breaker"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
)

// SlackChannel delivers through a chat-workspace bot. The provider owns the
// workspace API, message blocks and the event subscription that feeds
// replies back into the state sync.
type SlackChannel struct {
	*base
}

func NewSlackChannel(provider Provider, brk *breaker.Breaker, retry RetrySettings, logger *logrus.Logger, m *metrics.Metrics) *SlackChannel {
	return &SlackChannel{
		base: newBase(models.ChannelSlack, provider, brk, retry, logger, m),
	}
}

func (c *SlackChannel) Send(ctx context.Context, msg models.Message, recipient string) error {
	start := time.Now()
	defer func() {
		c.metrics.ChannelSendDuration.WithLabelValues(string(c.channelType)).Observe(time.Since(start).Seconds())
	}()

	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.provider.Push(ctx, recipient, "", msg.Content)
	})
}

func (c *SlackChannel) RequestFeedback(ctx context.Context, req models.FeedbackRequest, recipient string) error {
	start := time.Now()
	defer func() {
		c.metrics.ChannelSendDuration.WithLabelValues(string(c.channelType)).Observe(time.Since(start).Seconds())
	}()

	body := feedbackBody(req)
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.provider.Push(ctx, recipient, "", body)
	})
}
