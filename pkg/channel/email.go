package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"agent-relay/pkg/breaker"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
)

// EmailChannel delivers through an email provider (mailbox push plus a
// reply-parsing inbound path owned by the provider).
type EmailChannel struct {
	*base
}

func NewEmailChannel(provider Provider, brk *breaker.Breaker, retry RetrySettings, logger *logrus.Logger, m *metrics.Metrics) *EmailChannel {
	return &EmailChannel{
		base: newBase(models.ChannelEmail, provider, brk, retry, logger, m),
	}
}

func (c *EmailChannel) Send(ctx context.Context, msg models.Message, recipient string) error {
	start := time.Now()
	defer func() {
		c.metrics.ChannelSendDuration.WithLabelValues(string(c.channelType)).Observe(time.Since(start).Seconds())
	}()

	subject := fmt.Sprintf("Agent Message - Session %s", shortID(msg.SessionID))
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.provider.Push(ctx, recipient, subject, msg.Content)
	})
}

func (c *EmailChannel) RequestFeedback(ctx context.Context, req models.FeedbackRequest, recipient string) error {
	start := time.Now()
	defer func() {
		c.metrics.ChannelSendDuration.WithLabelValues(string(c.channelType)).Observe(time.Since(start).Seconds())
	}()

	subject := fmt.Sprintf("Action Required - Session %s", shortID(req.SessionID))
	body := feedbackBody(req)
	return c.executeWithRetry(ctx, func(ctx context.Context) error {
		return c.provider.Push(ctx, recipient, subject, body)
	})
}

// feedbackBody renders the prompt with reply instructions matching the
// content classification the state sync applies to the winning response.
func feedbackBody(req models.FeedbackRequest) string {
	if req.Type == models.FeedbackApproval {
		return fmt.Sprintf("%s\n\nReply YES to approve or NO to reject. This request expires at %s.",
			req.Prompt, req.ExpiresAt.UTC().Format(time.RFC1123))
	}
	return fmt.Sprintf("%s\n\nReply with your input. This request expires at %s.",
		req.Prompt, req.ExpiresAt.UTC().Format(time.RFC1123))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
