package channel

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"agent-relay/pkg/breaker"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
)

// LiveNotifier is the connection transport for live-socket delivery. The
// transport pushes synchronously to an open connection; the orchestrator's
// retry/fallback path never drives it, which is why the websocket channel is
// skipped in the send loop.
type LiveNotifier interface {
	IsConnected(userID string) bool
	Notify(ctx context.Context, userID string, msg models.Message) error
	NotifyFeedback(ctx context.Context, userID string, req models.FeedbackRequest) error
}

// websocketProvider adapts a LiveNotifier to the Provider contract so the
// websocket channel shares the same initialization and health plumbing as
// the others. A user with no open connection has no usable credentials.
type websocketProvider struct {
	notifier LiveNotifier
}

func (p *websocketProvider) Authenticate(_ context.Context, userID string) (*models.ChannelConnection, error) {
	if p.notifier == nil || !p.notifier.IsConnected(userID) {
		return nil, nil
	}
	return &models.ChannelConnection{
		UserID:  userID,
		Channel: models.ChannelWebsocket,
		Active:  true,
	}, nil
}

func (p *websocketProvider) Push(_ context.Context, _, _, _ string) error {
	// Live-socket payloads go through Notify, not the generic push path.
	return &ConnectionError{Channel: string(models.ChannelWebsocket), Reason: "push not supported, use the live notifier"}
}

func (p *websocketProvider) Probe(_ context.Context) error {
	if p.notifier == nil {
		return &ConnectionError{Channel: string(models.ChannelWebsocket), Reason: "no live transport registered"}
	}
	return nil
}

// WebsocketChannel represents the live-socket surface. Sends go directly to
// the connection transport without the retry wrapper: an open socket either
// takes the frame or the user is not live-connected.
type WebsocketChannel struct {
	*base
	notifier LiveNotifier
}

func NewWebsocketChannel(notifier LiveNotifier, brk *breaker.Breaker, retry RetrySettings, logger *logrus.Logger, m *metrics.Metrics) *WebsocketChannel {
	return &WebsocketChannel{
		base:     newBase(models.ChannelWebsocket, &websocketProvider{notifier: notifier}, brk, retry, logger, m),
		notifier: notifier,
	}
}

func (c *WebsocketChannel) Send(ctx context.Context, msg models.Message, recipient string) error {
	start := time.Now()
	defer func() {
		c.metrics.ChannelSendDuration.WithLabelValues(string(c.channelType)).Observe(time.Since(start).Seconds())
	}()

	if c.notifier == nil || !c.notifier.IsConnected(recipient) {
		c.recordError()
		return &ConnectionError{Channel: string(c.channelType), Reason: "user not live-connected"}
	}

	if err := c.notifier.Notify(ctx, recipient, msg); err != nil {
		c.recordError()
		return &Error{Channel: string(c.channelType), Reason: "live push failed", Err: err}
	}

	c.recordSuccess()
	c.setStatus(models.ChannelStatusActive)
	return nil
}

func (c *WebsocketChannel) RequestFeedback(ctx context.Context, req models.FeedbackRequest, recipient string) error {
	start := time.Now()
	defer func() {
		c.metrics.ChannelSendDuration.WithLabelValues(string(c.channelType)).Observe(time.Since(start).Seconds())
	}()

	if c.notifier == nil || !c.notifier.IsConnected(recipient) {
		c.recordError()
		return &ConnectionError{Channel: string(c.channelType), Reason: "user not live-connected"}
	}

	if err := c.notifier.NotifyFeedback(ctx, recipient, req); err != nil {
		c.recordError()
		return &Error{Channel: string(c.channelType), Reason: "live push failed", Err: err}
	}

	c.recordSuccess()
	c.setStatus(models.ChannelStatusActive)
	return nil
}
