package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"agent-relay/pkg/channel"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
	"agent-relay/pkg/store"
)

// Factory creates channel instances on demand.
type Factory interface {
	Create(channelType models.ChannelType) (channel.Channel, error)
}

// DefaultFallbackOrder is the fixed channel order used when fallback is
// enabled: live socket first, then the chat workspace, then email.
var DefaultFallbackOrder = []models.ChannelType{
	models.ChannelWebsocket,
	models.ChannelSlack,
	models.ChannelEmail,
}

// Orchestrator delivers outbound messages and feedback requests through the
// best live channel, falling back on failure, and records every delivery
// attempt. Channel instances are cached per (user, channel type) and reused
// while active.
type Orchestrator struct {
	factory Factory
	store   *store.Memory
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	userChannels map[string]map[models.ChannelType]channel.Channel

	fallbackOrder []models.ChannelType
}

func New(factory Factory, st *store.Memory, logger *logrus.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		factory:       factory,
		store:         st,
		logger:        logger,
		metrics:       m,
		userChannels:  make(map[string]map[models.ChannelType]channel.Channel),
		fallbackOrder: DefaultFallbackOrder,
	}
}

// InitializeUserChannels tries to initialize every provider-backed channel
// for the user and returns the types that came up active.
func (o *Orchestrator) InitializeUserChannels(ctx context.Context, userID string) []models.ChannelType {
	initialized := make([]models.ChannelType, 0, 2)

	for _, channelType := range []models.ChannelType{models.ChannelEmail, models.ChannelSlack} {
		if ch := o.getOrCreateChannel(ctx, userID, channelType); ch != nil {
			initialized = append(initialized, channelType)
		}
	}

	return initialized
}

// getOrCreateChannel returns a cached active channel or lazily creates and
// initializes one. Concurrent initializations for the same (user, type)
// converge on a single cached instance: whichever goroutine stores first
// wins and later ones adopt it.
func (o *Orchestrator) getOrCreateChannel(ctx context.Context, userID string, channelType models.ChannelType) channel.Channel {
	o.mu.Lock()
	if chans, ok := o.userChannels[userID]; ok {
		if ch, ok := chans[channelType]; ok && ch.Status() == models.ChannelStatusActive {
			o.mu.Unlock()
			return ch
		}
	}
	o.mu.Unlock()

	ch, err := o.factory.Create(channelType)
	if err != nil {
		o.logger.WithError(err).WithField("channel", channelType).Debug("Channel creation failed")
		return nil
	}

	ok, err := ch.Initialize(ctx, userID)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"channel": channelType,
			"user_id": userID,
		}).Warn("Channel initialization failed")
		return nil
	}
	if !ok {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if chans, exists := o.userChannels[userID]; exists {
		if existing, exists := chans[channelType]; exists && existing.Status() == models.ChannelStatusActive {
			return existing
		}
	} else {
		o.userChannels[userID] = make(map[models.ChannelType]channel.Channel)
	}
	o.userChannels[userID][channelType] = ch
	return ch
}

// channelPriority builds the ordered list of channels to try. With fallback
// disabled only the preferred channel is eligible; otherwise the preferred
// channel leads and the fixed default order fills in behind it.
func (o *Orchestrator) channelPriority(preferred models.ChannelType, enableFallback bool) []models.ChannelType {
	if !enableFallback && preferred != "" {
		return []models.ChannelType{preferred}
	}

	priority := make([]models.ChannelType, 0, len(o.fallbackOrder)+1)
	if preferred != "" {
		priority = append(priority, preferred)
	}
	if enableFallback {
		for _, channelType := range o.fallbackOrder {
			if !containsChannel(priority, channelType) {
				priority = append(priority, channelType)
			}
		}
	}
	return priority
}

// SendMessage delivers a message through the first channel in priority order
// that takes it. The websocket surface is skipped here: the connection
// transport pushes to live sockets synchronously, outside this retry path.
// Returns (true, nil) on delivery, (false, nil) when no channel was even
// attempted, and (false, err) when every attempted channel failed.
func (o *Orchestrator) SendMessage(ctx context.Context, msg models.Message, userID, recipient string, preferred models.ChannelType, enableFallback bool) (bool, error) {
	var lastErr error

	for _, channelType := range o.channelPriority(preferred, enableFallback) {
		if channelType == models.ChannelWebsocket {
			continue
		}

		ch := o.getOrCreateChannel(ctx, userID, channelType)
		if ch == nil {
			continue
		}
		if !ch.Breaker().Status().CanExecute {
			o.logger.WithFields(logrus.Fields{
				"channel":    channelType,
				"message_id": msg.ID,
			}).Debug("Skipping channel, circuit breaker open")
			continue
		}

		attempt := o.store.AppendDeliveryAttempt(models.DeliveryAttempt{
			ID:          uuid.New().String(),
			MessageID:   msg.ID,
			SessionID:   msg.SessionID,
			Channel:     channelType,
			Status:      models.MessageSent,
			AttemptedAt: time.Now(),
		})

		err := ch.Send(ctx, msg, recipient)
		if err == nil {
			attempt.Status = models.MessageDelivered
			o.store.UpdateDeliveryAttempt(attempt)
			o.metrics.DeliveryAttemptsTotal.WithLabelValues(string(channelType), string(models.MessageDelivered)).Inc()
			o.logger.WithFields(logrus.Fields{
				"channel":    channelType,
				"message_id": msg.ID,
				"attempt":    attempt.AttemptNumber,
			}).Debug("Message delivered")
			return true, nil
		}

		attempt.Status = models.MessageFailed
		attempt.ErrorMessage = err.Error()
		o.store.UpdateDeliveryAttempt(attempt)
		o.metrics.DeliveryAttemptsTotal.WithLabelValues(string(channelType), string(models.MessageFailed)).Inc()
		o.logger.WithError(err).WithFields(logrus.Fields{
			"channel":    channelType,
			"message_id": msg.ID,
			"attempt":    attempt.AttemptNumber,
		}).Warn("Channel send failed")

		if !enableFallback {
			return false, err
		}
		lastErr = err
	}

	if lastErr != nil {
		return false, fmt.Errorf("failed to send message through any channel: %w", lastErr)
	}
	return false, nil
}

// SendFeedbackRequest broadcasts a feedback request. Unlike SendMessage it
// does not stop at the first success: a feedback prompt should reach the
// user on every live surface at once, duplicates are harmless because the
// state sync accepts only the first valid reply. Returns the channels that
// took the request.
func (o *Orchestrator) SendFeedbackRequest(ctx context.Context, req models.FeedbackRequest, userID, recipient string, preferred models.ChannelType) []models.ChannelType {
	targets := req.Channels
	if len(targets) == 0 && preferred != "" {
		targets = []models.ChannelType{preferred}
	}
	if len(targets) == 0 {
		targets = o.InitializeUserChannels(ctx, userID)
	}

	successful := make([]models.ChannelType, 0, len(targets))
	attempted := 0

	for _, channelType := range targets {
		if channelType == models.ChannelWebsocket {
			continue
		}

		ch := o.getOrCreateChannel(ctx, userID, channelType)
		if ch == nil || !ch.Breaker().Status().CanExecute {
			continue
		}

		attempted++
		if err := ch.RequestFeedback(ctx, req, recipient); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"channel":    channelType,
				"request_id": req.ID,
			}).Warn("Feedback request delivery failed")
			continue
		}
		successful = append(successful, channelType)
	}

	if attempted > 0 {
		o.store.BumpFeedbackAttempts(req.ID, attempted, time.Now())
	}

	return successful
}

// ChannelHealth initializes the user's channels and returns the per-channel
// operational snapshot.
func (o *Orchestrator) ChannelHealth(ctx context.Context, userID string) map[models.ChannelType]channel.HealthStatus {
	o.InitializeUserChannels(ctx, userID)

	health := make(map[models.ChannelType]channel.HealthStatus)
	o.mu.Lock()
	defer o.mu.Unlock()
	for channelType, ch := range o.userChannels[userID] {
		health[channelType] = ch.Health()
	}
	return health
}

// CheckAllChannelsHealth runs a live connectivity probe against each of the
// user's channels.
func (o *Orchestrator) CheckAllChannelsHealth(ctx context.Context, userID string) map[models.ChannelType]bool {
	o.InitializeUserChannels(ctx, userID)

	o.mu.Lock()
	chans := make(map[models.ChannelType]channel.Channel, len(o.userChannels[userID]))
	for channelType, ch := range o.userChannels[userID] {
		chans[channelType] = ch
	}
	o.mu.Unlock()

	health := make(map[models.ChannelType]bool, len(chans))
	for channelType, ch := range chans {
		healthy, err := ch.CheckHealth(ctx)
		health[channelType] = healthy && err == nil
	}
	return health
}

// DeliveryHistory returns the ordered attempt records for a message.
func (o *Orchestrator) DeliveryHistory(messageID string) []models.DeliveryAttempt {
	return o.store.GetMessageDeliveryAttempts(messageID)
}

func containsChannel(channels []models.ChannelType, target models.ChannelType) bool {
	for _, c := range channels {
		if c == target {
			return true
		}
	}
	return false
}
