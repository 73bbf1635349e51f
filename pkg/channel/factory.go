package channel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"agent-relay/pkg/breaker"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
)

// Factory builds channel instances from registered providers. Every created
// channel gets its own circuit breaker: breaker state lives exactly as long
// as the owning channel instance.
type Factory struct {
	providers   map[models.ChannelType]Provider
	notifier    LiveNotifier
	connections ConnectionStore

	breakerSettings breaker.Settings
	retry           RetrySettings
	logger          *logrus.Logger
	metrics         *metrics.Metrics
}

func NewFactory(breakerSettings breaker.Settings, retry RetrySettings, logger *logrus.Logger, m *metrics.Metrics) *Factory {
	return &Factory{
		providers:       make(map[models.ChannelType]Provider),
		breakerSettings: breakerSettings,
		retry:           retry,
		logger:          logger,
		metrics:         m,
	}
}

// RegisterProvider wires the external collaborator for one channel type.
func (f *Factory) RegisterProvider(channelType models.ChannelType, provider Provider) {
	f.providers[channelType] = provider
}

// RegisterLiveNotifier wires the connection transport for the websocket
// surface.
func (f *Factory) RegisterLiveNotifier(notifier LiveNotifier) {
	f.notifier = notifier
}

// RegisterConnectionStore wires where channels persist the credential
// bundles their providers return.
func (f *Factory) RegisterConnectionStore(connections ConnectionStore) {
	f.connections = connections
}

// Create builds a fresh channel instance of the given type.
func (f *Factory) Create(channelType models.ChannelType) (Channel, error) {
	brk := breaker.New(f.breakerSettings)

	switch channelType {
	case models.ChannelEmail:
		provider, ok := f.providers[models.ChannelEmail]
		if !ok {
			return nil, fmt.Errorf("no provider registered for channel %s", channelType)
		}
		ch := NewEmailChannel(provider, brk, f.retry, f.logger, f.metrics)
		ch.connections = f.connections
		return ch, nil
	case models.ChannelSlack:
		provider, ok := f.providers[models.ChannelSlack]
		if !ok {
			return nil, fmt.Errorf("no provider registered for channel %s", channelType)
		}
		ch := NewSlackChannel(provider, brk, f.retry, f.logger, f.metrics)
		ch.connections = f.connections
		return ch, nil
	case models.ChannelWebsocket:
		ch := NewWebsocketChannel(f.notifier, brk, f.retry, f.logger, f.metrics)
		ch.connections = f.connections
		return ch, nil
	default:
		return nil, fmt.Errorf("unknown channel type %s", channelType)
	}
}
