package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-relay/pkg/breaker"
	"agent-relay/pkg/channel"
	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
	"agent-relay/pkg/store"
)

type stubProvider struct {
	channelType models.ChannelType

	mu        sync.Mutex
	noCreds   bool
	pushErr   error
	pushCount int
	authCount int
}

func (p *stubProvider) Authenticate(_ context.Context, userID string) (*models.ChannelConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authCount++
	if p.noCreds {
		return nil, nil
	}
	return &models.ChannelConnection{
		UserID:      userID,
		Channel:     p.channelType,
		AccessToken: "token",
		Active:      true,
	}, nil
}

func (p *stubProvider) Push(_ context.Context, _, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushCount++
	return p.pushErr
}

func (p *stubProvider) Probe(_ context.Context) error {
	return nil
}

func (p *stubProvider) pushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushCount
}

func (p *stubProvider) auths() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authCount
}

type testFixture struct {
	orch  *Orchestrator
	store *store.Memory
	slack *stubProvider
	email *stubProvider
}

func newFixture(t *testing.T, breakerSettings breaker.Settings) *testFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	retry := channel.RetrySettings{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	factory := channel.NewFactory(breakerSettings, retry, logger, m)

	slack := &stubProvider{channelType: models.ChannelSlack}
	email := &stubProvider{channelType: models.ChannelEmail}
	factory.RegisterProvider(models.ChannelSlack, slack)
	factory.RegisterProvider(models.ChannelEmail, email)

	st := store.NewMemory()
	return &testFixture{
		orch:  New(factory, st, logger, m),
		store: st,
		slack: slack,
		email: email,
	}
}

func outboundMessage(id string) models.Message {
	return models.Message{
		ID:        id,
		SessionID: "sess_1",
		Content:   "run the deploy",
		Type:      models.MessageTypeAgent,
		Status:    models.MessageSent,
		Channel:   models.ChannelSlack,
		Timestamp: time.Now(),
	}
}

func TestOrchestrator_SendPreferredChannel(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	msg := outboundMessage("msg_1")

	delivered, err := f.orch.SendMessage(context.Background(), msg, "user_1", "U123", models.ChannelSlack, true)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 1, f.slack.pushes())
	assert.Equal(t, 0, f.email.pushes())

	attempts := f.orch.DeliveryHistory("msg_1")
	require.Len(t, attempts, 1)
	assert.Equal(t, models.ChannelSlack, attempts[0].Channel)
	assert.Equal(t, models.MessageDelivered, attempts[0].Status)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
}

func TestOrchestrator_FallbackOnFailure(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	f.slack.pushErr = errors.New("slack api 500")
	msg := outboundMessage("msg_1")

	delivered, err := f.orch.SendMessage(context.Background(), msg, "user_1", "U123", models.ChannelSlack, true)
	require.NoError(t, err)
	assert.True(t, delivered)

	// Slack exhausted its own retries before the orchestrator moved on.
	assert.Equal(t, 2, f.slack.pushes())
	assert.Equal(t, 1, f.email.pushes())

	attempts := f.orch.DeliveryHistory("msg_1")
	require.Len(t, attempts, 2)
	assert.Equal(t, models.ChannelSlack, attempts[0].Channel)
	assert.Equal(t, models.MessageFailed, attempts[0].Status)
	assert.NotEmpty(t, attempts[0].ErrorMessage)
	assert.Equal(t, models.ChannelEmail, attempts[1].Channel)
	assert.Equal(t, models.MessageDelivered, attempts[1].Status)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
}

func TestOrchestrator_NoFallbackPropagatesError(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	f.slack.pushErr = errors.New("slack api 500")
	msg := outboundMessage("msg_1")

	delivered, err := f.orch.SendMessage(context.Background(), msg, "user_1", "U123", models.ChannelSlack, false)
	require.Error(t, err)
	assert.False(t, delivered)

	// Email was never consulted.
	assert.Equal(t, 0, f.email.pushes())
	require.Len(t, f.orch.DeliveryHistory("msg_1"), 1)
}

func TestOrchestrator_AllChannelsFail(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	f.slack.pushErr = errors.New("slack down")
	f.email.pushErr = errors.New("smtp down")
	msg := outboundMessage("msg_1")

	delivered, err := f.orch.SendMessage(context.Background(), msg, "user_1", "U123", models.ChannelSlack, true)
	require.Error(t, err)
	assert.False(t, delivered)
	assert.Contains(t, err.Error(), "failed to send message through any channel")

	attempts := f.orch.DeliveryHistory("msg_1")
	require.Len(t, attempts, 2)
	for _, attempt := range attempts {
		assert.Equal(t, models.MessageFailed, attempt.Status)
	}
}

func TestOrchestrator_WebsocketSkippedInSendLoop(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	msg := outboundMessage("msg_1")

	// Preferring the live socket still routes through a provider channel:
	// the connection transport handles live delivery outside this path.
	delivered, err := f.orch.SendMessage(context.Background(), msg, "user_1", "U123", models.ChannelWebsocket, true)
	require.NoError(t, err)
	assert.True(t, delivered)

	attempts := f.orch.DeliveryHistory("msg_1")
	require.Len(t, attempts, 1)
	assert.Equal(t, models.ChannelSlack, attempts[0].Channel)
}

func TestOrchestrator_NoChannelsAvailable(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	f.slack.noCreds = true
	f.email.noCreds = true
	msg := outboundMessage("msg_1")

	delivered, err := f.orch.SendMessage(context.Background(), msg, "user_1", "U123", models.ChannelSlack, true)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, f.orch.DeliveryHistory("msg_1"))
}

func TestOrchestrator_OpenBreakerSkipsChannel(t *testing.T) {
	f := newFixture(t, breaker.Settings{FailureThreshold: 1, Timeout: time.Minute, HalfOpenMaxCalls: 1})
	f.email.pushErr = &channel.RateLimitError{Channel: "email", RetryAfter: 60}

	// The provider throttle opens the breaker without marking the channel
	// errored, so the cached instance survives for the next send.
	delivered, err := f.orch.SendMessage(context.Background(), outboundMessage("msg_1"), "user_1", "a@b.c", models.ChannelEmail, false)
	require.Error(t, err)
	assert.False(t, delivered)
	assert.Equal(t, 1, f.email.pushes())

	delivered, err = f.orch.SendMessage(context.Background(), outboundMessage("msg_2"), "user_1", "a@b.c", models.ChannelEmail, false)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, 1, f.email.pushes())
	assert.Empty(t, f.orch.DeliveryHistory("msg_2"))
}

func TestOrchestrator_ChannelInstanceReused(t *testing.T) {
	f := newFixture(t, breaker.Settings{})

	_, err := f.orch.SendMessage(context.Background(), outboundMessage("msg_1"), "user_1", "U123", models.ChannelSlack, false)
	require.NoError(t, err)
	_, err = f.orch.SendMessage(context.Background(), outboundMessage("msg_2"), "user_1", "U123", models.ChannelSlack, false)
	require.NoError(t, err)

	// One initialization, two sends.
	assert.Equal(t, 1, f.slack.auths())
	assert.Equal(t, 2, f.slack.pushes())
}

func TestOrchestrator_InitializeUserChannels(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	f.slack.noCreds = true

	initialized := f.orch.InitializeUserChannels(context.Background(), "user_1")
	assert.Equal(t, []models.ChannelType{models.ChannelEmail}, initialized)
}

func feedbackRequest(id string, channels []models.ChannelType) models.FeedbackRequest {
	now := time.Now()
	return models.FeedbackRequest{
		ID:        id,
		SessionID: "sess_1",
		Type:      models.FeedbackApproval,
		Status:    models.FeedbackPending,
		Prompt:    "Proceed with the migration?",
		CreatedAt: now,
		ExpiresAt: now.Add(models.FeedbackExpiryWindow),
		Channels:  channels,
	}
}

func TestOrchestrator_FeedbackBroadcast(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	req := feedbackRequest("req_1", []models.ChannelType{models.ChannelSlack, models.ChannelEmail})
	require.NoError(t, f.store.CreateFeedbackRequest(req))

	successful := f.orch.SendFeedbackRequest(context.Background(), req, "user_1", "U123", models.ChannelSlack)

	// Broadcast does not stop at the first success.
	assert.ElementsMatch(t, []models.ChannelType{models.ChannelSlack, models.ChannelEmail}, successful)
	assert.Equal(t, 1, f.slack.pushes())
	assert.Equal(t, 1, f.email.pushes())

	stored, ok := f.store.GetFeedbackRequest("req_1")
	require.True(t, ok)
	assert.Equal(t, 2, stored.Metadata.AttemptCount)
	assert.False(t, stored.Metadata.LastAttempt.IsZero())
}

func TestOrchestrator_FeedbackBumpPreservesResolvedStatus(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	req := feedbackRequest("req_1", []models.ChannelType{models.ChannelSlack, models.ChannelEmail})
	require.NoError(t, f.store.CreateFeedbackRequest(req))

	// Resolve the request as a concurrent reply would, mid-broadcast.
	_, err := f.store.TransitionFeedbackRequest("req_1", models.FeedbackApproved)
	require.NoError(t, err)

	f.orch.SendFeedbackRequest(context.Background(), req, "user_1", "U123", models.ChannelSlack)

	// The attempt bookkeeping lands without reverting the terminal status.
	stored, ok := f.store.GetFeedbackRequest("req_1")
	require.True(t, ok)
	assert.Equal(t, models.FeedbackApproved, stored.Status)
	assert.Equal(t, 2, stored.Metadata.AttemptCount)
}

func TestOrchestrator_FeedbackPartialFailure(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	f.slack.pushErr = errors.New("slack down")
	req := feedbackRequest("req_1", []models.ChannelType{models.ChannelSlack, models.ChannelEmail})
	require.NoError(t, f.store.CreateFeedbackRequest(req))

	successful := f.orch.SendFeedbackRequest(context.Background(), req, "user_1", "U123", models.ChannelSlack)
	assert.Equal(t, []models.ChannelType{models.ChannelEmail}, successful)
}

func TestOrchestrator_FeedbackFallsBackToPreferred(t *testing.T) {
	f := newFixture(t, breaker.Settings{})
	req := feedbackRequest("req_1", nil)

	successful := f.orch.SendFeedbackRequest(context.Background(), req, "user_1", "a@b.c", models.ChannelEmail)
	assert.Equal(t, []models.ChannelType{models.ChannelEmail}, successful)
	assert.Equal(t, 0, f.slack.pushes())
}

func TestOrchestrator_ChannelHealth(t *testing.T) {
	f := newFixture(t, breaker.Settings{})

	health := f.orch.ChannelHealth(context.Background(), "user_1")
	require.Contains(t, health, models.ChannelSlack)
	require.Contains(t, health, models.ChannelEmail)
	assert.Equal(t, models.ChannelStatusActive, health[models.ChannelSlack].Status)
	assert.Equal(t, breaker.StateClosed, health[models.ChannelSlack].CircuitBreaker.State)
}

func TestOrchestrator_CheckAllChannelsHealth(t *testing.T) {
	f := newFixture(t, breaker.Settings{})

	health := f.orch.CheckAllChannelsHealth(context.Background(), "user_1")
	assert.True(t, health[models.ChannelSlack])
	assert.True(t, health[models.ChannelEmail])
}
