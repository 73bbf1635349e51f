package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	// Full round trip: active -> paused -> active -> ended.
	require.NoError(t, ValidateSessionTransition(SessionActive, SessionPaused))
	require.NoError(t, ValidateSessionTransition(SessionPaused, SessionActive))
	require.NoError(t, ValidateSessionTransition(SessionActive, SessionEnded))
	require.NoError(t, ValidateSessionTransition(SessionPaused, SessionEnded))

	// Ended is terminal.
	for _, next := range []SessionStatus{SessionActive, SessionPaused, SessionEnded} {
		err := ValidateSessionTransition(SessionEnded, next)
		require.Error(t, err)
		var validationErr *ValidationError
		assert.ErrorAs(t, err, &validationErr)
	}
}

func TestMessageTransitions(t *testing.T) {
	require.NoError(t, ValidateMessageTransition(MessageSent, MessageDelivered))
	require.NoError(t, ValidateMessageTransition(MessageDelivered, MessageRead))
	require.NoError(t, ValidateMessageTransition(MessageSent, MessageFailed))

	// Failed messages may be retried.
	require.NoError(t, ValidateMessageTransition(MessageFailed, MessageSent))

	// Read is terminal.
	assert.Error(t, ValidateMessageTransition(MessageRead, MessageSent))
	assert.Error(t, ValidateMessageTransition(MessageRead, MessageDelivered))

	// No skipping straight to read.
	assert.Error(t, ValidateMessageTransition(MessageSent, MessageRead))
}

func TestFeedbackTransitions(t *testing.T) {
	require.NoError(t, ValidateFeedbackTransition(FeedbackPending, FeedbackApproved))
	require.NoError(t, ValidateFeedbackTransition(FeedbackPending, FeedbackRejected))
	require.NoError(t, ValidateFeedbackTransition(FeedbackPending, FeedbackExpired))

	for _, terminal := range []FeedbackStatus{FeedbackApproved, FeedbackRejected, FeedbackExpired} {
		assert.Error(t, ValidateFeedbackTransition(terminal, FeedbackPending))
		assert.Error(t, ValidateFeedbackTransition(terminal, FeedbackApproved))
	}
}

func TestValidateSessionCreate(t *testing.T) {
	session := &Session{UserID: "user_1", PreferredChannel: ChannelEmail}

	assert.NoError(t, ValidateSessionCreate(session, 0))
	assert.NoError(t, ValidateSessionCreate(session, MaxActiveSessionsPerUser-1))
	assert.Error(t, ValidateSessionCreate(session, MaxActiveSessionsPerUser))

	assert.Error(t, ValidateSessionCreate(&Session{PreferredChannel: ChannelEmail}, 0))
	assert.Error(t, ValidateSessionCreate(&Session{UserID: "user_1"}, 0))
}

func TestValidateMessageCreate(t *testing.T) {
	valid := &Message{
		SessionID: "sess_1",
		Content:   "hello",
		Channel:   ChannelSlack,
		Timestamp: time.Now(),
	}
	assert.NoError(t, ValidateMessageCreate(valid))

	empty := *valid
	empty.Content = "   "
	assert.Error(t, ValidateMessageCreate(&empty))

	future := *valid
	future.Timestamp = time.Now().Add(time.Hour)
	assert.Error(t, ValidateMessageCreate(&future))
}

func TestValidateFeedbackRequestCreate(t *testing.T) {
	now := time.Now()
	valid := &FeedbackRequest{
		SessionID: "sess_1",
		Type:      FeedbackApproval,
		CreatedAt: now,
		ExpiresAt: now.Add(FeedbackExpiryWindow),
		Channels:  []ChannelType{ChannelEmail},
	}
	assert.NoError(t, ValidateFeedbackRequestCreate(valid))

	noChannels := *valid
	noChannels.Channels = nil
	assert.Error(t, ValidateFeedbackRequestCreate(&noChannels))

	wrongExpiry := *valid
	wrongExpiry.ExpiresAt = now.Add(24 * time.Hour)
	assert.Error(t, ValidateFeedbackRequestCreate(&wrongExpiry))
}

func TestFeedbackRequestIsExpired(t *testing.T) {
	now := time.Now()
	req := &FeedbackRequest{CreatedAt: now, ExpiresAt: now.Add(FeedbackExpiryWindow)}

	assert.False(t, req.IsExpired(now))
	assert.False(t, req.IsExpired(now.Add(47*time.Hour)))
	assert.True(t, req.IsExpired(now.Add(49*time.Hour)))
}
