package models

import "time"

// SessionStatus represents the lifecycle state of a chat session
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// MessageType distinguishes who produced a message
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeAgent  MessageType = "agent"
	MessageTypeSystem MessageType = "system"
)

// MessageStatus tracks delivery progress of a message
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// ChannelType identifies one communication surface
type ChannelType string

const (
	ChannelWebsocket ChannelType = "websocket"
	ChannelEmail     ChannelType = "email"
	ChannelSlack     ChannelType = "slack"
)

// ChannelStatus represents the operational state of a channel instance
type ChannelStatus string

const (
	ChannelStatusActive       ChannelStatus = "active"
	ChannelStatusInactive     ChannelStatus = "inactive"
	ChannelStatusError        ChannelStatus = "error"
	ChannelStatusReconnecting ChannelStatus = "reconnecting"
)

// FeedbackType distinguishes approval prompts from free-form input prompts
type FeedbackType string

const (
	FeedbackApproval FeedbackType = "approval"
	FeedbackInput    FeedbackType = "input"
)

// FeedbackStatus represents the resolution state of a feedback request
type FeedbackStatus string

const (
	FeedbackPending  FeedbackStatus = "pending"
	FeedbackApproved FeedbackStatus = "approved"
	FeedbackRejected FeedbackStatus = "rejected"
	FeedbackExpired  FeedbackStatus = "expired"
)

// User is the minimal identity record the relay needs to resolve recipients
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Session is one logical conversation between a user and the agent
type Session struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	Status           SessionStatus `json:"status"`
	PreferredChannel ChannelType   `json:"preferred_channel"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	LastActiveAt     time.Time     `json:"last_active_at"`
}

// MessageMetadata carries optional delivery bookkeeping
type MessageMetadata struct {
	StreamingComplete bool `json:"streaming_complete,omitempty"`
	ErrorCount        int  `json:"error_count,omitempty"`
}

// Message is one user/agent/system turn in a session
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Content   string          `json:"content"`
	Type      MessageType     `json:"type"`
	Status    MessageStatus   `json:"status"`
	Channel   ChannelType     `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  MessageMetadata `json:"metadata,omitempty"`
}

// FeedbackMetadata carries prioritization and attempt bookkeeping
type FeedbackMetadata struct {
	Priority     int       `json:"priority"` // 1 (low) .. 3 (high)
	AttemptCount int       `json:"attempt_count"`
	LastAttempt  time.Time `json:"last_attempt"`
}

// FeedbackRequest asks the user for approval or input through one or more
// channels. Once the status leaves pending it never changes again.
type FeedbackRequest struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Type      FeedbackType     `json:"type"`
	Status    FeedbackStatus   `json:"status"`
	Prompt    string           `json:"prompt"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Channels  []ChannelType    `json:"channels"`
	Metadata  FeedbackMetadata `json:"metadata"`
}

// FeedbackResponse is one reply to a feedback request, immutable once created.
// At most one response per request is ever accepted; later arrivals are kept
// for audit only.
type FeedbackResponse struct {
	ID        string      `json:"id"`
	RequestID string      `json:"request_id"`
	Content   string      `json:"content"`
	Channel   ChannelType `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
}

// DeliveryAttempt is an append-only audit record of one try to deliver one
// message over one channel. AttemptNumber is monotonic per message.
type DeliveryAttempt struct {
	ID            string        `json:"id"`
	MessageID     string        `json:"message_id"`
	SessionID     string        `json:"session_id"`
	Channel       ChannelType   `json:"channel"`
	Status        MessageStatus `json:"status"`
	AttemptNumber int           `json:"attempt_number"`
	AttemptedAt   time.Time     `json:"attempted_at"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// ChannelConnection is the per (user, channel type) credential bundle.
// Replaced wholesale on reconnection, never patched in place.
type ChannelConnection struct {
	UserID       string            `json:"user_id"`
	Channel      ChannelType       `json:"channel"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Scope        string            `json:"scope,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	Active       bool              `json:"active"`
}
