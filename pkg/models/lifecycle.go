package models

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a state-machine or invariant violation. It is
// never retried and always surfaced to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// FeedbackExpiryWindow is the fixed offset between a feedback request's
// creation and its expiry.
const FeedbackExpiryWindow = 48 * time.Hour

// MaxActiveSessionsPerUser caps concurrent active sessions for one user.
const MaxActiveSessionsPerUser = 3

// expiryTolerance allows minor clock skew when validating ExpiresAt.
const expiryTolerance = time.Minute

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionActive: {SessionPaused, SessionEnded},
	SessionPaused: {SessionActive, SessionEnded},
	SessionEnded:  {}, // terminal
}

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageSent:      {MessageDelivered, MessageFailed},
	MessageDelivered: {MessageRead},
	MessageFailed:    {MessageSent}, // retry
	MessageRead:      {},            // terminal
}

var feedbackTransitions = map[FeedbackStatus][]FeedbackStatus{
	FeedbackPending:  {FeedbackApproved, FeedbackRejected, FeedbackExpired},
	FeedbackApproved: {},
	FeedbackRejected: {},
	FeedbackExpired:  {},
}

// ValidateSessionTransition checks a session status change against the
// lifecycle machine. Ended is terminal.
func ValidateSessionTransition(current, next SessionStatus) error {
	if !transitionAllowed(sessionTransitions[current], next) {
		return validationErrorf("invalid session status transition from %s to %s", current, next)
	}
	return nil
}

// ValidateMessageTransition checks a message status change. Read is terminal;
// failed messages may return to sent for retry.
func ValidateMessageTransition(current, next MessageStatus) error {
	if !transitionAllowed(messageTransitions[current], next) {
		return validationErrorf("invalid message status transition from %s to %s", current, next)
	}
	return nil
}

// ValidateFeedbackTransition checks a feedback request status change. All
// non-pending states are terminal.
func ValidateFeedbackTransition(current, next FeedbackStatus) error {
	if !transitionAllowed(feedbackTransitions[current], next) {
		return validationErrorf("invalid feedback status transition from %s to %s", current, next)
	}
	return nil
}

func transitionAllowed[T comparable](allowed []T, next T) bool {
	for _, s := range allowed {
		if s == next {
			return true
		}
	}
	return false
}

// ValidateSessionCreate enforces creation rules for a new session.
func ValidateSessionCreate(session *Session, activeSessionCount int) error {
	if session.UserID == "" {
		return validationErrorf("session must have a user_id")
	}
	if session.PreferredChannel == "" {
		return validationErrorf("session must have a preferred_channel")
	}
	if activeSessionCount >= MaxActiveSessionsPerUser {
		return validationErrorf("user cannot have more than %d active sessions", MaxActiveSessionsPerUser)
	}
	return nil
}

// ValidateMessageCreate enforces creation rules for a new message.
func ValidateMessageCreate(msg *Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return validationErrorf("message content cannot be empty")
	}
	if msg.SessionID == "" {
		return validationErrorf("message must have a session_id")
	}
	if msg.Channel == "" {
		return validationErrorf("message must have a channel")
	}
	if msg.Timestamp.After(time.Now().Add(expiryTolerance)) {
		return validationErrorf("message timestamp cannot be in the future")
	}
	return nil
}

// ValidateFeedbackRequestCreate enforces creation rules for a new feedback
// request: at least one target channel and an expiry fixed at the window
// offset from creation.
func ValidateFeedbackRequestCreate(req *FeedbackRequest) error {
	if req.SessionID == "" {
		return validationErrorf("feedback request must have a session_id")
	}
	if req.Type == "" {
		return validationErrorf("feedback request must have a type")
	}
	if len(req.Channels) == 0 {
		return validationErrorf("feedback request must have at least one channel")
	}
	expected := req.CreatedAt.Add(FeedbackExpiryWindow)
	drift := req.ExpiresAt.Sub(expected)
	if drift < -expiryTolerance || drift > expiryTolerance {
		return validationErrorf("feedback request must expire %s after creation", FeedbackExpiryWindow)
	}
	return nil
}

// IsExpired reports whether the request's expiry time has passed.
func (r *FeedbackRequest) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
