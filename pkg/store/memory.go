package store

import (
	"sync"
	"time"

	"agent-relay/pkg/models"
)

// Memory is the volatile single-process authority for users, sessions,
// messages, feedback requests/responses, delivery attempts and channel
// connections. All relationships are index based: entities reference each
// other by id only, never by embedded copies. Getters return copies so
// callers cannot mutate internal state.
type Memory struct {
	mu sync.RWMutex

	users map[string]models.User

	sessions     map[string]models.Session
	userSessions map[string][]string // user id -> session ids, insertion order

	messages        map[string]models.Message
	sessionMessages map[string][]string // session id -> message ids, insertion order

	feedbackRequests map[string]models.FeedbackRequest
	sessionFeedback  map[string][]string // session id -> request ids

	feedbackResponses map[string][]models.FeedbackResponse // request id -> responses, arrival order

	deliveryAttempts map[string][]models.DeliveryAttempt // message id -> attempts, attempt order

	connections map[string]models.ChannelConnection // user:channel -> connection
}

func NewMemory() *Memory {
	return &Memory{
		users:             make(map[string]models.User),
		sessions:          make(map[string]models.Session),
		userSessions:      make(map[string][]string),
		messages:          make(map[string]models.Message),
		sessionMessages:   make(map[string][]string),
		feedbackRequests:  make(map[string]models.FeedbackRequest),
		sessionFeedback:   make(map[string][]string),
		feedbackResponses: make(map[string][]models.FeedbackResponse),
		deliveryAttempts:  make(map[string][]models.DeliveryAttempt),
		connections:       make(map[string]models.ChannelConnection),
	}
}

// ==================== Users ====================

func (m *Memory) CreateUser(user models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
}

func (m *Memory) GetUser(userID string) (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

// ==================== Sessions ====================

// CreateSession validates creation rules (including the per-user active
// session cap) and stores the session.
func (m *Memory) CreateSession(session models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, id := range m.userSessions[session.UserID] {
		if s, ok := m.sessions[id]; ok && s.Status == models.SessionActive {
			active++
		}
	}
	if err := models.ValidateSessionCreate(&session, active); err != nil {
		return err
	}

	m.sessions[session.ID] = session
	m.userSessions[session.UserID] = append(m.userSessions[session.UserID], session.ID)
	return nil
}

func (m *Memory) GetSession(sessionID string) (models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	return session, ok
}

// SetPreferredChannel updates the session's preferred channel. The ended
// check runs under the store lock so a concurrent transition to ended can
// never be overwritten by a stale session copy.
func (m *Memory) SetPreferredChannel(sessionID string, channel models.ChannelType) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, &models.ValidationError{Reason: "session not found: " + sessionID}
	}
	if session.Status == models.SessionEnded {
		return models.Session{}, &models.ValidationError{Reason: "cannot switch channel on an ended session"}
	}

	session.PreferredChannel = channel
	session.UpdatedAt = time.Now()
	m.sessions[sessionID] = session
	return session, nil
}

// TransitionSession validates and applies a session status change.
func (m *Memory) TransitionSession(sessionID string, next models.SessionStatus) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return models.Session{}, &models.ValidationError{Reason: "session not found: " + sessionID}
	}
	if err := models.ValidateSessionTransition(session.Status, next); err != nil {
		return models.Session{}, err
	}

	session.Status = next
	session.UpdatedAt = time.Now()
	m.sessions[sessionID] = session
	return session, nil
}

func (m *Memory) GetUserSessions(userID string) []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.userSessions[userID]
	sessions := make([]models.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (m *Memory) CountActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		if s.Status == models.SessionActive {
			count++
		}
	}
	return count
}

// ==================== Messages ====================

// CreateMessage validates and stores a message, bumping the owning
// session's last-active timestamp.
func (m *Memory) CreateMessage(msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := models.ValidateMessageCreate(&msg); err != nil {
		return err
	}

	m.messages[msg.ID] = msg
	m.sessionMessages[msg.SessionID] = append(m.sessionMessages[msg.SessionID], msg.ID)

	if session, ok := m.sessions[msg.SessionID]; ok {
		session.LastActiveAt = msg.Timestamp
		session.UpdatedAt = time.Now()
		m.sessions[msg.SessionID] = session
	}
	return nil
}

func (m *Memory) GetMessage(messageID string) (models.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[messageID]
	return msg, ok
}

// TransitionMessage validates and applies a message status change.
func (m *Memory) TransitionMessage(messageID string, next models.MessageStatus) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return models.Message{}, &models.ValidationError{Reason: "message not found: " + messageID}
	}
	if err := models.ValidateMessageTransition(msg.Status, next); err != nil {
		return models.Message{}, err
	}

	msg.Status = next
	m.messages[messageID] = msg
	return msg, nil
}

// GetSessionMessages returns session messages in insertion order. A limit of
// zero or less returns everything; otherwise the most recent limit messages.
func (m *Memory) GetSessionMessages(sessionID string, limit int) []models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.sessionMessages[sessionID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	messages := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			messages = append(messages, msg)
		}
	}
	return messages
}

// ==================== Feedback ====================

func (m *Memory) CreateFeedbackRequest(req models.FeedbackRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := models.ValidateFeedbackRequestCreate(&req); err != nil {
		return err
	}

	m.feedbackRequests[req.ID] = req
	m.sessionFeedback[req.SessionID] = append(m.sessionFeedback[req.SessionID], req.ID)
	return nil
}

func (m *Memory) GetFeedbackRequest(requestID string) (models.FeedbackRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.feedbackRequests[requestID]
	return req, ok
}

// TransitionFeedbackRequest validates and applies a feedback status change.
// Status never moves through whole-record writes: this is the only way to
// change it, so a resolved request cannot be reverted by a stale copy.
func (m *Memory) TransitionFeedbackRequest(requestID string, next models.FeedbackStatus) (models.FeedbackRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.feedbackRequests[requestID]
	if !ok {
		return models.FeedbackRequest{}, &models.ValidationError{Reason: "feedback request not found: " + requestID}
	}
	if err := models.ValidateFeedbackTransition(req.Status, next); err != nil {
		return models.FeedbackRequest{}, err
	}

	req.Status = next
	m.feedbackRequests[requestID] = req
	return req, nil
}

// BumpFeedbackAttempts adds delivery bookkeeping to the request metadata
// without touching the status.
func (m *Memory) BumpFeedbackAttempts(requestID string, attempts int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.feedbackRequests[requestID]
	if !ok {
		return
	}
	req.Metadata.AttemptCount += attempts
	req.Metadata.LastAttempt = at
	m.feedbackRequests[requestID] = req
}

func (m *Memory) GetSessionFeedbackRequests(sessionID string) []models.FeedbackRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.sessionFeedback[sessionID]
	requests := make([]models.FeedbackRequest, 0, len(ids))
	for _, id := range ids {
		if req, ok := m.feedbackRequests[id]; ok {
			requests = append(requests, req)
		}
	}
	return requests
}

// ListPendingFeedbackRequests returns every request still in pending state.
func (m *Memory) ListPendingFeedbackRequests() []models.FeedbackRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := make([]models.FeedbackRequest, 0)
	for _, req := range m.feedbackRequests {
		if req.Status == models.FeedbackPending {
			pending = append(pending, req)
		}
	}
	return pending
}

func (m *Memory) CreateFeedbackResponse(resp models.FeedbackResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedbackResponses[resp.RequestID] = append(m.feedbackResponses[resp.RequestID], resp)
}

func (m *Memory) GetRequestResponses(requestID string) []models.FeedbackResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	responses := m.feedbackResponses[requestID]
	out := make([]models.FeedbackResponse, len(responses))
	copy(out, responses)
	return out
}

// ==================== Delivery attempts ====================

// AppendDeliveryAttempt assigns the next attempt number for the message
// under the store lock and records the attempt. Returns the stored record.
func (m *Memory) AppendDeliveryAttempt(attempt models.DeliveryAttempt) models.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt.AttemptNumber = len(m.deliveryAttempts[attempt.MessageID]) + 1
	m.deliveryAttempts[attempt.MessageID] = append(m.deliveryAttempts[attempt.MessageID], attempt)
	return attempt
}

// UpdateDeliveryAttempt replaces the attempt record with the matching id.
// Attempts are otherwise append-only; this exists so an in-flight attempt
// can move from sent to delivered/failed.
func (m *Memory) UpdateDeliveryAttempt(attempt models.DeliveryAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := m.deliveryAttempts[attempt.MessageID]
	for i, a := range attempts {
		if a.ID == attempt.ID {
			attempts[i] = attempt
			return
		}
	}
}

func (m *Memory) GetMessageDeliveryAttempts(messageID string) []models.DeliveryAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attempts := m.deliveryAttempts[messageID]
	out := make([]models.DeliveryAttempt, len(attempts))
	copy(out, attempts)
	return out
}

// ==================== Channel connections ====================

// PutChannelConnection replaces the (user, channel) connection wholesale.
func (m *Memory) PutChannelConnection(conn models.ChannelConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[connectionKey(conn.UserID, conn.Channel)] = conn
}

func (m *Memory) GetChannelConnection(userID string, channel models.ChannelType) (models.ChannelConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[connectionKey(userID, channel)]
	return conn, ok
}

func connectionKey(userID string, channel models.ChannelType) string {
	return userID + ":" + string(channel)
}
