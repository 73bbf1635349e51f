package statesync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agent-relay/pkg/metrics"
	"agent-relay/pkg/models"
	"agent-relay/pkg/orchestrator"
	"agent-relay/pkg/store"
)

// Typed results for feedback resolution so callers can tell "already
// processed" and "not found" apart from real failures.
var (
	ErrRequestNotFound = errors.New("feedback request not found")
	ErrAlreadyResolved = errors.New("feedback request already processed")
	ErrRequestExpired  = errors.New("feedback request expired")
)

// SyncStatus summarizes a session's synchronization state.
type SyncStatus struct {
	SessionID          string               `json:"session_id"`
	SubscribedChannels []models.ChannelType `json:"subscribed_channels"`
	MessageCount       int                  `json:"message_count"`
	PendingFeedback    int                  `json:"pending_feedback_count"`
}

// Service reconciles state across channels: it tracks which channels listen
// to each session, resolves feedback replies first-valid-wins, and assembles
// replayable conversation history regardless of originating channel.
type Service struct {
	store        *store.Memory
	orchestrator *orchestrator.Orchestrator
	logger       *logrus.Logger
	metrics      *metrics.Metrics

	mu            sync.Mutex
	subscriptions map[string]map[models.ChannelType]struct{} // session id -> listening channels
}

func New(st *store.Memory, orch *orchestrator.Orchestrator, logger *logrus.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:         st,
		orchestrator:  orch,
		logger:        logger,
		metrics:       m,
		subscriptions: make(map[string]map[models.ChannelType]struct{}),
	}
}

// Subscribe registers a channel as listening for a session.
func (s *Service) Subscribe(sessionID string, channelType models.ChannelType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeLocked(sessionID, channelType)
}

// Unsubscribe removes a channel from a session's listener set.
func (s *Service) Unsubscribe(sessionID string, channelType models.ChannelType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked(sessionID, channelType)
}

// SubscribedChannels returns a copy of the session's listener set.
func (s *Service) SubscribedChannels(sessionID string) []models.ChannelType {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscriptions[sessionID]
	out := make([]models.ChannelType, 0, len(subs))
	for channelType := range subs {
		out = append(out, channelType)
	}
	return out
}

func (s *Service) subscribeLocked(sessionID string, channelType models.ChannelType) {
	if _, ok := s.subscriptions[sessionID]; !ok {
		s.subscriptions[sessionID] = make(map[models.ChannelType]struct{})
	}
	s.subscriptions[sessionID][channelType] = struct{}{}
}

func (s *Service) unsubscribeLocked(sessionID string, channelType models.ChannelType) {
	if subs, ok := s.subscriptions[sessionID]; ok {
		delete(subs, channelType)
		if len(subs) == 0 {
			delete(s.subscriptions, sessionID)
		}
	}
}

// SwitchChannel moves a session from one channel to another: the preferred
// channel is updated atomically in the store (rejecting ended sessions), then
// the old channel is unsubscribed and the new one subscribed under one lock
// so listeners never observe a session with neither channel attached.
func (s *Service) SwitchChannel(sessionID string, oldChannel, newChannel models.ChannelType) error {
	if _, err := s.store.SetPreferredChannel(sessionID, newChannel); err != nil {
		return err
	}

	s.mu.Lock()
	s.unsubscribeLocked(sessionID, oldChannel)
	s.subscribeLocked(sessionID, newChannel)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"old_channel": oldChannel,
		"new_channel": newChannel,
	}).Info("Session switched channel")
	return nil
}

// classify maps winning response content onto a terminal status. Approval
// keywords approve, rejection keywords reject, anything else is treated as
// free-form input and approved with the content as payload.
func classify(content string) models.FeedbackStatus {
	switch strings.ToUpper(strings.TrimSpace(content)) {
	case "APPROVE", "APPROVED", "YES":
		return models.FeedbackApproved
	case "REJECT", "REJECTED", "NO":
		return models.FeedbackRejected
	default:
		return models.FeedbackApproved
	}
}

// ProcessFeedbackResponse applies first-valid-wins resolution. The first
// response stored for a pending request wins and decides the terminal
// status; later responses are kept for audit but change nothing. The whole
// check-and-set runs under one lock so two concurrent replies cannot both
// win. An expired-but-still-pending request is flipped to expired before the
// submission is rejected.
func (s *Service) ProcessFeedbackResponse(requestID string, response models.FeedbackResponse) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.store.GetFeedbackRequest(requestID)
	if !ok {
		s.metrics.FeedbackResponsesTotal.WithLabelValues("not_found").Inc()
		return false, ErrRequestNotFound
	}

	if req.Status != models.FeedbackPending {
		s.metrics.FeedbackResponsesTotal.WithLabelValues("already_resolved").Inc()
		return false, ErrAlreadyResolved
	}

	if req.IsExpired(time.Now()) {
		if _, terr := s.store.TransitionFeedbackRequest(requestID, models.FeedbackExpired); terr == nil {
			s.metrics.FeedbackRequestsExpired.Inc()
		}
		s.metrics.FeedbackResponsesTotal.WithLabelValues("expired").Inc()
		s.logger.WithField("request_id", requestID).Info("Feedback request expired on submission")
		return false, ErrRequestExpired
	}

	if existing := s.store.GetRequestResponses(requestID); len(existing) > 0 {
		// A response already won; keep this one for audit only.
		s.store.CreateFeedbackResponse(response)
		s.metrics.FeedbackResponsesTotal.WithLabelValues("duplicate").Inc()
		return false, ErrAlreadyResolved
	}

	s.store.CreateFeedbackResponse(response)

	next := classify(response.Content)
	if _, err := s.store.TransitionFeedbackRequest(requestID, next); err != nil {
		s.metrics.FeedbackResponsesTotal.WithLabelValues("invalid").Inc()
		return false, err
	}

	s.metrics.FeedbackResponsesTotal.WithLabelValues("accepted").Inc()
	s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"channel":    response.Channel,
		"status":     next,
	}).Info("Feedback response accepted")
	return true, nil
}

// SyncMessageToChannels pushes a message to every subscribed, available
// channel except the excluded ones. Fallback is disabled during sync: a
// channel either takes its own copy or reports failure, substituting another
// channel here would duplicate delivery.
func (s *Service) SyncMessageToChannels(ctx context.Context, msg models.Message, userID, recipient string, exclude []models.ChannelType) map[models.ChannelType]bool {
	results := make(map[models.ChannelType]bool)

	if _, ok := s.store.GetSession(msg.SessionID); !ok {
		return results
	}

	available := s.orchestrator.InitializeUserChannels(ctx, userID)

	for _, channelType := range s.SubscribedChannels(msg.SessionID) {
		if channelType == models.ChannelWebsocket || containsChannel(exclude, channelType) {
			continue
		}
		if !containsChannel(available, channelType) {
			continue
		}

		ok, err := s.orchestrator.SendMessage(ctx, msg, userID, recipient, channelType, false)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"channel":    channelType,
				"message_id": msg.ID,
			}).Warn("Message sync failed")
		}
		results[channelType] = ok && err == nil
	}

	return results
}

// EnsureSessionConsistency verifies the session and its message history and
// feedback list are all reachable. Operational sanity check, not a formal
// invariant checker.
func (s *Service) EnsureSessionConsistency(sessionID string) bool {
	if _, ok := s.store.GetSession(sessionID); !ok {
		return false
	}
	// Both lookups must succeed without panicking; empty is consistent.
	_ = s.store.GetSessionMessages(sessionID, 0)
	_ = s.store.GetSessionFeedbackRequests(sessionID)
	return true
}

// ConversationHistory returns the session's messages in chronological
// insertion order, stable and replayable regardless of originating channel.
// System messages can be filtered out for agent context rebuilding.
func (s *Service) ConversationHistory(sessionID string, limit int, includeSystem bool) []models.Message {
	messages := s.store.GetSessionMessages(sessionID, limit)
	if includeSystem {
		return messages
	}

	filtered := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Type != models.MessageTypeSystem {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

// GetSyncStatus reports the session's subscription and backlog counts.
func (s *Service) GetSyncStatus(sessionID string) SyncStatus {
	pending := 0
	for _, req := range s.store.GetSessionFeedbackRequests(sessionID) {
		if req.Status == models.FeedbackPending {
			pending++
		}
	}

	return SyncStatus{
		SessionID:          sessionID,
		SubscribedChannels: s.SubscribedChannels(sessionID),
		MessageCount:       len(s.store.GetSessionMessages(sessionID, 0)),
		PendingFeedback:    pending,
	}
}

// ExpireOverdueRequests flips every pending request past its expiry to
// expired. Called periodically by the service sweeper; the lazy check in
// ProcessFeedbackResponse covers requests the sweeper has not reached yet.
func (s *Service) ExpireOverdueRequests(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, req := range s.store.ListPendingFeedbackRequests() {
		if !req.IsExpired(now) {
			continue
		}
		if _, err := s.store.TransitionFeedbackRequest(req.ID, models.FeedbackExpired); err != nil {
			continue
		}
		s.metrics.FeedbackRequestsExpired.Inc()
		expired++
	}

	if expired > 0 {
		s.logger.WithField("expired_count", expired).Info("Expired overdue feedback requests")
	}
	return expired
}

func containsChannel(channels []models.ChannelType, target models.ChannelType) bool {
	for _, c := range channels {
		if c == target {
			return true
		}
	}
	return false
}
