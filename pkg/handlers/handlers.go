package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"agent-relay/pkg/models"
	"agent-relay/pkg/orchestrator"
	"agent-relay/pkg/ratelimit"
	"agent-relay/pkg/statesync"
	"agent-relay/pkg/store"
)

type Handler struct {
	store        *store.Memory
	limiter      *ratelimit.Limiter
	orchestrator *orchestrator.Orchestrator
	statesync    *statesync.Service
	logger       *logrus.Logger
}

func NewHandler(st *store.Memory, limiter *ratelimit.Limiter, orch *orchestrator.Orchestrator, sync *statesync.Service, logger *logrus.Logger) *Handler {
	return &Handler{
		store:        st,
		limiter:      limiter,
		orchestrator: orch,
		statesync:    sync,
		logger:       logger,
	}
}

// CreateUser registers the recipient addresses deliveries resolve against.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ID       string `json:"id,omitempty"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.ID == "" {
		request.ID = uuid.New().String()
	}

	user := models.User{
		ID:       request.ID,
		Username: request.Username,
		Email:    request.Email,
	}
	h.store.CreateUser(user)

	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var request struct {
		UserID           string             `json:"user_id"`
		PreferredChannel models.ChannelType `json:"preferred_channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	now := time.Now()
	session := models.Session{
		ID:               uuid.New().String(),
		UserID:           request.UserID,
		Status:           models.SessionActive,
		PreferredChannel: request.PreferredChannel,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastActiveAt:     now,
	}

	if err := h.store.CreateSession(session); err != nil {
		h.writeValidationError(w, err)
		return
	}
	h.statesync.Subscribe(session.ID, session.PreferredChannel)

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) TransitionSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var request struct {
		Status models.SessionStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.store.TransitionSession(sessionID, request.Status)
	if err != nil {
		h.writeValidationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// PostUserMessage records an inbound user message after checking all rate
// limit levels. Violations come back as 429 with retry headers.
func (h *Handler) PostUserMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, ok := h.store.GetSession(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var request struct {
		Content string             `json:"content"`
		Channel models.ChannelType `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Channel == "" {
		request.Channel = session.PreferredChannel
	}

	if err := h.limiter.CheckAllLimits(r.Context(), session.UserID, sessionID, request.Channel); err != nil {
		var limitErr *ratelimit.Error
		if errors.As(err, &limitErr) {
			h.writeRateLimited(w, limitErr)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	msg := models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   request.Content,
		Type:      models.MessageTypeUser,
		Status:    models.MessageSent,
		Channel:   request.Channel,
		Timestamp: time.Now(),
	}
	if err := h.store.CreateMessage(msg); err != nil {
		h.writeValidationError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// PostAgentMessage delivers an agent message through the orchestrator with
// optional preferred channel and fallback control.
func (h *Handler) PostAgentMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, ok := h.store.GetSession(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var request struct {
		Content          string             `json:"content"`
		PreferredChannel models.ChannelType `json:"preferred_channel,omitempty"`
		DisableFallback  bool               `json:"disable_fallback,omitempty"`
		Recipient        string             `json:"recipient,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	preferred := request.PreferredChannel
	if preferred == "" {
		preferred = session.PreferredChannel
	}
	recipient := request.Recipient
	if recipient == "" {
		recipient = h.resolveRecipient(session.UserID, preferred)
	}

	msg := models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   request.Content,
		Type:      models.MessageTypeAgent,
		Status:    models.MessageSent,
		Channel:   preferred,
		Timestamp: time.Now(),
	}
	if err := h.store.CreateMessage(msg); err != nil {
		h.writeValidationError(w, err)
		return
	}

	delivered, err := h.orchestrator.SendMessage(r.Context(), msg, session.UserID, recipient, preferred, !request.DisableFallback)
	if delivered {
		if _, terr := h.store.TransitionMessage(msg.ID, models.MessageDelivered); terr != nil {
			h.logger.WithError(terr).WithField("message_id", msg.ID).Warn("Failed to mark message delivered")
		}
	} else {
		if _, terr := h.store.TransitionMessage(msg.ID, models.MessageFailed); terr != nil {
			h.logger.WithError(terr).WithField("message_id", msg.ID).Warn("Failed to mark message failed")
		}
	}

	response := map[string]interface{}{
		"message_id": msg.ID,
		"delivered":  delivered,
		"attempts":   h.orchestrator.DeliveryHistory(msg.ID),
	}
	if err != nil {
		response["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) CreateFeedbackRequest(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, ok := h.store.GetSession(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	var request struct {
		Type     models.FeedbackType  `json:"type"`
		Prompt   string               `json:"prompt"`
		Channels []models.ChannelType `json:"channels"`
		Priority int                  `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Priority == 0 {
		request.Priority = 1
	}

	now := time.Now()
	req := models.FeedbackRequest{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      request.Type,
		Status:    models.FeedbackPending,
		Prompt:    request.Prompt,
		CreatedAt: now,
		ExpiresAt: now.Add(models.FeedbackExpiryWindow),
		Channels:  request.Channels,
		Metadata: models.FeedbackMetadata{
			Priority:    request.Priority,
			LastAttempt: now,
		},
	}
	if err := h.store.CreateFeedbackRequest(req); err != nil {
		h.writeValidationError(w, err)
		return
	}

	recipient := h.resolveRecipient(session.UserID, session.PreferredChannel)
	delivered := h.orchestrator.SendFeedbackRequest(r.Context(), req, session.UserID, recipient, session.PreferredChannel)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"request":            req,
		"delivered_channels": delivered,
	})
}

// PostFeedbackResponse funnels a reply from any channel into first-valid-
// wins resolution.
func (h *Handler) PostFeedbackResponse(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]

	var request struct {
		Content string             `json:"content"`
		Channel models.ChannelType `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response := models.FeedbackResponse{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Content:   request.Content,
		Channel:   request.Channel,
		Timestamp: time.Now(),
	}

	accepted, err := h.statesync.ProcessFeedbackResponse(requestID, response)
	status := http.StatusOK
	var reason string
	switch {
	case err == nil:
	case errors.Is(err, statesync.ErrRequestNotFound):
		status, reason = http.StatusNotFound, err.Error()
	case errors.Is(err, statesync.ErrAlreadyResolved):
		status, reason = http.StatusConflict, err.Error()
	case errors.Is(err, statesync.ErrRequestExpired):
		status, reason = http.StatusGone, err.Error()
	default:
		h.writeValidationError(w, err)
		return
	}

	req, _ := h.store.GetFeedbackRequest(requestID)
	body := map[string]interface{}{
		"accepted":       accepted,
		"request_status": req.Status,
	}
	if reason != "" {
		body["reason"] = reason
	}
	writeJSON(w, status, body)
}

func (h *Handler) ConversationHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	includeSystem := r.URL.Query().Get("include_system") != "false"

	messages := h.statesync.ConversationHistory(sessionID, limit, includeSystem)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}

func (h *Handler) DeliveryHistory(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message_id": messageID,
		"attempts":   h.orchestrator.DeliveryHistory(messageID),
	})
}

func (h *Handler) ChannelHealth(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	health := h.orchestrator.ChannelHealth(r.Context(), userID)
	writeJSON(w, http.StatusOK, health)
}

func (h *Handler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	sessionID := r.URL.Query().Get("session_id")
	channel := models.ChannelType(r.URL.Query().Get("channel"))

	status, err := h.limiter.GetStatus(r.Context(), userID, sessionID, channel)
	if err != nil {
		http.Error(w, "Failed to get rate limit status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) SwitchChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var request struct {
		OldChannel models.ChannelType `json:"old_channel"`
		NewChannel models.ChannelType `json:"new_channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.statesync.SwitchChannel(sessionID, request.OldChannel, request.NewChannel); err != nil {
		h.writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.statesync.GetSyncStatus(sessionID))
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, h.statesync.GetSyncStatus(sessionID))
}

// resolveRecipient maps a user to the channel-specific recipient address.
func (h *Handler) resolveRecipient(userID string, channel models.ChannelType) string {
	user, ok := h.store.GetUser(userID)
	if !ok {
		return userID
	}
	if channel == models.ChannelEmail && user.Email != "" {
		return user.Email
	}
	return user.ID
}

func (h *Handler) writeValidationError(w http.ResponseWriter, err error) {
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		http.Error(w, validationErr.Reason, http.StatusUnprocessableEntity)
		return
	}
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeRateLimited(w http.ResponseWriter, limitErr *ratelimit.Error) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limitErr.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limitErr.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(limitErr.ResetAt)))
	w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfter))
	http.Error(w, fmt.Sprintf("Rate limit exceeded at %s level", limitErr.Level), http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
