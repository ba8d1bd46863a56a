// ABOUTME: Operator HTTP API: outbound send and read access to conversations, messages and users
// ABOUTME: Errors are JSON {"error": "..."} with status codes derived from the bridge error types

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/wabridge/internal/bridge"
	"github.com/2389/wabridge/internal/identity"
	"github.com/2389/wabridge/internal/store"
)

const maxAPIBody = 64 << 10

// SendMessageRequest is the JSON request body for POST /api/send.
type SendMessageRequest struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// legacySendRequest is the body accepted by POST /send-whatsapp-message.
type legacySendRequest struct {
	Message         string `json:"message"`
	RecipientNumber string `json:"recipientNumber"`
}

// SendMessageResponse is returned once the provider accepted the message
// and the ledger recorded it.
type SendMessageResponse struct {
	Status            string `json:"status"`
	ConversationID    string `json:"conversation_id"`
	MessageID         string `json:"message_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

// MessageSummaryResponse is the last-message pointer on a conversation.
type MessageSummaryResponse struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	At        string `json:"at"`
}

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID           string                  `json:"id"`
	Participants []string                `json:"participants"`
	Status       string                  `json:"status"`
	StartTime    string                  `json:"start_time"`
	LastMessage  *MessageSummaryResponse `json:"last_message,omitempty"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// MessageResponse is the JSON form of a stored message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	Timestamp      string `json:"timestamp"`
	IsRead         bool   `json:"is_read"`
}

// ConversationMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ConversationMessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// MarkReadRequest optionally names the reader; it defaults to the business.
type MarkReadRequest struct {
	Reader string `json:"reader"`
}

// MarkReadResponse reports how many messages were flagged.
type MarkReadResponse struct {
	ConversationID string `json:"conversation_id"`
	Reader         string `json:"reader"`
	Marked         int64  `json:"marked"`
}

// UserResponse is the JSON form of a user.
type UserResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	LastSeen    string `json:"last_seen,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

// handleSend handles POST /api/send.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	g.dispatch(w, r, bridge.DispatchRequest{Recipient: req.Recipient, Content: req.Content})
}

// handleLegacySend handles POST /send-whatsapp-message.
func (g *Gateway) handleLegacySend(w http.ResponseWriter, r *http.Request) {
	var req legacySendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	g.dispatch(w, r, bridge.DispatchRequest{Recipient: req.RecipientNumber, Content: req.Message})
}

func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, req bridge.DispatchRequest) {
	out, err := g.bridge.Dispatch(r.Context(), req)
	if err != nil {
		status := dispatchStatus(err)
		if status >= http.StatusInternalServerError {
			g.logger.Error("dispatch failed", "recipient", req.Recipient, "error", err)
		}
		g.sendJSONError(w, status, err.Error())
		return
	}

	g.writeJSON(w, http.StatusOK, SendMessageResponse{
		Status:            "sent",
		ConversationID:    out.ConversationID,
		MessageID:         out.MessageID,
		ProviderMessageID: out.ProviderMessageID,
	})
}

// dispatchStatus maps a Dispatch error to an HTTP status.
func dispatchStatus(err error) int {
	var shapeErr *bridge.ShapeError
	var sendErr *bridge.SendError
	switch {
	case errors.As(err, &shapeErr):
		return http.StatusBadRequest
	case errors.As(err, &sendErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleListConversations handles GET /api/conversations?participant=&limit=.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	filter := store.ConversationFilter{Limit: limit}
	if p := r.URL.Query().Get("participant"); p != "" {
		filter.Participant = identity.Normalize(p)
	}

	convs, err := g.store.ListConversations(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	resp := ListConversationsResponse{Conversations: make([]ConversationResponse, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, conversationResponse(c))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.lookupConversation(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, conversationResponse(conv))
}

// handleConversationMessages handles GET /api/conversations/{id}/messages?limit=.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}
	conv, ok := g.lookupConversation(w, r)
	if !ok {
		return
	}

	msgs, err := g.bridge.Ledger().History(r.Context(), conv.ID, limit)
	if err != nil {
		g.logger.Error("listing messages", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	resp := ConversationMessagesResponse{
		ConversationID: conv.ID,
		Messages:       make([]MessageResponse, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, MessageResponse{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			Type:           m.Type,
			Timestamp:      formatTime(m.Timestamp),
			IsRead:         m.IsRead,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	conv, ok := g.lookupConversation(w, r)
	if !ok {
		return
	}

	reader := g.bridge.BusinessKey()
	if req.Reader != "" {
		reader = identity.Normalize(req.Reader)
	}
	if !conv.HasParticipant(reader) {
		g.sendJSONError(w, http.StatusBadRequest, "reader is not a participant")
		return
	}

	n, err := g.bridge.Ledger().MarkRead(r.Context(), conv.ID, reader)
	if err != nil {
		g.logger.Error("marking conversation read", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to mark read")
		return
	}
	g.writeJSON(w, http.StatusOK, MarkReadResponse{ConversationID: conv.ID, Reader: reader, Marked: n})
}

// handleGetUser handles GET /api/users/{key}.
func (g *Gateway) handleGetUser(w http.ResponseWriter, r *http.Request) {
	key := identity.Normalize(chi.URLParam(r, "key"))
	if key == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user key is required")
		return
	}

	u, err := g.bridge.Directory().GetUser(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		g.logger.Error("getting user", "user_id", key, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to get user")
		return
	}

	resp := UserResponse{
		ID:          u.ID,
		Name:        u.Name,
		PhoneNumber: u.PhoneNumber,
		IsActive:    u.IsActive,
		CreatedAt:   formatTime(u.CreatedAt),
	}
	if !u.LastSeen.IsZero() {
		resp.LastSeen = formatTime(u.LastSeen)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// lookupConversation loads the {id} conversation, writing 404/500 itself.
func (g *Gateway) lookupConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	id := chi.URLParam(r, "id")
	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("getting conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to get conversation")
		return nil, false
	}
	return conv, true
}

// parseLimit reads ?limit=, leaving clamping to the store.
func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:           c.ID,
		Participants: []string{c.ParticipantA, c.ParticipantB},
		Status:       c.Status,
		StartTime:    formatTime(c.StartTime),
	}
	if c.LastMessage != nil {
		resp.LastMessage = &MessageSummaryResponse{
			MessageID: c.LastMessage.MessageID,
			Content:   c.LastMessage.Content,
			At:        formatTime(c.LastMessage.At),
		}
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing JSON response", "error", err)
	}
}
