// ABOUTME: Message ledger that appends messages idempotently by message ID
// ABOUTME: First-time appends also move the conversation's last-message summary

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/wabridge/internal/store"
)

// MessageStore defines what the ledger needs from storage
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *store.Message) (bool, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

// AppendRequest describes one message to record.
type AppendRequest struct {
	ConversationID string
	SenderKey      string
	Content        string
	EventTime      time.Time
	ExplicitID     string // provider message ID; a UUID is generated when empty
}

// AppendResult reports the effective ID and whether this call stored it.
// Created is false for a duplicate, which is not an error.
type AppendResult struct {
	MessageID string
	Created   bool
}

// Ledger records messages.
type Ledger struct {
	store  MessageStore
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger. Pass nil logger for default.
func NewLedger(s MessageStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  s,
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// Append stores the message unless one with the same ID already exists.
// The existence check and insert happen in the store as a single
// conflict-ignoring insert, so concurrent deliveries of one provider message
// create exactly one row. The summary update shares that transaction.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	id := req.ExplicitID
	if id == "" {
		id = uuid.New().String()
	}

	created, err := l.store.AppendMessage(ctx, &store.Message{
		ID:             id,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderKey,
		Content:        req.Content,
		Type:           store.MessageTypeText,
		Timestamp:      req.EventTime,
		CreatedAt:      l.now(),
	})
	if err != nil {
		return nil, persistenceError("append message", err)
	}

	if created {
		l.logger.Debug("message appended", "message_id", id, "conversation_id", req.ConversationID)
	} else {
		l.logger.Info("duplicate message ignored", "message_id", id, "conversation_id", req.ConversationID)
	}

	return &AppendResult{MessageID: id, Created: created}, nil
}

// History returns up to limit recent messages in event-time order.
func (l *Ledger) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	msgs, err := l.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, persistenceError("list messages", err)
	}
	return msgs, nil
}

// MarkRead marks messages the reader did not send as read.
func (l *Ledger) MarkRead(ctx context.Context, conversationID, readerKey string) (int64, error) {
	n, err := l.store.MarkConversationRead(ctx, conversationID, readerKey)
	if err != nil {
		return 0, persistenceError("mark read", err)
	}
	return n, nil
}
