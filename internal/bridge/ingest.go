// ABOUTME: Ingestion pipeline turning one validated provider event into stored state
// ABOUTME: Received -> Validated -> Normalized -> ConversationResolved -> Persisted -> Notified

package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/2389/wabridge/internal/conversation"
	"github.com/2389/wabridge/internal/identity"
)

// State is a pipeline stage. An Outcome carries the last stage reached.
type State string

const (
	StateReceived             State = "received"
	StateValidated            State = "validated"
	StateNormalized           State = "normalized"
	StateConversationResolved State = "conversation_resolved"
	StatePersisted            State = "persisted"
	StateNotified             State = "notified"
	StateRejected             State = "rejected"
)

// InboundEvent is one provider message after payload decoding. Webhook
// decoders fill it from whichever schema variant the provider sent.
type InboundEvent struct {
	MessageID  string
	Sender     string
	SenderName string
	Recipient  string // business number the message was sent to
	Text       string
	Timestamp  time.Time
}

// Outcome reports how far a pipeline run got and what it produced.
type Outcome struct {
	State          State
	ConversationID string
	MessageID      string
	// Duplicate is set when the message already existed; nothing was published.
	Duplicate bool
	Published bool
	// ProviderMessageID is the ID the provider returned for a dispatch.
	ProviderMessageID string
}

// Validate checks that every field the pipeline depends on is present.
func (e *InboundEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.Sender) == "":
		return missing("sender")
	case strings.TrimSpace(e.Recipient) == "":
		return missing("recipient")
	case e.Text == "":
		return missing("text body")
	case e.Timestamp.IsZero():
		return missing("timestamp")
	case strings.TrimSpace(e.MessageID) == "":
		return missing("message id")
	}
	return nil
}

// Ingest runs one inbound event through the pipeline. The returned Outcome
// is never nil; on error its State is the last stage reached, or
// StateRejected for a *ShapeError. Storage failures are *PersistenceError
// and leave earlier steps' effects in place.
func (b *Bridge) Ingest(ctx context.Context, ev *InboundEvent) (*Outcome, error) {
	out := &Outcome{State: StateReceived}
	defer func() { b.observer.IngestOutcome(out.State, out.Duplicate) }()

	if ev == nil {
		out.State = StateRejected
		return out, &ShapeError{Field: "event", Reason: "missing"}
	}
	if err := ev.Validate(); err != nil {
		out.State = StateRejected
		b.logger.Warn("inbound event rejected", "message_id", ev.MessageID, "error", err)
		return out, err
	}
	out.State = StateValidated

	senderKey := identity.Normalize(ev.Sender)
	recipientKey := identity.Normalize(ev.Recipient)

	err := b.timed("ensure_users", func() error {
		if err := b.directory.EnsureUser(ctx, senderKey, ev.SenderName, ev.Timestamp); err != nil {
			return err
		}
		return b.directory.EnsureUser(ctx, recipientKey, b.businessName, ev.Timestamp)
	})
	if err != nil {
		return out, err
	}
	out.State = StateNormalized

	var handle *conversation.Handle
	err = b.timed("resolve", func() error {
		var err error
		handle, err = b.resolver.Resolve(ctx, senderKey, recipientKey, ev.Timestamp)
		return err
	})
	if err != nil {
		return out, err
	}
	out.State = StateConversationResolved
	out.ConversationID = handle.ConversationID

	var appended *conversation.AppendResult
	err = b.timed("append", func() error {
		var err error
		appended, err = b.ledger.Append(ctx, conversation.AppendRequest{
			ConversationID: handle.ConversationID,
			SenderKey:      senderKey,
			Content:        ev.Text,
			EventTime:      ev.Timestamp,
			ExplicitID:     ev.MessageID,
		})
		return err
	})
	if err != nil {
		return out, err
	}
	out.State = StatePersisted
	out.MessageID = appended.MessageID
	out.Duplicate = !appended.Created

	if appended.Created {
		out.Published = b.publish(ctx, &conversation.NewMessageEvent{
			ConversationID: handle.ConversationID,
			MessageID:      appended.MessageID,
			SenderID:       senderKey,
			Content:        ev.Text,
			Timestamp:      ev.Timestamp,
		})
	}
	out.State = StateNotified

	b.logger.Info("inbound message processed",
		"message_id", out.MessageID,
		"conversation_id", out.ConversationID,
		"duplicate", out.Duplicate,
		"new_conversation", handle.Created)
	return out, nil
}
