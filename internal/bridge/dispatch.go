// ABOUTME: Dispatch pipeline for operator-originated outbound messages
// ABOUTME: Sends through the provider first and only records the message once it was accepted

package bridge

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/wabridge/internal/conversation"
	"github.com/2389/wabridge/internal/identity"
)

// Dispatch results reported to the Observer.
const (
	DispatchSent        = "sent"
	DispatchInvalid     = "invalid"
	DispatchSendFailed  = "send_failed"
	DispatchStoreFailed = "store_failed"
)

// ErrNoSender is returned when Dispatch is used on a Bridge built without a Sender.
var ErrNoSender = errors.New("no outbound sender configured")

// DispatchRequest is an outbound text message.
type DispatchRequest struct {
	Recipient string
	Content   string
}

// Dispatch delivers req through the provider and records it.
//
// The provider call comes first. If it fails the error is a *SendError and
// no storage has been touched, so an undelivered message never appears in
// the ledger. After acceptance the recipient and business users are ensured,
// the conversation resolved, and the message appended under a generated ID
// stamped with the current time. A storage failure after a successful send
// is returned as *PersistenceError; the message was delivered but is not
// recorded.
func (b *Bridge) Dispatch(ctx context.Context, req DispatchRequest) (*Outcome, error) {
	out := &Outcome{State: StateReceived}

	if strings.TrimSpace(req.Recipient) == "" {
		b.observer.DispatchOutcome(DispatchInvalid)
		out.State = StateRejected
		return out, missing("recipient")
	}
	if req.Content == "" {
		b.observer.DispatchOutcome(DispatchInvalid)
		out.State = StateRejected
		return out, missing("content")
	}
	if b.sender == nil {
		b.observer.DispatchOutcome(DispatchSendFailed)
		return out, &SendError{Recipient: req.Recipient, Err: ErrNoSender}
	}
	out.State = StateValidated

	var providerID string
	err := b.timed("send", func() error {
		var err error
		providerID, err = b.sender.Send(ctx, req.Recipient, req.Content)
		return err
	})
	if err != nil {
		b.observer.DispatchOutcome(DispatchSendFailed)
		b.logger.Warn("outbound send failed", "recipient", req.Recipient, "error", err)
		return out, &SendError{Recipient: req.Recipient, Err: err}
	}
	out.ProviderMessageID = providerID

	out, err = b.recordDispatch(ctx, req, out)
	if err != nil {
		b.observer.DispatchOutcome(DispatchStoreFailed)
		b.logger.Error("outbound message sent but not recorded",
			"recipient", req.Recipient,
			"provider_message_id", providerID,
			"error", err)
		return out, err
	}

	b.observer.DispatchOutcome(DispatchSent)
	b.logger.Info("outbound message sent",
		"message_id", out.MessageID,
		"provider_message_id", providerID,
		"conversation_id", out.ConversationID)
	return out, nil
}

func (b *Bridge) recordDispatch(ctx context.Context, req DispatchRequest, out *Outcome) (*Outcome, error) {
	now := b.now()
	recipientKey := identity.Normalize(req.Recipient)

	err := b.timed("ensure_users", func() error {
		if err := b.directory.EnsureUser(ctx, recipientKey, "", now); err != nil {
			return err
		}
		return b.directory.EnsureUser(ctx, b.businessKey, b.businessName, now)
	})
	if err != nil {
		return out, err
	}
	out.State = StateNormalized

	var handle *conversation.Handle
	err = b.timed("resolve", func() error {
		var err error
		handle, err = b.resolver.Resolve(ctx, b.businessKey, recipientKey, now)
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
			SenderKey:      b.businessKey,
			Content:        req.Content,
			EventTime:      now,
		})
		return err
	})
	if err != nil {
		return out, err
	}
	out.State = StatePersisted
	out.MessageID = appended.MessageID

	out.Published = b.publish(ctx, &conversation.NewMessageEvent{
		ConversationID: handle.ConversationID,
		MessageID:      appended.MessageID,
		SenderID:       b.businessKey,
		Content:        req.Content,
		Timestamp:      now,
	})
	out.State = StateNotified
	return out, nil
}
