// ABOUTME: Finds or creates the single active conversation for a participant pair
// ABOUTME: Relies on the store's unique active-pair constraint to settle concurrent creates

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/wabridge/internal/identity"
	"github.com/2389/wabridge/internal/store"
)

// ConversationStore defines what the resolver needs from storage
type ConversationStore interface {
	ListActiveConversationsFor(ctx context.Context, participant string) ([]*store.Conversation, error)
	GetActiveConversationByPair(ctx context.Context, pairKey string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
}

// Handle identifies the resolved conversation.
type Handle struct {
	ConversationID string
	PairKey        string
	Created        bool // true when this call created the conversation
}

// Resolver maps a participant pair to its active conversation.
type Resolver struct {
	store  ConversationStore
	logger *slog.Logger
	newID  func() string
}

// NewResolver creates a Resolver. Pass nil logger for default.
func NewResolver(s ConversationStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		logger: logger.With("component", "resolver"),
		newID:  func() string { return uuid.New().String() },
	}
}

// Resolve returns the active conversation between a and b, creating it with
// start time eventTime and an empty summary when none exists. Both keys must
// already be normalized.
//
// Lookup is two-step: the store lists active conversations for a (indexed on
// one participant) and the pair is matched in memory. A concurrent caller may
// create the same pair between lookup and insert; the losing insert gets
// ErrDuplicateConversation and re-reads the winner.
func (r *Resolver) Resolve(ctx context.Context, a, b string, eventTime time.Time) (*Handle, error) {
	pairKey := identity.PairKey(a, b)

	candidates, err := r.store.ListActiveConversationsFor(ctx, a)
	if err != nil {
		return nil, persistenceError("list conversations", err)
	}
	for _, c := range candidates {
		if c.HasParticipant(b) && c.HasParticipant(a) {
			return &Handle{ConversationID: c.ID, PairKey: c.PairKey}, nil
		}
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}
	conv := &store.Conversation{
		ID:           r.newID(),
		PairKey:      pairKey,
		ParticipantA: first,
		ParticipantB: second,
		Status:       store.ConversationActive,
		StartTime:    eventTime,
	}

	err = r.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrDuplicateConversation) {
		existing, lookupErr := r.store.GetActiveConversationByPair(ctx, pairKey)
		if lookupErr != nil {
			r.logger.Error("retry lookup failed after duplicate error", "pair_key", pairKey, "lookup_error", lookupErr)
			return nil, persistenceError("lookup conversation after duplicate", lookupErr)
		}
		r.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
		return &Handle{ConversationID: existing.ID, PairKey: pairKey}, nil
	}
	if err != nil {
		return nil, persistenceError("create conversation", err)
	}

	r.logger.Info("conversation created", "conversation_id", conv.ID, "pair_key", pairKey)
	return &Handle{ConversationID: conv.ID, PairKey: pairKey, Created: true}, nil
}
