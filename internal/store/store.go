// ABOUTME: Store interface and data types for wabridge persistence
// ABOUTME: Defines User, Conversation, Message and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when an active conversation already
// exists for the same participant pair
var ErrDuplicateConversation = errors.New("active conversation already exists for pair")

// PlaceholderName is stored for users whose display name is not yet known.
// A later EnsureUser carrying a real name replaces it.
const PlaceholderName = "Unknown User"

// Conversation status values. Only active conversations take part in
// resolution; closed is reserved for a future close operation.
const (
	ConversationActive = "active"
	ConversationClosed = "closed"
)

// MessageTypeText is the only message type the bridge stores today
const MessageTypeText = "text"

// User is a participant known to the bridge, keyed by its normalized identity
type User struct {
	ID          string
	Name        string
	PhoneNumber string
	LastSeen    time.Time // zero when never observed
	IsActive    bool
	CreatedAt   time.Time
}

// UserUpsert carries the fields EnsureUser merges into an existing user.
// Name replaces the stored name only while the stored name is empty or
// PlaceholderName. LastSeen only ever moves the stored value forward; a zero
// LastSeen leaves it untouched.
type UserUpsert struct {
	ID          string
	Name        string
	PhoneNumber string
	LastSeen    time.Time
	Now         time.Time
}

// MessageSummary is the denormalized last-message pointer on a conversation
type MessageSummary struct {
	MessageID string
	Content   string
	At        time.Time
}

// Conversation is a two-party exchange between normalized participant keys.
// ParticipantA sorts before ParticipantB.
type Conversation struct {
	ID           string
	PairKey      string
	ParticipantA string
	ParticipantB string
	Status       string
	StartTime    time.Time
	LastMessage  *MessageSummary // nil until the first message is appended
}

// HasParticipant reports whether key is one of the two participants
func (c *Conversation) HasParticipant(key string) bool {
	return c.ParticipantA == key || c.ParticipantB == key
}

// Message is a single text message within a conversation
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           string // defaults to "text"
	Timestamp      time.Time
	IsRead         bool
	CreatedAt      time.Time
}

// ConversationFilter narrows ListConversations
type ConversationFilter struct {
	Participant string // empty for all
	Limit       int
}

// Store defines the persistence operations the bridge pipelines rely on.
// Implementations must enforce uniqueness of message IDs and of the active
// conversation per pair key; the pipelines hold no locks of their own.
type Store interface {
	// EnsureUser creates the user if absent, otherwise merges per UserUpsert rules.
	EnsureUser(ctx context.Context, u *UserUpsert) error
	GetUser(ctx context.Context, id string) (*User, error)

	// ListActiveConversationsFor returns active conversations that include participant.
	ListActiveConversationsFor(ctx context.Context, participant string) ([]*Conversation, error)
	GetActiveConversationByPair(ctx context.Context, pairKey string) (*Conversation, error)
	// CreateConversation returns ErrDuplicateConversation when an active
	// conversation for the same pair key already exists.
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// AppendMessage inserts msg unless a message with the same ID exists.
	// On first insert it also points the conversation's summary at msg, in
	// the same transaction. Returns whether the message was created.
	AppendMessage(ctx context.Context, msg *Message) (bool, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	// ListMessages returns up to limit most recent messages in event-time order.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	// MarkConversationRead flags messages not sent by readerID as read.
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// clampLimit applies the list defaults shared by every backend
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
