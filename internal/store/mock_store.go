// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// Setting one of the Fail* fields makes the matching operation return it.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[string]*Conversation // keyed by conversation ID
	activeByPair  map[string]string        // pair key -> conversation ID
	messages      map[string]*Message      // keyed by message ID

	FailEnsureUser         error
	FailListConversations  error
	FailCreateConversation error
	FailAppendMessage      error

	calls map[string]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		activeByPair:  make(map[string]string),
		messages:      make(map[string]*Message),
		calls:         make(map[string]int),
	}
}

// Calls returns how many times the named operation was invoked.
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// MessageCount returns the number of stored messages.
func (m *MockStore) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// ConversationCount returns the number of stored conversations.
func (m *MockStore) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// UserCount returns the number of stored users.
func (m *MockStore) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// EnsureUser creates or merges a user.
func (m *MockStore) EnsureUser(ctx context.Context, u *UserUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["EnsureUser"]++

	if m.FailEnsureUser != nil {
		return m.FailEnsureUser
	}

	existing, ok := m.users[u.ID]
	if !ok {
		name := u.Name
		if name == "" {
			name = PlaceholderName
		}
		now := u.Now
		if now.IsZero() {
			now = time.Now()
		}
		m.users[u.ID] = &User{
			ID:          u.ID,
			Name:        name,
			PhoneNumber: u.PhoneNumber,
			LastSeen:    u.LastSeen.UTC(),
			IsActive:    true,
			CreatedAt:   now.UTC(),
		}
		return nil
	}

	if (existing.Name == "" || existing.Name == PlaceholderName) && u.Name != "" && u.Name != PlaceholderName {
		existing.Name = u.Name
	}
	if existing.PhoneNumber == "" {
		existing.PhoneNumber = u.PhoneNumber
	}
	if !u.LastSeen.IsZero() && u.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = u.LastSeen.UTC()
	}
	return nil
}

// GetUser retrieves a user by key.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

func copyConversation(c *Conversation) *Conversation {
	result := *c
	if c.LastMessage != nil {
		summary := *c.LastMessage
		result.LastMessage = &summary
	}
	return &result
}

// ListActiveConversationsFor returns active conversations including participant.
func (m *MockStore) ListActiveConversationsFor(ctx context.Context, participant string) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ListActiveConversationsFor"]++

	if m.FailListConversations != nil {
		return nil, m.FailListConversations
	}

	var result []*Conversation
	for _, c := range m.conversations {
		if c.Status == ConversationActive && c.HasParticipant(participant) {
			result = append(result, copyConversation(c))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result, nil
}

// GetActiveConversationByPair retrieves the active conversation for a pair.
func (m *MockStore) GetActiveConversationByPair(ctx context.Context, pairKey string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.activeByPair[pairKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(m.conversations[id]), nil
}

// CreateConversation stores a new conversation, enforcing one active per pair.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateConversation"]++

	if m.FailCreateConversation != nil {
		return m.FailCreateConversation
	}

	c := copyConversation(conv)
	if c.Status == "" {
		c.Status = ConversationActive
	}
	if c.Status == ConversationActive {
		if _, exists := m.activeByPair[c.PairKey]; exists {
			return ErrDuplicateConversation
		}
		m.activeByPair[c.PairKey] = c.ID
	}
	m.conversations[c.ID] = c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.At
	}
	return c.StartTime
}

// ListConversations lists conversations by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, c := range m.conversations {
		if filter.Participant != "" && !c.HasParticipant(filter.Participant) {
			continue
		}
		result = append(result, copyConversation(c))
	}
	sort.Slice(result, func(i, j int) bool {
		return lastActivity(result[i]).After(lastActivity(result[j]))
	})

	limit := clampLimit(filter.Limit)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AppendMessage stores the message if its ID is new and updates the summary.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["AppendMessage"]++

	if m.FailAppendMessage != nil {
		return false, m.FailAppendMessage
	}

	if _, exists := m.messages[msg.ID]; exists {
		return false, nil
	}
	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return false, ErrNotFound
	}

	stored := *msg
	if stored.Type == "" {
		stored.Type = MessageTypeText
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.messages[stored.ID] = &stored
	conv.LastMessage = &MessageSummary{MessageID: msg.ID, Content: msg.Content, At: msg.Timestamp}
	return true, nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

// ListMessages returns the most recent messages in event-time order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			cp := *msg
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	limit = clampLimit(limit)
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// MarkConversationRead flags messages not sent by readerID as read.
func (m *MockStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.SenderID != readerID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*PostgresStore)(nil)
