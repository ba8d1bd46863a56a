// ABOUTME: Tests for the directory, resolver and ledger against real and mock stores
// ABOUTME: Covers name backfill, race-safe conversation creation, and idempotent appends

package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wabridge/internal/store"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDirectory_EnsureUserCreatesAndBackfills(t *testing.T) {
	s := newSQLiteStore(t)
	d := NewDirectory(s, nil)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, d.EnsureUser(ctx, "15559992222", "", time.Time{}))
	u, err := d.GetUser(ctx, "15559992222")
	require.NoError(t, err)
	assert.Equal(t, store.PlaceholderName, u.Name)

	require.NoError(t, d.EnsureUser(ctx, "15559992222", "Bob", t0))
	u, err = d.GetUser(ctx, "15559992222")
	require.NoError(t, err)
	assert.Equal(t, "Bob", u.Name)
	assert.True(t, u.LastSeen.Equal(t0))

	require.NoError(t, d.EnsureUser(ctx, "15559992222", "Robert", t0.Add(-time.Hour)))
	u, err = d.GetUser(ctx, "15559992222")
	require.NoError(t, err)
	assert.Equal(t, "Bob", u.Name)
	assert.True(t, u.LastSeen.Equal(t0))
}

func TestDirectory_StoreFailureIsPersistenceError(t *testing.T) {
	s := store.NewMockStore()
	s.FailEnsureUser = errors.New("disk full")
	d := NewDirectory(s, nil)

	err := d.EnsureUser(context.Background(), "15550001111", "Alice", time.Now())

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "ensure user", perr.Op)
	assert.ErrorContains(t, err, "disk full")
}

func TestResolver_CreatesThenReuses(t *testing.T) {
	s := newSQLiteStore(t)
	r := NewResolver(s, nil)
	ctx := context.Background()
	eventTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h1, err := r.Resolve(ctx, "15550001111", "15559992222", eventTime)
	require.NoError(t, err)
	assert.True(t, h1.Created)
	assert.Equal(t, "15550001111|15559992222", h1.PairKey)

	// Reversed order resolves to the same conversation
	h2, err := r.Resolve(ctx, "15559992222", "15550001111", eventTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, h2.Created)
	assert.Equal(t, h1.ConversationID, h2.ConversationID)

	conv, err := s.GetConversation(ctx, h1.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationActive, conv.Status)
	assert.True(t, conv.StartTime.Equal(eventTime))
	assert.Nil(t, conv.LastMessage)
}

func TestResolver_DistinctPairsGetDistinctConversations(t *testing.T) {
	s := newSQLiteStore(t)
	r := NewResolver(s, nil)
	ctx := context.Background()

	h1, err := r.Resolve(ctx, "15550001111", "15559992222", time.Now())
	require.NoError(t, err)
	h2, err := r.Resolve(ctx, "15550001111", "15553334444", time.Now())
	require.NoError(t, err)

	assert.NotEqual(t, h1.ConversationID, h2.ConversationID)
}

func TestResolver_ConcurrentFirstContactYieldsOneConversation(t *testing.T) {
	s := newSQLiteStore(t)
	r := NewResolver(s, nil)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Resolve(ctx, "15550001111", "15559992222", time.Now())
			errs[i] = err
			if err == nil {
				ids[i] = h.ConversationID
			}
		}(i)
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	convs, err := s.ListActiveConversationsFor(ctx, "15550001111")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

// racingStore hides the winner's row from the first lookup to force the
// duplicate path deterministically.
type racingStore struct {
	*store.MockStore
	once sync.Once
}

func (r *racingStore) ListActiveConversationsFor(ctx context.Context, participant string) ([]*store.Conversation, error) {
	var hide bool
	r.once.Do(func() { hide = true })
	if hide {
		return nil, nil
	}
	return r.MockStore.ListActiveConversationsFor(ctx, participant)
}

func TestResolver_DuplicateOnCreateReReadsWinner(t *testing.T) {
	mock := store.NewMockStore()
	ctx := context.Background()

	winner, err := NewResolver(mock, nil).Resolve(ctx, "15550001111", "15559992222", time.Now())
	require.NoError(t, err)

	h, err := NewResolver(&racingStore{MockStore: mock}, nil).Resolve(ctx, "15550001111", "15559992222", time.Now())
	require.NoError(t, err)
	assert.False(t, h.Created)
	assert.Equal(t, winner.ConversationID, h.ConversationID)
	assert.Equal(t, 1, mock.ConversationCount())
}

func TestResolver_StoreFailures(t *testing.T) {
	ctx := context.Background()

	listFail := store.NewMockStore()
	listFail.FailListConversations = errors.New("boom")
	_, err := NewResolver(listFail, nil).Resolve(ctx, "1", "2", time.Now())
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "list conversations", perr.Op)

	createFail := store.NewMockStore()
	createFail.FailCreateConversation = errors.New("boom")
	_, err = NewResolver(createFail, nil).Resolve(ctx, "1", "2", time.Now())
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "create conversation", perr.Op)
}

func TestLedger_AppendIsIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	h, err := NewResolver(s, nil).Resolve(ctx, "15550001111", "15559992222", time.Now())
	require.NoError(t, err)

	l := NewLedger(s, nil)
	ts := time.Unix(1700000000, 0).UTC()
	req := AppendRequest{
		ConversationID: h.ConversationID,
		SenderKey:      "15559992222",
		Content:        "hi",
		EventTime:      ts,
		ExplicitID:     "wamid.A",
	}

	first, err := l.Append(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "wamid.A", first.MessageID)
	assert.True(t, first.Created)

	second, err := l.Append(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "wamid.A", second.MessageID)
	assert.False(t, second.Created)

	history, err := l.History(ctx, h.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
	assert.True(t, history[0].Timestamp.Equal(ts))

	conv, err := s.GetConversation(ctx, h.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "wamid.A", conv.LastMessage.MessageID)
	assert.Equal(t, "hi", conv.LastMessage.Content)
}

func TestLedger_GeneratesIDWhenAbsent(t *testing.T) {
	mock := store.NewMockStore()
	ctx := context.Background()
	h, err := NewResolver(mock, nil).Resolve(ctx, "1", "2", time.Now())
	require.NoError(t, err)

	l := NewLedger(mock, nil)
	a, err := l.Append(ctx, AppendRequest{ConversationID: h.ConversationID, SenderKey: "1", Content: "x", EventTime: time.Now()})
	require.NoError(t, err)
	b, err := l.Append(ctx, AppendRequest{ConversationID: h.ConversationID, SenderKey: "1", Content: "x", EventTime: time.Now()})
	require.NoError(t, err)

	assert.NotEmpty(t, a.MessageID)
	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.True(t, a.Created)
	assert.True(t, b.Created)
}

func TestLedger_ConcurrentDuplicateDeliveriesCreateOnce(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	h, err := NewResolver(s, nil).Resolve(ctx, "15550001111", "15559992222", time.Now())
	require.NoError(t, err)
	l := NewLedger(s, nil)

	const workers = 8
	var wg sync.WaitGroup
	created := make([]bool, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Append(ctx, AppendRequest{
				ConversationID: h.ConversationID, SenderKey: "15559992222",
				Content: "hi", EventTime: time.Now(), ExplicitID: "wamid.RACE",
			})
			if assert.NoError(t, err) {
				created[i] = res.Created
			}
		}(i)
	}
	wg.Wait()

	count := 0
	for _, c := range created {
		if c {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestLedger_MarkRead(t *testing.T) {
	mock := store.NewMockStore()
	ctx := context.Background()
	h, err := NewResolver(mock, nil).Resolve(ctx, "biz", "cust", time.Now())
	require.NoError(t, err)
	l := NewLedger(mock, nil)

	_, err = l.Append(ctx, AppendRequest{ConversationID: h.ConversationID, SenderKey: "cust", Content: "q", EventTime: time.Now()})
	require.NoError(t, err)
	_, err = l.Append(ctx, AppendRequest{ConversationID: h.ConversationID, SenderKey: "biz", Content: "a", EventTime: time.Now()})
	require.NoError(t, err)

	n, err := l.MarkRead(ctx, h.ConversationID, "biz")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLedger_StoreFailureIsPersistenceError(t *testing.T) {
	mock := store.NewMockStore()
	mock.FailAppendMessage = errors.New("locked")

	_, err := NewLedger(mock, nil).Append(context.Background(), AppendRequest{ConversationID: "c", SenderKey: "1", Content: "x"})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "append message", perr.Op)
}
