package unread

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/4xmen/hamgam/internal/conversation"
	"github.com/4xmen/hamgam/internal/db"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"github.com/stretchr/testify/require"
)

func TestComputeOwnSendsExcluded(t *testing.T) {
	ab := conversation.Resolve("A", "B", false)
	counts := Compute(Inputs{
		UserID: "B",
		Messages: []models.Message{
			{ID: "1", SenderID: "A", ReceiverID: "B", Timestamp: 100},
			{ID: "2", SenderID: "B", ReceiverID: "A", Timestamp: 200},
		},
		Friends:  []string{"A"},
		LastRead: map[string]int64{ab: 150},
	})
	require.Equal(t, 0, counts.For(ab))
	require.Equal(t, 0, counts.ForFriend("B", "A"))
}

func TestComputeMonotonicity(t *testing.T) {
	ab := conversation.Resolve("A", "B", false)
	in := Inputs{
		UserID: "B",
		Messages: []models.Message{
			{ID: "1", SenderID: "A", ReceiverID: "B", Timestamp: 100},
			{ID: "2", SenderID: "A", ReceiverID: "B", Timestamp: 150},
		},
		Friends:  []string{"A"},
		LastRead: map[string]int64{ab: 150},
	}
	require.Equal(t, 0, Compute(in).For(ab))

	in.Messages = append(in.Messages, models.Message{ID: "3", SenderID: "A", ReceiverID: "B", Timestamp: 151})
	require.Equal(t, 1, Compute(in).For(ab))
}

func TestComputeConversations(t *testing.T) {
	counts := Compute(Inputs{
		UserID: "me",
		Messages: []models.Message{
			{SenderID: "a", ReceiverID: "me", Timestamp: 10},
			{SenderID: "a", ReceiverID: "me", Timestamp: 20},
			{SenderID: "stranger", ReceiverID: "me", Timestamp: 30},
			{SenderID: "a", ReceiverID: "b", Timestamp: 40},
			{SenderID: "b", ReceiverID: "g1", Timestamp: 50},
			{SenderID: "me", ReceiverID: "g1", Timestamp: 60},
			{SenderID: "b", ReceiverID: "g2", Timestamp: 70},
		},
		Friends:  []string{"a", "b"},
		Groups:   []string{"g1"},
		LastRead: map[string]int64{"a_me": 15},
	})

	require.Equal(t, Counts{"a_me": 1, "g1": 1}, counts)
	require.Equal(t, 1, counts.ForFriend("me", "a"))
	require.Equal(t, 0, counts.ForFriend("me", "b"))
	require.Equal(t, 1, counts.ForGroup("g1"))
	require.Equal(t, 2, counts.Total())
}

func TestLedgerRecomputes(t *testing.T) {
	l := NewLedger("B", nil)

	var mu sync.Mutex
	var seen []Counts
	unsub := l.OnChange(func(c Counts) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c)
	})

	l.SetMessages([]models.Message{{SenderID: "A", ReceiverID: "B", Timestamp: 100}})
	require.Equal(t, 0, l.CountForFriend("A"))

	l.SetFriends([]string{"A"})
	require.Equal(t, 1, l.CountForFriend("A"))
	require.Equal(t, 1, l.CountFor("A_B"))

	l.SetLastRead(map[string]int64{"A_B": 100})
	require.Equal(t, 0, l.CountFor("A_B"))

	unsub()
	unsub()
	l.SetLastRead(map[string]int64{})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	require.Empty(t, seen[0])
	require.Equal(t, Counts{"A_B": 1}, seen[2])
	require.Empty(t, seen[3])
}

func newStore(t *testing.T) *db.Conn {
	t.Helper()
	store, err := db.New(t.TempDir()+"/test.db", nil)
	require.NoError(t, err)
	conn := store.Connect("")
	t.Cleanup(func() {
		conn.Close()
		store.Close()
	})
	return conn
}

func readMarker(t *testing.T, store remote.Store, userID, conversationID string) int64 {
	t.Helper()
	snap, err := store.Read(context.Background(), models.LastReadEntryPath(userID, conversationID))
	require.NoError(t, err)
	var ts int64
	require.NoError(t, snap.Decode(&ts))
	return ts
}

func TestMarkReadMonotonic(t *testing.T) {
	store := newStore(t)
	m := NewMarker(store, nil)
	ctx := context.Background()

	require.NoError(t, m.MarkRead(ctx, "u", "a_u", 200))
	require.NoError(t, m.MarkRead(ctx, "u", "a_u", 100))
	require.Equal(t, int64(200), readMarker(t, store, "u", "a_u"))

	require.NoError(t, m.MarkRead(ctx, "u", "a_u", 300))
	require.Equal(t, int64(300), readMarker(t, store, "u", "a_u"))

	require.ErrorIs(t, m.MarkRead(ctx, "u", "a_u", 0), ErrInvalidTimestamp)
	require.ErrorIs(t, m.MarkRead(ctx, "u", "a_u", -5), ErrInvalidTimestamp)
	require.ErrorIs(t, m.MarkRead(ctx, "", "a_u", 5), ErrEmptyID)
}

// plainStore hides the transaction support of the wrapped store.
type plainStore struct {
	remote.Store
}

func TestMarkReadWithoutTransactions(t *testing.T) {
	store := newStore(t)
	m := NewMarker(plainStore{store}, nil)
	ctx := context.Background()

	require.NoError(t, m.MarkRead(ctx, "u", "g1", 50))
	require.NoError(t, m.MarkRead(ctx, "u", "g1", 40))
	require.Equal(t, int64(50), readMarker(t, store, "u", "g1"))
}

func TestLedgerWatchesStore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	marker := NewMarker(store, nil)

	msgs := []models.Message{
		{ID: "1", SenderID: "a", ReceiverID: "me", Timestamp: 100},
		{ID: "2", SenderID: "b", ReceiverID: "g1", Timestamp: 200},
	}

	l := NewLedger("me", nil)
	stop := l.Watch(Sources{
		Messages: func(cb func([]models.Message)) remote.Unsubscribe { cb(msgs); return func() {} },
		Friends:  func(cb func([]string)) remote.Unsubscribe { cb([]string{"a"}); return func() {} },
		Groups:   func(cb func([]string)) remote.Unsubscribe { cb([]string{"g1"}); return func() {} },
		LastRead: func(cb func(map[string]int64)) remote.Unsubscribe { return marker.Subscribe("me", cb) },
	})
	defer stop()

	require.Eventually(t, func() bool { return l.Counts().Total() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, marker.MarkRead(ctx, "me", "g1", 200))
	require.Eventually(t, func() bool { return l.CountFor("g1") == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, l.CountForFriend("a"))
}

type failingStore struct {
	remote.Store
}

func (failingStore) Subscribe(path string, onChange func(remote.Snapshot), onError func(error)) remote.Unsubscribe {
	onError(fmt.Errorf("%w: boom", remote.ErrRemote))
	return func() {}
}

func TestMarkerSubscribeDegrades(t *testing.T) {
	var got map[string]int64
	NewMarker(failingStore{}, nil).Subscribe("me", func(m map[string]int64) { got = m })()
	require.NotNil(t, got)
	require.Empty(t, got)
}

// feeds lets a test decide when each ledger input reports.
type feeds struct {
	messages func([]models.Message)
	friends  func([]string)
	groups   func([]string)
	lastRead func(map[string]int64)
}

func (f *feeds) sources() Sources {
	noop := func() {}
	return Sources{
		Messages: func(cb func([]models.Message)) remote.Unsubscribe { f.messages = cb; return noop },
		Friends:  func(cb func([]string)) remote.Unsubscribe { f.friends = cb; return noop },
		Groups:   func(cb func([]string)) remote.Unsubscribe { f.groups = cb; return noop },
		LastRead: func(cb func(map[string]int64)) remote.Unsubscribe { f.lastRead = cb; return noop },
	}
}

func TestLedgerWaitsForEveryFeed(t *testing.T) {
	l := NewLedger("B", nil)
	var f feeds
	defer l.Watch(f.sources())()

	var seen []Counts
	defer l.OnChange(func(c Counts) { seen = append(seen, c) })()
	require.False(t, l.Ready())

	f.messages([]models.Message{{ID: "1", SenderID: "A", ReceiverID: "B", Timestamp: 100}})
	f.friends([]string{"A"})
	f.groups([]string{})
	require.Empty(t, seen)

	f.lastRead(map[string]int64{"A_B": 500})
	require.True(t, l.Ready())
	require.Equal(t, []Counts{{}}, seen)

	f.messages([]models.Message{
		{ID: "1", SenderID: "A", ReceiverID: "B", Timestamp: 100},
		{ID: "2", SenderID: "A", ReceiverID: "B", Timestamp: 600},
	})
	require.Len(t, seen, 2)
	require.Equal(t, Counts{"A_B": 1}, seen[1])
}

func TestLedgerListenersNeverGoBack(t *testing.T) {
	const n = 200
	l := NewLedger("B", nil)

	msgs := make([]models.Message, 0, n)
	for i := range n {
		msgs = append(msgs, models.Message{ID: fmt.Sprint(i), SenderID: "A", ReceiverID: "B", Timestamp: int64(i + 1)})
	}
	l.SetFriends([]string{"A"})
	l.SetMessages(msgs)

	type history struct {
		mu   sync.Mutex
		seen []int
	}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		histories []*history
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			l.SetLastRead(map[string]int64{"A_B": int64(i)})
		}
	}()
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := &history{}
			mu.Lock()
			histories = append(histories, h)
			mu.Unlock()
			l.OnChange(func(c Counts) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.seen = append(h.seen, c.For("A_B"))
			})
		}()
	}
	wg.Wait()

	for _, h := range histories {
		h.mu.Lock()
		require.NotEmpty(t, h.seen)
		for i := 1; i < len(h.seen); i++ {
			require.LessOrEqual(t, h.seen[i], h.seen[i-1], h.seen)
		}
		require.Equal(t, 0, h.seen[len(h.seen)-1])
		h.mu.Unlock()
	}
}
