package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/4xmen/hamgam/internal/db"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *db.Conn {
	conn, _ := newStoreAndDB(t)
	return conn
}

func newStoreAndDB(t *testing.T) (*db.Conn, *db.DB) {
	t.Helper()
	store, err := db.New(t.TempDir()+"/test.db", nil)
	require.NoError(t, err)
	conn := store.Connect("")
	t.Cleanup(func() {
		conn.Close()
		store.Close()
	})
	return conn, store
}

type collector struct {
	mu    sync.Mutex
	calls [][]models.Message
}

func (c *collector) cb(msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, msgs)
}

func (c *collector) last() ([]models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil, false
	}
	return c.calls[len(c.calls)-1], true
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func writeMessage(t *testing.T, store remote.Store, m models.Message) {
	t.Helper()
	require.NoError(t, store.Write(context.Background(), models.MessagePath(m.ID), m))
}

func TestMatches(t *testing.T) {
	msgs := []models.Message{
		{ID: "1", SenderID: "a", ReceiverID: "b"},
		{ID: "2", SenderID: "b", ReceiverID: "a"},
		{ID: "3", SenderID: "a", ReceiverID: "c"},
		{ID: "4", SenderID: "c", ReceiverID: "g1"},
		{ID: "5", SenderID: "b", ReceiverID: "b"},
	}

	tests := []struct {
		name    string
		current string
		other   string
		isGroup bool
		want    []string
	}{
		{name: "pair", current: "a", other: "b", want: []string{"1", "2"}},
		{name: "pair reversed", current: "b", other: "a", want: []string{"1", "2"}},
		{name: "other pair", current: "c", other: "a", want: []string{"3"}},
		{name: "group", current: "a", other: "g1", isGroup: true, want: []string{"4"}},
		{name: "group id as a user", current: "c", other: "g1", want: []string{"4"}},
		{name: "self", current: "b", other: "b", want: []string{"5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, m := range msgs {
				if Matches(tt.current, tt.other, tt.isGroup, m) {
					got = append(got, m.ID)
				}
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSortNewestFirst(t *testing.T) {
	msgs := []models.Message{
		{ID: "a", Timestamp: 100},
		{ID: "c", Timestamp: 300},
		{ID: "b", Timestamp: 300},
		{ID: "d", Timestamp: 200},
	}
	SortNewestFirst(msgs)
	require.Equal(t, []string{"c", "b", "d", "a"}, ids(msgs))
}

func TestRouterFiltersAndOrders(t *testing.T) {
	store := newStore(t)
	router := NewRouter(store, nil)

	writeMessage(t, store, models.Message{ID: "m1", SenderID: "a", ReceiverID: "b", Timestamp: 100})
	writeMessage(t, store, models.Message{ID: "m2", SenderID: "b", ReceiverID: "a", Timestamp: 200})
	writeMessage(t, store, models.Message{ID: "m3", SenderID: "a", ReceiverID: "g1", Timestamp: 150})

	var pair, group, all collector
	unsubPair := router.Subscribe("a", "b", false, pair.cb)
	unsubGroup := router.Subscribe("a", "g1", true, group.cb)
	unsubAll := router.SubscribeAll(all.cb)
	defer unsubAll()

	require.Eventually(t, func() bool {
		got, ok := pair.last()
		return ok && len(got) == 2
	}, time.Second, 5*time.Millisecond)
	got, _ := pair.last()
	require.Equal(t, []string{"m2", "m1"}, ids(got))

	require.Eventually(t, func() bool {
		got, ok := group.last()
		return ok && len(got) == 1 && got[0].ID == "m3"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, ok := all.last()
		return ok && len(got) == 3
	}, time.Second, 5*time.Millisecond)
	got, _ = all.last()
	require.Equal(t, []string{"m2", "m3", "m1"}, ids(got))

	writeMessage(t, store, models.Message{ID: "m4", SenderID: "b", ReceiverID: "a", Timestamp: 300})
	require.Eventually(t, func() bool {
		got, _ := pair.last()
		return len(got) == 3 && got[0].ID == "m4"
	}, time.Second, 5*time.Millisecond)

	unsubPair()
	unsubGroup()
	require.Equal(t, 1, router.Views())
	require.True(t, router.Listening())
}

func TestRouterSharesOneUpstream(t *testing.T) {
	store, database := newStoreAndDB(t)
	router := NewRouter(store, nil)

	var unsubs []remote.Unsubscribe
	for i := range 5 {
		var c collector
		unsubs = append(unsubs, router.Subscribe("a", fmt.Sprint("u", i), false, c.cb))
	}

	stats := func() int {
		s, err := database.Stats(context.Background())
		require.NoError(t, err)
		return s.Subscriptions
	}
	require.Equal(t, 1, stats())

	for _, u := range unsubs {
		u()
		u()
	}
	require.Equal(t, 0, router.Views())
	require.False(t, router.Listening())
	require.Eventually(t, func() bool { return stats() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRouterLateViewGetsCurrentState(t *testing.T) {
	store := newStore(t)
	router := NewRouter(store, nil)
	writeMessage(t, store, models.Message{ID: "m1", SenderID: "a", ReceiverID: "b", Timestamp: 1})

	var first collector
	defer router.SubscribeAll(first.cb)()
	require.Eventually(t, func() bool {
		_, ok := first.last()
		return ok
	}, time.Second, 5*time.Millisecond)

	var late collector
	defer router.Subscribe("b", "a", false, late.cb)()
	got, ok := late.last()
	require.True(t, ok)
	require.Equal(t, []string{"m1"}, ids(got))
}

func TestRouterNoDeliveryAfterUnsubscribe(t *testing.T) {
	store := newStore(t)
	router := NewRouter(store, nil)

	var c collector
	unsub := router.SubscribeAll(c.cb)
	require.Eventually(t, func() bool {
		_, ok := c.last()
		return ok
	}, time.Second, 5*time.Millisecond)
	unsub()

	c.mu.Lock()
	before := len(c.calls)
	c.mu.Unlock()

	writeMessage(t, store, models.Message{ID: "m1", SenderID: "a", ReceiverID: "b"})
	time.Sleep(50 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, before, len(c.calls))
}

type failingStore struct {
	remote.Store
}

func (failingStore) Subscribe(path string, onChange func(remote.Snapshot), onError func(error)) remote.Unsubscribe {
	onError(fmt.Errorf("%w: boom", remote.ErrRemote))
	return func() {}
}

func TestRouterDegradesToEmpty(t *testing.T) {
	router := NewRouter(failingStore{}, nil)

	var c collector
	unsub := router.SubscribeAll(c.cb)
	defer unsub()

	got, ok := c.last()
	require.True(t, ok)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestSend(t *testing.T) {
	store := newStore(t)
	now := time.UnixMilli(1_700_000_000_000)
	sender := NewSender(store, nil, WithClock(func() time.Time { return now }), WithIDGenerator(func() string { return "fixed" }))
	ctx := context.Background()

	m, err := sender.Send(ctx, Outgoing{
		SenderID:   "a",
		ReceiverID: "b",
		Content:    "hello",
		ReplyTo:    &models.ReplyTo{Content: "hi", SenderID: "b"},
	})
	require.NoError(t, err)
	require.Equal(t, "fixed", m.ID)
	require.Equal(t, int64(1_700_000_000_000), m.Timestamp)

	snap, err := store.Read(ctx, models.MessagePath("fixed"))
	require.NoError(t, err)
	var stored models.Message
	require.NoError(t, snap.Decode(&stored))
	require.Equal(t, "hello", stored.Content)
	require.Equal(t, "b", stored.ReplyTo.SenderID)
	require.True(t, stored.Reactions.IsEmpty())
	require.False(t, stored.IsRead)

	_, err = sender.Send(ctx, Outgoing{SenderID: "a", ReceiverID: "b", Content: "  "})
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = sender.Send(ctx, Outgoing{SenderID: "a", Content: "x"})
	require.ErrorIs(t, err, ErrMissingParticipant)

	_, err = sender.Send(ctx, Outgoing{SenderID: "a", ReceiverID: "b", ImageURL: "https://img"})
	require.NoError(t, err)
}

func TestForward(t *testing.T) {
	store := newStore(t)
	sender := NewSender(store, nil)
	ctx := context.Background()

	src := models.Message{ID: "src", SenderID: "x", ReceiverID: "a", Content: "look", ImageURL: "https://img"}
	out, err := sender.Forward(ctx, "a", []string{"b", "g1", "b", ""}, src)
	require.NoError(t, err)
	require.Len(t, out, 2)

	for _, m := range out {
		snap, err := store.Read(ctx, models.MessagePath(m.ID))
		require.NoError(t, err)
		var stored models.Message
		require.NoError(t, snap.Decode(&stored))
		require.True(t, stored.IsForwarded)
		require.Equal(t, "a", stored.SenderID)
		require.Equal(t, "look", stored.Content)
		require.Equal(t, "https://img", stored.ImageURL)
	}
	require.Equal(t, "b", out[0].ReceiverID)
	require.Equal(t, "g1", out[1].ReceiverID)

	_, err = sender.Forward(ctx, "a", []string{"b"}, models.Message{VoiceMessageURL: "https://voice"})
	require.True(t, errors.Is(err, ErrVoiceForward))
}

func TestHistory(t *testing.T) {
	store := newStore(t)
	writeMessage(t, store, models.Message{ID: "m1", SenderID: "a", ReceiverID: "b", Timestamp: 300})
	writeMessage(t, store, models.Message{ID: "m2", SenderID: "b", ReceiverID: "a", Timestamp: 100})
	writeMessage(t, store, models.Message{ID: "m3", SenderID: "a", ReceiverID: "c", Timestamp: 200})
	writeMessage(t, store, models.Message{ID: "m4", SenderID: "a", ReceiverID: "a", Timestamp: 50})

	got, err := History(context.Background(), store, "a", "b")
	require.NoError(t, err)
	require.Equal(t, []string{"m2", "m1"}, ids(got))

	got, err = History(context.Background(), store, "a", "a")
	require.NoError(t, err)
	require.Equal(t, []string{"m4"}, ids(got))
}
