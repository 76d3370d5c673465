package typing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/4xmen/hamgam/internal/db"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen [][]string
}

func (r *recorder) cb(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ids)
}

func (r *recorder) last() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return nil, false
	}
	return r.seen[len(r.seen)-1], true
}

func (r *recorder) is(want ...string) func() bool {
	return func() bool {
		got, ok := r.last()
		if !ok || len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}
}

func TestSetAndSubscribe(t *testing.T) {
	store, err := db.New(t.TempDir()+"/test.db", nil)
	require.NoError(t, err)
	defer store.Close()

	alice := store.Connect("alice")
	bob := store.Connect("bob")
	defer bob.Close()

	ctx := context.Background()
	var rec recorder
	unsub := NewCoordinator(bob, nil).Subscribe("a_b", rec.cb)
	defer unsub()
	require.Eventually(t, rec.is(), time.Second, 5*time.Millisecond)

	require.NoError(t, NewCoordinator(alice, nil).SetTyping(ctx, "a_b", "a", true))
	require.NoError(t, NewCoordinator(bob, nil).SetTyping(ctx, "a_b", "b", true))
	require.Eventually(t, rec.is("a", "b"), time.Second, 5*time.Millisecond)

	require.NoError(t, NewCoordinator(bob, nil).SetTyping(ctx, "a_b", "b", false))
	require.Eventually(t, rec.is("a"), time.Second, 5*time.Millisecond)
	require.Empty(t, bob.Pending())

	// Alice drops without clearing her flag.
	require.NoError(t, alice.Close())
	require.Eventually(t, rec.is(), time.Second, 5*time.Millisecond)
}

func TestFalseFlagsIgnored(t *testing.T) {
	store, err := db.New(t.TempDir()+"/test.db", nil)
	require.NoError(t, err)
	defer store.Close()
	conn := store.Connect("")
	defer conn.Close()

	require.NoError(t, conn.Write(context.Background(), models.TypingUserPath("g1", "x"), false))
	require.NoError(t, conn.Write(context.Background(), models.TypingUserPath("g1", "y"), true))

	var rec recorder
	defer NewCoordinator(conn, nil).Subscribe("g1", rec.cb)()
	require.Eventually(t, rec.is("y"), time.Second, 5*time.Millisecond)
}

func TestSetTypingValidates(t *testing.T) {
	c := NewCoordinator(nil, nil)
	require.ErrorIs(t, c.SetTyping(context.Background(), "", "u", true), ErrEmptyID)
	require.ErrorIs(t, c.SetTyping(context.Background(), "c", "", false), ErrEmptyID)
}

type brokenStore struct {
	remote.Store
}

func (brokenStore) OnDisconnect(context.Context, string, remote.DisconnectAction) error {
	return fmt.Errorf("%w: offline", remote.ErrRemote)
}

func (brokenStore) Subscribe(path string, onChange func(remote.Snapshot), onError func(error)) remote.Unsubscribe {
	onError(fmt.Errorf("%w: offline", remote.ErrRemote))
	return func() {}
}

func TestFailuresSurface(t *testing.T) {
	c := NewCoordinator(brokenStore{}, nil)
	require.ErrorIs(t, c.SetTyping(context.Background(), "c", "u", true), remote.ErrRemote)

	var rec recorder
	c.Subscribe("c", rec.cb)()
	require.True(t, rec.is()())
}

func TestWithout(t *testing.T) {
	require.Equal(t, []string{"a", "c"}, Without([]string{"a", "me", "c"}, "me"))
	require.Empty(t, Without([]string{"me"}, "me"))
}
