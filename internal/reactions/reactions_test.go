package reactions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/4xmen/hamgam/internal/db"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *db.Conn {
	t.Helper()
	store, err := db.New(t.TempDir()+"/test.db", nil)
	require.NoError(t, err)
	conn := store.Connect("")
	t.Cleanup(func() {
		conn.Close()
		store.Close()
	})
	require.NoError(t, conn.Write(context.Background(), models.MessagePath("m1"),
		models.Message{ID: "m1", SenderID: "a", ReceiverID: "b", Content: "hi", Timestamp: 1}))
	return conn
}

// plainStore hides the transaction support of the wrapped store.
type plainStore struct {
	remote.Store
}

func TestToggle(t *testing.T) {
	stores := map[string]func(*db.Conn) remote.Store{
		"transactional": func(c *db.Conn) remote.Store { return c },
		"plain":         func(c *db.Conn) remote.Store { return plainStore{c} },
	}

	for name, wrap := range stores {
		t.Run(name, func(t *testing.T) {
			conn := newStore(t)
			engine := NewEngine(wrap(conn), nil)
			ctx := context.Background()

			require.NoError(t, engine.Toggle(ctx, "m1", "u1", "👍"))
			r, err := engine.Get(ctx, "m1")
			require.NoError(t, err)
			require.Equal(t, []string{"u1"}, r.Users("👍"))

			// Switching emoji moves the reaction.
			require.NoError(t, engine.Toggle(ctx, "m1", "u2", "👍"))
			require.NoError(t, engine.Toggle(ctx, "m1", "u1", "❤️"))
			r, err = engine.Get(ctx, "m1")
			require.NoError(t, err)
			require.Equal(t, []string{"u2"}, r.Users("👍"))
			require.Equal(t, []string{"u1"}, r.Users("❤️"))

			// Toggling the same emoji twice restores the prior state.
			before := r.Clone()
			require.NoError(t, engine.Toggle(ctx, "m1", "u3", "😂"))
			require.NoError(t, engine.Toggle(ctx, "m1", "u3", "😂"))
			r, err = engine.Get(ctx, "m1")
			require.NoError(t, err)
			require.True(t, before.Equal(r))

			// The last reaction removed deletes the map.
			require.NoError(t, engine.Toggle(ctx, "m1", "u1", "❤️"))
			require.NoError(t, engine.Toggle(ctx, "m1", "u2", "👍"))
			snap, err := conn.Read(ctx, models.ReactionsPath("m1"))
			require.NoError(t, err)
			require.False(t, snap.Exists())

			// The rest of the message is untouched.
			msg, err := conn.Read(ctx, models.MessagePath("m1"))
			require.NoError(t, err)
			var m models.Message
			require.NoError(t, msg.Decode(&m))
			require.Equal(t, "hi", m.Content)
		})
	}
}

func TestToggleMissingMessage(t *testing.T) {
	conn := newStore(t)
	engine := NewEngine(conn, nil)
	ctx := context.Background()

	require.NoError(t, engine.Toggle(ctx, "nope", "u1", "👍"))
	snap, err := conn.Read(ctx, models.MessagePath("nope"))
	require.NoError(t, err)
	require.False(t, snap.Exists())
}

func TestToggleValidates(t *testing.T) {
	engine := NewEngine(nil, nil)
	ctx := context.Background()
	require.ErrorIs(t, engine.Toggle(ctx, "m1", "u1", ""), ErrInvalidEmoji)
	require.ErrorIs(t, engine.Toggle(ctx, "m1", "u1", "a/b"), ErrInvalidEmoji)
	require.ErrorIs(t, engine.Toggle(ctx, "", "u1", "👍"), ErrEmptyID)
}

func TestConcurrentTogglesKeepEveryReaction(t *testing.T) {
	conn := newStore(t)
	engine := NewEngine(conn, nil)
	ctx := context.Background()

	errs := make(chan error, 20)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.Toggle(ctx, "m1", fmt.Sprint("u", i), "👍")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r, err := engine.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 20, r.Count("👍"))
}

// deletingStore removes the message just before the transaction claims it, as a
// concurrent delete would.
type deletingStore struct {
	*db.Conn
	messageID string
}

func (s deletingStore) Transaction(ctx context.Context, path string, update func(remote.Snapshot) (any, error)) error {
	if err := s.Conn.Delete(ctx, models.MessagePath(s.messageID)); err != nil {
		return err
	}
	return s.Conn.Transaction(ctx, path, update)
}

func TestToggleDeletedMessageStaysDeleted(t *testing.T) {
	conn := newStore(t)
	engine := NewEngine(deletingStore{Conn: conn, messageID: "m1"}, nil)
	ctx := context.Background()

	require.NoError(t, engine.Toggle(ctx, "m1", "u1", "👍"))

	snap, err := conn.Read(ctx, models.MessagePath("m1"))
	require.NoError(t, err)
	require.False(t, snap.Exists(), string(snap.Value))
}
