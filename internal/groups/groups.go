// Package groups follows the group chats a user belongs to.
package groups

import (
	"sync/atomic"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

type Watcher struct {
	store  remote.Store
	logger *zap.SugaredLogger
}

func NewWatcher(store remote.Store, logger *zap.SugaredLogger) *Watcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Watcher{store: store, logger: logger}
}

// Subscribe emits, ordered by id, every group whose members include memberID.
// Read failures emit an empty list.
func (w *Watcher) Subscribe(memberID string, cb func([]models.GroupChat)) remote.Unsubscribe {
	var closed atomic.Bool

	unsub := w.store.Subscribe(models.GroupChatsPath,
		func(snap remote.Snapshot) {
			if closed.Load() {
				return
			}
			cb(w.memberOf(snap, memberID))
		},
		func(err error) {
			if closed.Load() {
				return
			}
			w.logger.Warnw("Group list read failed", "member", memberID, "error", err)
			cb([]models.GroupChat{})
		},
	)

	return func() {
		if closed.CompareAndSwap(false, true) {
			unsub()
		}
	}
}

func (w *Watcher) memberOf(snap remote.Snapshot, memberID string) []models.GroupChat {
	out := []models.GroupChat{}
	for _, child := range snap.Children() {
		var g models.GroupChat
		if err := child.Decode(&g); err != nil {
			w.logger.Warnw("Skipping malformed group", "path", child.Path, "error", err)
			continue
		}
		if g.ID == "" {
			g.ID = child.Key()
		}
		if g.HasMember(memberID) {
			out = append(out, g)
		}
	}
	return out
}

// IDs returns the ids of groups, in order.
func IDs(groups []models.GroupChat) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.ID)
	}
	return out
}
