// Package typing broadcasts best-effort "is typing" flags per conversation.
// Flags are removed by the store when the writer's connection drops. Debounce
// is left to the caller.
package typing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

var ErrEmptyID = errors.New("conversation and user ids are required")

type Coordinator struct {
	store  remote.Store
	logger *zap.SugaredLogger
}

func NewCoordinator(store remote.Store, logger *zap.SugaredLogger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{store: store, logger: logger}
}

// SetTyping raises or clears userID's flag in the conversation. Failures are
// logged and returned without retry.
func (c *Coordinator) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	if conversationID == "" || userID == "" {
		return ErrEmptyID
	}
	path := models.TypingUserPath(conversationID, userID)

	if isTyping {
		// Arm the cleanup first so a drop between the two calls leaves nothing behind.
		if err := c.store.OnDisconnect(ctx, path, remote.RemoveOnDisconnect()); err != nil {
			c.logger.Errorw("Failed to register typing cleanup", "conversation", conversationID, "user", userID, "error", err)
			return fmt.Errorf("failed to register typing cleanup: %w", err)
		}
		if err := c.store.Write(ctx, path, true); err != nil {
			c.logger.Errorw("Failed to set typing", "conversation", conversationID, "user", userID, "error", err)
			return fmt.Errorf("failed to set typing: %w", err)
		}
		return nil
	}

	if err := c.store.Delete(ctx, path); err != nil {
		c.logger.Errorw("Failed to clear typing", "conversation", conversationID, "user", userID, "error", err)
		return fmt.Errorf("failed to clear typing: %w", err)
	}
	if err := c.store.OnDisconnect(ctx, path, remote.CancelOnDisconnect()); err != nil {
		c.logger.Errorw("Failed to cancel typing cleanup", "conversation", conversationID, "user", userID, "error", err)
		return fmt.Errorf("failed to cancel typing cleanup: %w", err)
	}
	return nil
}

// Subscribe emits the sorted ids of every user typing in the conversation,
// the subscriber included. Read failures emit an empty list.
func (c *Coordinator) Subscribe(conversationID string, cb func([]string)) remote.Unsubscribe {
	var closed atomic.Bool

	unsub := c.store.Subscribe(models.TypingConversationPath(conversationID),
		func(snap remote.Snapshot) {
			if closed.Load() {
				return
			}
			cb(typers(snap))
		},
		func(err error) {
			if closed.Load() {
				return
			}
			c.logger.Warnw("Typing read failed", "conversation", conversationID, "error", err)
			cb([]string{})
		},
	)

	return func() {
		if closed.CompareAndSwap(false, true) {
			unsub()
		}
	}
}

func typers(snap remote.Snapshot) []string {
	out := []string{}
	for _, child := range snap.Children() {
		var on bool
		if err := child.Decode(&on); err == nil && on {
			out = append(out, child.Key())
		}
	}
	sort.Strings(out)
	return out
}

// Without returns ids minus self, keeping order.
func Without(ids []string, self string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
