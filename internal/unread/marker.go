package unread

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

var (
	ErrInvalidTimestamp = errors.New("read marker timestamp must be positive")
	ErrEmptyID          = errors.New("user and conversation ids are required")
)

// Marker reads and advances users' read markers.
type Marker struct {
	store  remote.Store
	logger *zap.SugaredLogger
}

func NewMarker(store remote.Store, logger *zap.SugaredLogger) *Marker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Marker{store: store, logger: logger}
}

// MarkRead sets the user's marker for the conversation to timestamp (epoch ms).
// The marker never moves back: an older timestamp leaves it unchanged.
func (m *Marker) MarkRead(ctx context.Context, userID, conversationID string, timestamp int64) error {
	if userID == "" || conversationID == "" {
		return ErrEmptyID
	}
	if timestamp <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTimestamp, timestamp)
	}
	path := models.LastReadEntryPath(userID, conversationID)

	var err error
	if tx, ok := m.store.(remote.Transactor); ok {
		err = tx.Transaction(ctx, path, func(current remote.Snapshot) (any, error) {
			return max(marker(current), timestamp), nil
		})
	} else {
		err = m.readModifyWrite(ctx, path, timestamp)
	}
	if err != nil {
		m.logger.Errorw("Failed to mark read", "user", userID, "conversation", conversationID, "error", err)
		return fmt.Errorf("failed to mark read: %w", err)
	}

	m.logger.Debugw("Marked read", "user", userID, "conversation", conversationID, "timestamp", timestamp)
	return nil
}

func (m *Marker) readModifyWrite(ctx context.Context, path string, timestamp int64) error {
	current, err := m.store.Read(ctx, path)
	if err != nil {
		return err
	}
	if marker(current) >= timestamp {
		return nil
	}
	return m.store.Write(ctx, path, timestamp)
}

// Subscribe emits the user's markers keyed by conversation id. Read failures
// emit an empty map.
func (m *Marker) Subscribe(userID string, cb func(map[string]int64)) remote.Unsubscribe {
	var closed atomic.Bool

	unsub := m.store.Subscribe(models.LastReadPath(userID),
		func(snap remote.Snapshot) {
			if closed.Load() {
				return
			}
			out := make(map[string]int64)
			for _, child := range snap.Children() {
				if ts := marker(child); ts > 0 {
					out[child.Key()] = ts
				}
			}
			cb(out)
		},
		func(err error) {
			if closed.Load() {
				return
			}
			m.logger.Warnw("Read markers unavailable", "user", userID, "error", err)
			cb(map[string]int64{})
		},
	)

	return func() {
		if closed.CompareAndSwap(false, true) {
			unsub()
		}
	}
}

// marker decodes a stored marker, treating anything unreadable as 0.
func marker(snap remote.Snapshot) int64 {
	var ts int64
	if err := snap.Decode(&ts); err != nil {
		return 0
	}
	return ts
}
