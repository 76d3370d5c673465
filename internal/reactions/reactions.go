// Package reactions toggles message reactions with one emoji per user.
package reactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

var (
	ErrInvalidEmoji = models.ErrInvalidEmoji
	ErrEmptyID      = errors.New("message and user ids are required")
)

type Engine struct {
	store  remote.Store
	logger *zap.SugaredLogger
}

func NewEngine(store remote.Store, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{store: store, logger: logger}
}

// Toggle removes userID's reaction when it is already emoji, and otherwise
// moves it to emoji. A missing message is a no-op. Stores that support
// transactions check the message and rewrite its reactions atomically.
func (e *Engine) Toggle(ctx context.Context, messageID, userID, emoji string) error {
	if messageID == "" || userID == "" {
		return ErrEmptyID
	}
	if err := models.ValidateEmoji(emoji); err != nil {
		return err
	}

	var err error
	missing := false
	if tx, ok := e.store.(remote.Transactor); ok {
		err = tx.Transaction(ctx, models.MessagePath(messageID), func(current remote.Snapshot) (any, error) {
			missing = !current.Exists()
			if missing {
				return nil, nil
			}
			return e.toggleIn(current, userID, emoji)
		})
	} else {
		missing, err = e.readModifyWrite(ctx, messageID, userID, emoji)
	}
	if err != nil {
		e.logger.Errorw("Failed to toggle reaction", "message", messageID, "user", userID, "emoji", emoji, "error", err)
		return fmt.Errorf("failed to toggle reaction: %w", err)
	}
	if missing {
		e.logger.Debugw("Reaction on missing message ignored", "message", messageID)
		return nil
	}

	e.logger.Debugw("Reaction toggled", "message", messageID, "user", userID, "emoji", emoji)
	return nil
}

// toggleIn returns the message with its reactions toggled and every other
// field kept as stored.
func (e *Engine) toggleIn(msg remote.Snapshot, userID, emoji string) (any, error) {
	var fields map[string]json.RawMessage
	if err := msg.Decode(&fields); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	r := decode(remote.Snapshot{Path: remote.Join(msg.Path, "reactions"), Value: fields["reactions"]}, e.logger)
	r.Toggle(userID, emoji)
	if r.IsEmpty() {
		delete(fields, "reactions")
		return fields, nil
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	fields["reactions"] = raw
	return fields, nil
}

// readModifyWrite is last-writer-wins on the whole reaction map.
func (e *Engine) readModifyWrite(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	msg, err := e.store.Read(ctx, models.MessagePath(messageID))
	if err != nil {
		return false, err
	}
	if !msg.Exists() {
		return true, nil
	}

	path := models.ReactionsPath(messageID)
	current, err := e.store.Read(ctx, path)
	if err != nil {
		return false, err
	}
	r := decode(current, e.logger)
	r.Toggle(userID, emoji)
	if r.IsEmpty() {
		return false, e.store.Delete(ctx, path)
	}
	return false, e.store.Write(ctx, path, r)
}

// Get returns the message's current reactions.
func (e *Engine) Get(ctx context.Context, messageID string) (models.Reactions, error) {
	snap, err := e.store.Read(ctx, models.ReactionsPath(messageID))
	if err != nil {
		return models.Reactions{}, err
	}
	return decode(snap, e.logger), nil
}

func decode(snap remote.Snapshot, logger *zap.SugaredLogger) models.Reactions {
	var r models.Reactions
	if !snap.Exists() {
		return r
	}
	if err := snap.Decode(&r); err != nil {
		logger.Warnw("Discarding malformed reactions", "path", snap.Path, "error", err)
		return models.Reactions{}
	}
	return r
}
