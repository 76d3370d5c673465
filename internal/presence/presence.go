// Package presence publishes a user's online flag. The flag is reset by the
// store when the connection drops, so friends never see a stale online state.
package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

var ErrEmptyID = errors.New("user id is required")

type Publisher struct {
	store  remote.Store
	logger *zap.SugaredLogger
}

func NewPublisher(store remote.Store, logger *zap.SugaredLogger) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Publisher{store: store, logger: logger}
}

// GoOnline arms the disconnect reset before raising the flag.
func (p *Publisher) GoOnline(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyID
	}
	path := models.OnlinePath(userID)

	reset, err := remote.SetOnDisconnect(false)
	if err != nil {
		return err
	}
	if err := p.store.OnDisconnect(ctx, path, reset); err != nil {
		p.logger.Errorw("Failed to register presence reset", "user", userID, "error", err)
		return fmt.Errorf("failed to register presence reset: %w", err)
	}
	if err := p.store.Write(ctx, path, true); err != nil {
		p.logger.Errorw("Failed to go online", "user", userID, "error", err)
		return fmt.Errorf("failed to go online: %w", err)
	}

	p.logger.Debugw("User online", "user", userID)
	return nil
}

func (p *Publisher) GoOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyID
	}
	path := models.OnlinePath(userID)

	if err := p.store.OnDisconnect(ctx, path, remote.CancelOnDisconnect()); err != nil {
		p.logger.Errorw("Failed to cancel presence reset", "user", userID, "error", err)
		return fmt.Errorf("failed to cancel presence reset: %w", err)
	}
	if err := p.store.Write(ctx, path, false); err != nil {
		p.logger.Errorw("Failed to go offline", "user", userID, "error", err)
		return fmt.Errorf("failed to go offline: %w", err)
	}

	p.logger.Debugw("User offline", "user", userID)
	return nil
}
