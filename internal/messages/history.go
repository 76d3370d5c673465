package messages

import (
	"context"
	"fmt"
	"sort"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
)

// History fetches the messages exchanged by two users once, oldest first.
func History(ctx context.Context, store remote.Store, currentUserID, otherUserID string) ([]models.Message, error) {
	sent, err := store.QueryByField(ctx, models.MessagesPath, "sender_id", currentUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sent messages: %w", err)
	}
	received, err := store.QueryByField(ctx, models.MessagesPath, "receiver_id", currentUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query received messages: %w", err)
	}

	seen := make(map[string]struct{})
	var out []models.Message
	for _, snap := range append(sent, received...) {
		var m models.Message
		if err := snap.Decode(&m); err != nil {
			continue
		}
		if m.ID == "" {
			m.ID = snap.Key()
		}
		if _, ok := seen[m.ID]; ok || !Matches(currentUserID, otherUserID, false, m) {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
