// Package conversation derives the key that addresses per-conversation state.
package conversation

import (
	"strings"

	"github.com/4xmen/hamgam/internal/models"
)

const separator = "_"

// Resolve returns the conversation id shared by both participants. A group is
// its own id; a pair is the two user ids in byte order joined by an underscore.
// Ids are compared exactly, with no case folding.
func Resolve(currentUserID, otherID string, isGroup bool) string {
	if isGroup {
		return otherID
	}
	if currentUserID < otherID {
		return currentUserID + separator + otherID
	}
	return otherID + separator + currentUserID
}

// OfMessage returns the conversation a message belongs to. isGroup tells
// whether a receiver id names a group.
func OfMessage(m models.Message, isGroup func(id string) bool) string {
	if isGroup != nil && isGroup(m.ReceiverID) {
		return m.ReceiverID
	}
	return Resolve(m.SenderID, m.ReceiverID, false)
}

// Participants splits a pair id back into its two user ids. It fails for group
// ids and for user ids that themselves contain the separator.
func Participants(conversationID string) (string, string, bool) {
	a, b, ok := strings.Cut(conversationID, separator)
	if !ok || a == "" || b == "" || strings.Contains(b, separator) {
		return "", "", false
	}
	return a, b, true
}

// Peer returns the other participant of a pair conversation.
func Peer(conversationID, userID string) (string, bool) {
	a, b, ok := Participants(conversationID)
	switch {
	case !ok:
		return "", false
	case a == userID:
		return b, true
	case b == userID:
		return a, true
	}
	return "", false
}
