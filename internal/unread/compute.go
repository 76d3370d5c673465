// Package unread counts, per conversation, the messages a user has not read
// yet and moves the user's read markers forward.
package unread

import (
	"github.com/4xmen/hamgam/internal/conversation"
	"github.com/4xmen/hamgam/internal/models"
)

// Inputs is everything an unread count depends on.
type Inputs struct {
	UserID   string
	Messages []models.Message
	// Friends and Groups decide which conversations exist. A direct message
	// from someone who is not a friend is not counted.
	Friends  []string
	Groups   []string
	LastRead map[string]int64
}

// Counts maps a conversation id to its unread count. Conversations with
// nothing unread are absent.
type Counts map[string]int

func (c Counts) For(conversationID string) int {
	return c[conversationID]
}

func (c Counts) ForFriend(userID, friendID string) int {
	return c[conversation.Resolve(userID, friendID, false)]
}

func (c Counts) ForGroup(groupID string) int {
	return c[groupID]
}

// Total sums every conversation.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Compute counts a message when it belongs to one of the user's conversations,
// was sent by someone else, and is newer than the conversation's read marker.
func Compute(in Inputs) Counts {
	friends := make(map[string]struct{}, len(in.Friends))
	for _, id := range in.Friends {
		friends[id] = struct{}{}
	}
	groups := make(map[string]struct{}, len(in.Groups))
	for _, id := range in.Groups {
		groups[id] = struct{}{}
	}

	out := Counts{}
	for _, m := range in.Messages {
		if m.SenderID == in.UserID {
			continue
		}

		var id string
		if _, ok := groups[m.ReceiverID]; ok {
			id = m.ReceiverID
		} else {
			if m.ReceiverID != in.UserID {
				continue
			}
			if _, ok := friends[m.SenderID]; !ok {
				continue
			}
			id = conversation.Resolve(in.UserID, m.SenderID, false)
		}

		if m.Timestamp > in.LastRead[id] {
			out[id]++
		}
	}
	return out
}
