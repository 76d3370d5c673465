package models

import "slices"

// ReplyTo is the quoted preview of the message being answered.
type ReplyTo struct {
	Content    string `json:"content"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
}

type Message struct {
	ID              string    `json:"id"`
	SenderID        string    `json:"sender_id"`
	ReceiverID      string    `json:"receiver_id"` // peer user id or group id
	Content         string    `json:"content"`
	Timestamp       int64     `json:"timestamp"` // epoch ms
	Reactions       Reactions `json:"reactions"`
	ReplyTo         *ReplyTo  `json:"reply_to,omitempty"`
	IsRead          bool      `json:"is_read"`
	IsDeleted       bool      `json:"is_deleted"`
	IsForwarded     bool      `json:"is_forwarded"`
	ImageURL        string    `json:"image_url,omitempty"`
	FileURL         string    `json:"file_url,omitempty"`
	VoiceMessageURL string    `json:"voice_message_url,omitempty"`
}

type User struct {
	ID                     string           `json:"id"`
	Username               string           `json:"username"`
	Email                  string           `json:"email"`
	IsOnline               bool             `json:"is_online"`
	Friends                []string         `json:"friends,omitempty"`
	FriendRequests         []string         `json:"friend_requests,omitempty"`
	OutgoingFriendRequests []string         `json:"outgoing_friend_requests,omitempty"`
	LastReadTimestamps     map[string]int64 `json:"last_read_timestamps,omitempty"`
}

type GroupChat struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// HasMember reports whether userID is listed in the group's members.
func (g GroupChat) HasMember(userID string) bool {
	return slices.Contains(g.MemberIDs, userID)
}
