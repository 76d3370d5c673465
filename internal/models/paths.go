package models

// Store layout. Segment names match the JSON tags of the stored types.
const (
	MessagesPath   = "messages"
	UsersPath      = "users"
	GroupChatsPath = "group_chats"
	TypingPath     = "typing_status"
)

func MessagePath(id string) string { return MessagesPath + "/" + id }

func ReactionsPath(messageID string) string { return MessagePath(messageID) + "/reactions" }

func UserPath(id string) string { return UsersPath + "/" + id }

func FriendsPath(userID string) string { return UserPath(userID) + "/friends" }

func OnlinePath(userID string) string { return UserPath(userID) + "/is_online" }

func LastReadPath(userID string) string { return UserPath(userID) + "/last_read_timestamps" }

func LastReadEntryPath(userID, conversationID string) string {
	return LastReadPath(userID) + "/" + conversationID
}

func GroupChatPath(id string) string { return GroupChatsPath + "/" + id }

func TypingConversationPath(conversationID string) string {
	return TypingPath + "/" + conversationID
}

func TypingUserPath(conversationID, userID string) string {
	return TypingConversationPath(conversationID) + "/" + userID
}
