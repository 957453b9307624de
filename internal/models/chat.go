package models

import "time"

// Chat represents a private conversation between exactly two users.
// The pair is stored ordered (User1ID < User2ID) so the uniqueness
// constraint holds regardless of who initiated the chat.
type Chat struct {
	ID             int       `db:"id" json:"id"`
	User1ID        int       `db:"user1_id" json:"user1_id"`
	User2ID        int       `db:"user2_id" json:"user2_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
}

// OtherParticipant returns the peer of userID in a private chat.
func (c Chat) OtherParticipant(userID int) int {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID int) bool {
	return c.User1ID == userID || c.User2ID == userID
}

// Participant links a chat and a user and carries that user's unread
// counter for the chat. The counter never goes below zero.
type Participant struct {
	ChatID      int `db:"chat_id" json:"chat_id"`
	UserID      int `db:"user_id" json:"user_id"`
	UnreadCount int `db:"unread_count" json:"unread_count"`
}

// ChatSummary is the sidebar view of a chat for one user.
type ChatSummary struct {
	ChatID      int       `json:"chat_id"`
	FriendID    int       `json:"friend_id"`
	LastMessage string    `json:"last_message,omitempty"`
	Unread      int       `json:"unread"`
	CreatedAt   time.Time `json:"created_at"`
}
