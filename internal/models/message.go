package models

import "time"

// Message is a persisted chat message. Immutable once stored.
type Message struct {
	ID        int       `db:"id" json:"id"`
	ChatID    int       `db:"chat_id" json:"chat_id"`
	SenderID  int       `db:"sender_id" json:"sender_id"`
	Text      string    `db:"text" json:"text"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
