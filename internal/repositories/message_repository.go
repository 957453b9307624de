package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"presence-service/internal/models"
)

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	SaveMessage(ctx context.Context, chatID int, senderID int, text string) (models.Message, error)
	ListMessages(ctx context.Context, chatID int, limit int, offset int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// SaveMessage stores a message and returns the persisted row.
func (r *MessageRepo) SaveMessage(ctx context.Context, chatID int, senderID int, text string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (chat_id, sender_id, text) VALUES ($1, $2, $3) RETURNING id, chat_id, sender_id, text, created_at`, chatID, senderID, text).
		StructScan(&msg)
	return msg, err
}

// ListMessages returns chat messages in creation order.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID int, limit int, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT id, chat_id, sender_id, text, created_at FROM messages WHERE chat_id=$1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`, chatID, limit, offset)
	return msgs, err
}
