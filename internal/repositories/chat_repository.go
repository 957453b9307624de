package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/jmoiron/sqlx"

	"presence-service/internal/models"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateOrGetChat(ctx context.Context, userID int, friendID int) (models.Chat, bool, error)
	GetChat(ctx context.Context, chatID int) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID int, userID int) (bool, error)
	ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error)
	TouchChat(ctx context.Context, chatID int) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateOrGetChat returns the private chat for the pair, creating it
// together with two participant rows when absent. The second return
// value reports whether a new chat was created. Relies on the
// UNIQUE(user1_id, user2_id) constraint: a concurrent insert for the
// same pair loses the race and falls back to the existing row.
func (r *ChatRepo) CreateOrGetChat(ctx context.Context, userID int, friendID int) (models.Chat, bool, error) {
	if userID == friendID {
		return models.Chat{}, false, errors.New("cannot create chat with self")
	}
	pair := []int{userID, friendID}
	sort.Ints(pair)
	user1, user2 := pair[0], pair[1]

	var chat models.Chat
	query := `SELECT id, user1_id, user2_id, created_at, last_activity_at FROM chats WHERE user1_id=$1 AND user2_id=$2`
	err := r.db.GetContext(ctx, &chat, query, user1, user2)
	if err == nil {
		return chat, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, false, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, false, err
	}
	defer tx.Rollback()

	insert := `INSERT INTO chats (user1_id, user2_id) VALUES ($1, $2)
        ON CONFLICT (user1_id, user2_id) DO NOTHING
        RETURNING id, user1_id, user2_id, created_at, last_activity_at`
	err = tx.QueryRowxContext(ctx, insert, user1, user2).StructScan(&chat)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent creator.
		if err := r.db.GetContext(ctx, &chat, query, user1, user2); err != nil {
			return models.Chat{}, false, err
		}
		return chat, false, nil
	}
	if err != nil {
		return models.Chat{}, false, err
	}

	participants := `INSERT INTO chat_participants (chat_id, user_id, unread_count) VALUES ($1, $2, 0), ($1, $3, 0)`
	if _, err := tx.ExecContext(ctx, participants, chat.ID, user1, user2); err != nil {
		return models.Chat{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.Chat{}, false, err
	}
	return chat, true, nil
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT id, user1_id, user2_id, created_at, last_activity_at FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, chatID, userID)
	return exists, err
}

// ListChats returns the user's chats ordered by recent activity, each
// with its last message and that user's unread count.
func (r *ChatRepo) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	query := `SELECT c.id, c.user1_id, c.user2_id, c.created_at, cp.unread_count,
            COALESCE((SELECT m.text FROM messages m WHERE m.chat_id = c.id ORDER BY m.created_at DESC LIMIT 1), '') AS last_message
        FROM chats c
        JOIN chat_participants cp ON cp.chat_id = c.id AND cp.user_id = $1
        WHERE c.user1_id=$1 OR c.user2_id=$1
        ORDER BY c.last_activity_at DESC`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ChatSummary
	for rows.Next() {
		var (
			chat        models.Chat
			unread      int
			lastMessage string
		)
		if err := rows.Scan(&chat.ID, &chat.User1ID, &chat.User2ID, &chat.CreatedAt, &unread, &lastMessage); err != nil {
			return nil, err
		}
		result = append(result, models.ChatSummary{
			ChatID:      chat.ID,
			FriendID:    chat.OtherParticipant(userID),
			LastMessage: lastMessage,
			Unread:      unread,
			CreatedAt:   chat.CreatedAt,
		})
	}
	return result, rows.Err()
}

// TouchChat bumps the chat's last-activity timestamp.
func (r *ChatRepo) TouchChat(ctx context.Context, chatID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chats SET last_activity_at = NOW() WHERE id=$1`, chatID)
	return err
}
