package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"presence-service/internal/models"
)

var ErrParticipantNotFound = errors.New("participant not found")

// ParticipantRepository owns the per-(chat,user) unread counters.
type ParticipantRepository interface {
	GetParticipant(ctx context.Context, chatID int, userID int) (models.Participant, error)
	IncrementUnread(ctx context.Context, chatID int, userID int) (int, error)
	ResetUnread(ctx context.Context, chatID int, userID int) error
	SumUnread(ctx context.Context, userID int) (int, error)
	HasAnyUnread(ctx context.Context, userID int) (bool, error)
}

// ParticipantRepo is a sqlx implementation of ParticipantRepository.
type ParticipantRepo struct {
	db *sqlx.DB
}

// NewParticipantRepo constructs a ParticipantRepo.
func NewParticipantRepo(db *sqlx.DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

// GetParticipant fetches one participant row.
func (r *ParticipantRepo) GetParticipant(ctx context.Context, chatID int, userID int) (models.Participant, error) {
	var p models.Participant
	err := r.db.GetContext(ctx, &p, `SELECT chat_id, user_id, unread_count FROM chat_participants WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p, err
}

// IncrementUnread atomically bumps the counter and returns the new
// value. The increment happens in the database, never read-modify-write
// from stale data.
func (r *ParticipantRepo) IncrementUnread(ctx context.Context, chatID int, userID int) (int, error) {
	var count int
	err := r.db.QueryRowxContext(ctx, `UPDATE chat_participants SET unread_count = unread_count + 1 WHERE chat_id=$1 AND user_id=$2 RETURNING unread_count`, chatID, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrParticipantNotFound
	}
	return count, err
}

// ResetUnread sets the counter to zero.
func (r *ParticipantRepo) ResetUnread(ctx context.Context, chatID int, userID int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chat_participants SET unread_count = 0 WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// SumUnread totals the user's unread counters across all chats.
func (r *ParticipantRepo) SumUnread(ctx context.Context, userID int) (int, error) {
	var total int
	err := r.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(unread_count), 0) FROM chat_participants WHERE user_id=$1`, userID)
	return total, err
}

// HasAnyUnread reports whether any of the user's chats has unread
// messages. Always reflects committed state at call time.
func (r *ParticipantRepo) HasAnyUnread(ctx context.Context, userID int) (bool, error) {
	var has bool
	err := r.db.GetContext(ctx, &has, `SELECT EXISTS(SELECT 1 FROM chat_participants WHERE user_id=$1 AND unread_count > 0)`, userID)
	return has, err
}
