package chat

import (
	"context"

	"presence-service/internal/repositories"
)

// UnreadService is the thin accessor layer over the per-(chat,user)
// unread counters. The counter state machine is minimal: count == 0 is
// "read", count > 0 is "unread"; increment and reset are the only
// transitions and both run as single SQL statements.
type UnreadService struct {
	participants repositories.ParticipantRepository
}

// NewUnreadService builds an UnreadService.
func NewUnreadService(participants repositories.ParticipantRepository) *UnreadService {
	return &UnreadService{participants: participants}
}

// Increment bumps the counter by one and returns the new value.
func (s *UnreadService) Increment(ctx context.Context, chatID int, userID int) (int, error) {
	return s.participants.IncrementUnread(ctx, chatID, userID)
}

// Reset sets the counter to zero.
func (s *UnreadService) Reset(ctx context.Context, chatID int, userID int) error {
	return s.participants.ResetUnread(ctx, chatID, userID)
}

// HasAnyUnread reports whether any of the user's chats has unread
// messages. Queried fresh on every call: this answers the client's
// get_global_unread request on (re)connect, so staleness here shows a
// wrong badge.
func (s *UnreadService) HasAnyUnread(ctx context.Context, userID int) (bool, error) {
	return s.participants.HasAnyUnread(ctx, userID)
}

// Total sums the user's unread counters across all chats.
func (s *UnreadService) Total(ctx context.Context, userID int) (int, error) {
	return s.participants.SumUnread(ctx, userID)
}
