package chat

import "errors"

var (
	// ErrNotParticipant is returned when a user operates on a chat they
	// do not belong to. Nothing is persisted in that case.
	ErrNotParticipant = errors.New("not a chat participant")
	// ErrEmptyMessage is returned when a message text is empty after
	// trimming.
	ErrEmptyMessage = errors.New("message text is empty")
)
