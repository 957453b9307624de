package chat

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"presence-service/internal/models"
	"presence-service/internal/observability"
	"presence-service/internal/registry"
	"presence-service/internal/repositories"
	"presence-service/internal/rooms"
)

// Dispatcher orchestrates the send-message flow: persist, update unread
// counters for every participant except the sender, push the message to
// each participant's live connections, and push per-chat unread updates.
// Persistence is authoritative; pushes are best-effort and a failed push
// never rolls anything back.
type Dispatcher struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	unread      *UnreadService
	registry    *registry.Registry
	rooms       *rooms.Router
	logger      *zap.SugaredLogger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(
	chatRepo repositories.ChatRepository,
	messageRepo repositories.MessageRepository,
	unread *UnreadService,
	reg *registry.Registry,
	router *rooms.Router,
	logger *zap.SugaredLogger,
) *Dispatcher {
	return &Dispatcher{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		unread:      unread,
		registry:    reg,
		rooms:       router,
		logger:      logger,
	}
}

// SendMessage validates, persists, and fans out a message. The sender
// learns whether the message was durably saved; they never learn whether
// a recipient received the live push (recipients recover via unread
// counters on reconnect). No lock is held across the persistence call or
// the pushes: counters mutate through single SQL statements and pushes
// go through per-connection buffers.
func (d *Dispatcher) SendMessage(ctx context.Context, chatID int, senderID int, text string) (models.Message, error) {
	ctx, span := otel.Tracer("presence-service/chat").Start(ctx, "dispatcher.send_message")
	defer span.End()
	span.SetAttributes(attribute.Int("chat.id", chatID), attribute.Int("chat.sender_id", senderID))

	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}

	chatRow, err := d.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		return models.Message{}, err
	}
	if !chatRow.HasParticipant(senderID) {
		return models.Message{}, ErrNotParticipant
	}

	msg, err := d.messageRepo.SaveMessage(ctx, chatID, senderID, text)
	if err != nil {
		return models.Message{}, err
	}
	if err := d.chatRepo.TouchChat(ctx, chatID); err != nil {
		d.logger.Warnw("touch chat failed", "chat_id", chatID, "error", err)
	}
	observability.IncMessagesDispatched()

	// Message echo to everyone currently viewing the chat.
	d.rooms.BroadcastToRoom(chatID, models.EventNewMessage, models.NewMessagePayload{ChatID: chatID, Message: &msg}, nil)

	d.settleSenderUnread(ctx, chatID, senderID)

	for _, userID := range []int{chatRow.User1ID, chatRow.User2ID} {
		if userID == senderID {
			continue
		}
		d.notifyRecipient(ctx, chatID, userID, &msg)
	}

	return msg, nil
}

// settleSenderUnread clears the sender's own counter for the chat. It
// can be nonzero when the sender replies without having marked the chat
// read; sending implies they have seen it.
func (d *Dispatcher) settleSenderUnread(ctx context.Context, chatID int, senderID int) {
	p, err := d.unread.participants.GetParticipant(ctx, chatID, senderID)
	if err != nil {
		d.logger.Warnw("load sender participant failed", "chat_id", chatID, "user_id", senderID, "error", err)
		return
	}
	if p.UnreadCount == 0 {
		return
	}
	if err := d.unread.Reset(ctx, chatID, senderID); err != nil {
		d.logger.Warnw("reset sender unread failed", "chat_id", chatID, "user_id", senderID, "error", err)
		return
	}
	d.registry.PushToUser(senderID, models.EventUnreadUpdate, models.UnreadUpdatePayload{ChatID: chatID, Unread: 0})
	d.pushGlobalUnread(ctx, senderID)
}

func (d *Dispatcher) notifyRecipient(ctx context.Context, chatID int, userID int, msg *models.Message) {
	newCount, err := d.unread.Increment(ctx, chatID, userID)
	if err != nil {
		d.logger.Errorw("increment unread failed", "chat_id", chatID, "user_id", userID, "error", err)
		return
	}
	d.registry.PushToUser(userID, models.EventMessageReceived, models.NewMessagePayload{ChatID: chatID, Message: msg})
	d.registry.PushToUser(userID, models.EventUnreadUpdate, models.UnreadUpdatePayload{ChatID: chatID, Unread: newCount})
	d.pushGlobalUnread(ctx, userID)
}

// MarkRead resets the user's counter for the chat and pushes the
// recomputed global flag. Returns repositories.ErrChatNotFound when no
// such (chat,user) row exists.
func (d *Dispatcher) MarkRead(ctx context.Context, chatID int, userID int) error {
	err := d.unread.Reset(ctx, chatID, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrParticipantNotFound) {
			return repositories.ErrChatNotFound
		}
		return err
	}
	d.registry.PushToUser(userID, models.EventUnreadUpdate, models.UnreadUpdatePayload{ChatID: chatID, Unread: 0})
	d.pushGlobalUnread(ctx, userID)
	return nil
}

// GetTotalUnread sums unread counts across all of the user's chats.
func (d *Dispatcher) GetTotalUnread(ctx context.Context, userID int) (int, error) {
	return d.unread.Total(ctx, userID)
}

// RelayTyping forwards a typing indicator to the chat room, excluding
// the typist's own connection.
func (d *Dispatcher) RelayTyping(chatID int, userID int, stopped bool, except registry.Conn) {
	event := models.EventTyping
	if stopped {
		event = models.EventStopTyping
	}
	d.rooms.BroadcastToRoom(chatID, event, models.TypingPayload{ChatID: chatID, UserID: userID}, except)
}

// pushGlobalUnread recomputes the user's has-any-unread flag from
// committed state and pushes it to all their connections.
func (d *Dispatcher) pushGlobalUnread(ctx context.Context, userID int) {
	has, err := d.unread.HasAnyUnread(ctx, userID)
	if err != nil {
		d.logger.Warnw("recompute global unread failed", "user_id", userID, "error", err)
		return
	}
	d.registry.PushToUser(userID, models.EventNewUnreadGlobal, models.GlobalUnreadPayload{HasUnread: has})
}
