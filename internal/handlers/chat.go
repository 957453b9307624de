package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"presence-service/internal/chat"
	"presence-service/internal/repositories"
	"presence-service/internal/rooms"
)

// ChatHandler serves the REST surface next to the websocket gateway:
// chat creation, sidebar listing, history, mark-read and the unread
// badge total.
type ChatHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	router      *rooms.Router
	dispatcher  *chat.Dispatcher
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, router *rooms.Router, dispatcher *chat.Dispatcher) *ChatHandler {
	return &ChatHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		router:      router,
		dispatcher:  dispatcher,
	}
}

// StartChat finds or creates the private chat with another user.
func (h *ChatHandler) StartChat(c *gin.Context) {
	var req struct {
		ParticipantID int `json:"participant_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	if userID == req.ParticipantID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}

	chatRow, err := h.router.FindOrCreatePrivateChat(c.Request.Context(), userID, req.ParticipantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chat_id": chatRow.ID})
}

// ListChats returns the sidebar view for the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID := c.GetInt("userID")

	chats, err := h.chatRepo.ListChats(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetChat returns one chat the user participates in.
func (h *ChatHandler) GetChat(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	chatRow, err := h.chatRepo.GetChat(c.Request.Context(), chatID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrChatNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "chat not found"})
		return
	}
	if !chatRow.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	c.JSON(http.StatusOK, chatRow)
}

// GetChatMessages returns paginated message history for a chat.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	member, err := h.chatRepo.IsParticipant(c.Request.Context(), chatID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("skip", "0"))

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), chatID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// MarkRead resets the caller's unread counter for the chat.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}

	userID := c.GetInt("userID")
	if err := h.dispatcher.MarkRead(c.Request.Context(), chatID, userID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrChatNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "chat not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetTotalUnread returns the caller's summed unread count.
func (h *ChatHandler) GetTotalUnread(c *gin.Context) {
	userID := c.GetInt("userID")

	total, err := h.dispatcher.GetTotalUnread(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load unread total"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"total": total})
}

func parseChatID(c *gin.Context) (int, bool) {
	chatID, err := strconv.Atoi(c.Param("chat_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return chatID, true
}
