package models

// Event names pushed to clients over the websocket.
const (
	EventUserOnline      = "user_online"
	EventUserOffline     = "user_offline"
	EventOnlineUsersList = "online_users_list"
	EventNewMessage      = "new_message"
	EventMessageReceived = "message:received"
	EventUnreadUpdate    = "unread_update"
	EventNewUnreadGlobal = "new_unread_global"
	EventChatNew         = "chat:new"
	EventTyping          = "typing"
	EventStopTyping      = "stop_typing"
	EventError           = "error_message"
)

// Event names accepted from clients.
const (
	EventJoinChat        = "join_chat"
	EventLeaveChat       = "leave_chat"
	EventSendMessage     = "send_message"
	EventGetGlobalUnread = "get_global_unread"
)

// NewMessagePayload accompanies new_message and message:received events.
type NewMessagePayload struct {
	ChatID  int      `json:"chatId"`
	Message *Message `json:"message"`
}

// UnreadUpdatePayload carries the authoritative per-chat unread count.
type UnreadUpdatePayload struct {
	ChatID int `json:"chatId"`
	Unread int `json:"unread"`
}

// GlobalUnreadPayload carries the has-any-unread flag for the navbar badge.
type GlobalUnreadPayload struct {
	HasUnread bool `json:"hasUnread"`
}

// ChatNewPayload notifies a user that a chat was created with them.
type ChatNewPayload struct {
	ChatID int `json:"chatId"`
}

// TypingPayload relays typing indicators inside a chat room.
type TypingPayload struct {
	ChatID int `json:"chatId"`
	UserID int `json:"userId"`
}

// ErrorPayload reports a failed client event back to its sender.
type ErrorPayload struct {
	Error string `json:"error"`
}
