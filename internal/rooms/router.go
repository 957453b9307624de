package rooms

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"presence-service/internal/models"
	"presence-service/internal/registry"
	"presence-service/internal/repositories"
)

// Router scopes connections into logical chat rooms and owns private
// chat creation. Room membership is distinct from user-level
// reachability: a user can be online without viewing any chat, and
// room-scoped events (message echo, typing) reach only connections
// currently joined to that chat.
type Router struct {
	chatRepo repositories.ChatRepository
	registry *registry.Registry
	logger   *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[int]map[registry.Conn]struct{}

	// pairMu serializes concurrent creation attempts for the same user
	// pair; the DB unique constraint on the ordered pair is the backstop.
	pairMu sync.Mutex
	pairs  map[[2]int]*sync.Mutex
}

// NewRouter constructs a Router.
func NewRouter(chatRepo repositories.ChatRepository, reg *registry.Registry, logger *zap.SugaredLogger) *Router {
	return &Router{
		chatRepo: chatRepo,
		registry: reg,
		logger:   logger,
		rooms:    make(map[int]map[registry.Conn]struct{}),
		pairs:    make(map[[2]int]*sync.Mutex),
	}
}

// Join scopes the connection into the chat room.
func (r *Router) Join(chatID int, conn registry.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[chatID]; !ok {
		r.rooms[chatID] = make(map[registry.Conn]struct{})
	}
	r.rooms[chatID][conn] = struct{}{}
}

// Leave removes the connection from the chat room. Leaving a room the
// connection is not in is a no-op.
func (r *Router) Leave(chatID int, conn registry.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns, ok := r.rooms[chatID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.rooms, chatID)
		}
	}
}

// LeaveAll removes the connection from every room. Called on disconnect.
func (r *Router) LeaveAll(conn registry.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID, conns := range r.rooms {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.rooms, chatID)
		}
	}
}

// BroadcastToRoom enqueues an event on every connection in the room,
// optionally excluding one (the sender of a typing indicator).
func (r *Router) BroadcastToRoom(chatID int, event string, payload any, except registry.Conn) {
	r.mu.RLock()
	conns := make([]registry.Conn, 0, len(r.rooms[chatID]))
	for c := range r.rooms[chatID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Send(event, payload)
	}
}

// ParticipantsOf resolves the participant user ids of a chat.
func (r *Router) ParticipantsOf(ctx context.Context, chatID int) ([]int, error) {
	chat, err := r.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return []int{chat.User1ID, chat.User2ID}, nil
}

// FindOrCreatePrivateChat returns the unique private chat for the pair,
// creating it (with two zero-unread participant rows) when absent.
// Concurrent calls for the same pair are serialized so exactly one chat
// exists per unordered pair. On creation the other user is notified via
// chat:new if reachable.
func (r *Router) FindOrCreatePrivateChat(ctx context.Context, userID, friendID int) (models.Chat, error) {
	mu := r.pairLock(userID, friendID)
	mu.Lock()
	defer mu.Unlock()

	chat, created, err := r.chatRepo.CreateOrGetChat(ctx, userID, friendID)
	if err != nil {
		return models.Chat{}, err
	}
	if created {
		r.logger.Infow("chat created", "chat_id", chat.ID, "user_id", userID, "friend_id", friendID)
		r.registry.PushToUser(friendID, models.EventChatNew, models.ChatNewPayload{ChatID: chat.ID})
	}
	return chat, nil
}

func (r *Router) pairLock(userA, userB int) *sync.Mutex {
	key := pairKey(userA, userB)
	r.pairMu.Lock()
	defer r.pairMu.Unlock()
	mu, ok := r.pairs[key]
	if !ok {
		mu = &sync.Mutex{}
		r.pairs[key] = mu
	}
	return mu
}

func pairKey(userA, userB int) [2]int {
	if userA > userB {
		userA, userB = userB, userA
	}
	return [2]int{userA, userB}
}
