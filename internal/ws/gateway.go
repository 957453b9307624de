package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"presence-service/internal/auth"
	"presence-service/internal/chat"
	"presence-service/internal/models"
	"presence-service/internal/observability"
	"presence-service/internal/presence"
	"presence-service/internal/repositories"
	"presence-service/internal/rooms"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway handles websocket admission and the per-connection event loop.
type Gateway struct {
	presence   *presence.Tracker
	rooms      *rooms.Router
	dispatcher *chat.Dispatcher
	unread     *chat.UnreadService
	chatRepo   repositories.ChatRepository
	verifier   *auth.Verifier
	logger     *zap.SugaredLogger
	parsers    fastjson.ParserPool
}

// NewGateway constructs a Gateway.
func NewGateway(
	tracker *presence.Tracker,
	router *rooms.Router,
	dispatcher *chat.Dispatcher,
	unread *chat.UnreadService,
	chatRepo repositories.ChatRepository,
	verifier *auth.Verifier,
	logger *zap.SugaredLogger,
) *Gateway {
	return &Gateway{
		presence:   tracker,
		rooms:      router,
		dispatcher: dispatcher,
		unread:     unread,
		chatRepo:   chatRepo,
		verifier:   verifier,
		logger:     logger,
	}
}

// Handle upgrades the connection and runs its event loop. A connection
// that fails authentication is rejected before registration; there is
// no partial admission.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("presence-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID, err := g.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := newClient(newConnID(), userID, conn, g.logger)
	go client.writePump()

	requestID := observability.RequestIDFromRequest(c.Request)
	g.presence.HandleConnect(ctx, client)
	observability.IncWSEvent("ws_connect")
	_ = observability.PublishEvent(ctx, "ws_events.presence", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_connect",
		Payload: map[string]interface{}{
			"conn_id":   client.id,
			"user_id":   userID,
			"device_id": observability.DeviceIDFromRequest(c.Request),
			"ip":        observability.IPFromRequest(c.Request),
		},
	}, observability.BuildHeaders(requestID, span.SpanContext().TraceID().String()))

	go g.readLoop(context.WithoutCancel(ctx), client)
}

func (g *Gateway) authenticate(c *gin.Context) (int, error) {
	token := c.GetHeader("Authorization")
	if token != "" {
		parts := strings.SplitN(token, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return 0, auth.ErrInvalidToken
		}
		return g.verifier.Verify(parts[1])
	}
	if token = c.Query("token"); token != "" {
		return g.verifier.Verify(token)
	}
	return 0, auth.ErrInvalidToken
}

// readLoop consumes client events until the transport closes. Eviction
// is driven by the transport's own disconnect signal here, never
// inferred from push failures.
func (g *Gateway) readLoop(ctx context.Context, client *Client) {
	defer func() {
		g.rooms.LeaveAll(client)
		g.presence.HandleDisconnect(ctx, client)
		observability.IncWSEvent("ws_disconnect")
		_ = client.Close()
	}()

	client.conn.SetReadLimit(readLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	parser := g.parsers.Get()
	defer g.parsers.Put(parser)

	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debugw("websocket read ended", "conn_id", client.id, "user_id", client.userID, "error", err)
			}
			return
		}
		g.handleFrame(ctx, client, parser, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, client *Client, parser *fastjson.Parser, frame []byte) {
	v, err := parser.ParseBytes(frame)
	if err != nil {
		_ = client.Send(models.EventError, models.ErrorPayload{Error: "malformed event"})
		return
	}

	event := string(v.GetStringBytes("event"))
	data := v.Get("data")
	observability.IncWSEvent(event)

	switch event {
	case models.EventJoinChat:
		g.handleJoin(ctx, client, data)
	case models.EventLeaveChat:
		g.rooms.Leave(intField(data, "chatId"), client)
	case models.EventSendMessage:
		g.handleSend(ctx, client, data)
	case models.EventTyping:
		g.dispatcher.RelayTyping(intField(data, "chatId"), client.userID, false, client)
	case models.EventStopTyping:
		g.dispatcher.RelayTyping(intField(data, "chatId"), client.userID, true, client)
	case models.EventGetGlobalUnread:
		g.handleGlobalUnread(ctx, client)
	default:
		_ = client.Send(models.EventError, models.ErrorPayload{Error: "unknown event"})
	}
}

func (g *Gateway) handleJoin(ctx context.Context, client *Client, data *fastjson.Value) {
	chatID := intField(data, "chatId")
	member, err := g.chatRepo.IsParticipant(ctx, chatID, client.userID)
	if err != nil || !member {
		_ = client.Send(models.EventError, models.ErrorPayload{Error: "not authorized for chat"})
		return
	}
	g.rooms.Join(chatID, client)
}

func (g *Gateway) handleSend(ctx context.Context, client *Client, data *fastjson.Value) {
	chatID := intField(data, "chatId")
	text := string(data.GetStringBytes("text"))

	// The sender identity comes from the admitted connection, not the
	// payload: the payload field exists for wire compatibility only.
	if _, err := g.dispatcher.SendMessage(ctx, chatID, client.userID, text); err != nil {
		g.logger.Infow("send message rejected", "conn_id", client.id, "user_id", client.userID, "chat_id", chatID, "error", err)
		_ = client.Send(models.EventError, models.ErrorPayload{Error: sendErrorText(err)})
	}
}

func (g *Gateway) handleGlobalUnread(ctx context.Context, client *Client) {
	has, err := g.unread.HasAnyUnread(ctx, client.userID)
	if err != nil {
		g.logger.Warnw("global unread lookup failed", "user_id", client.userID, "error", err)
		return
	}
	_ = client.Send(models.EventNewUnreadGlobal, models.GlobalUnreadPayload{HasUnread: has})
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return "message text is empty"
	case errors.Is(err, chat.ErrNotParticipant):
		return "not a chat participant"
	case errors.Is(err, repositories.ErrChatNotFound):
		return "chat not found"
	default:
		return "could not send message"
	}
}

// intField reads an integer event field, accepting either a bare number
// payload or an object with the named key. Clients send both shapes.
func intField(v *fastjson.Value, key string) int {
	if v == nil {
		return 0
	}
	if v.Type() == fastjson.TypeNumber {
		n, _ := v.Int()
		return n
	}
	return v.GetInt(key)
}
