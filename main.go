package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"presence-service/internal/auth"
	"presence-service/internal/chat"
	"presence-service/internal/config"
	"presence-service/internal/db"
	"presence-service/internal/handlers"
	"presence-service/internal/middleware"
	"presence-service/internal/observability"
	"presence-service/internal/presence"
	"presence-service/internal/rabbitmq"
	"presence-service/internal/registry"
	"presence-service/internal/repositories"
	"presence-service/internal/rooms"
	"presence-service/internal/telemetry"
	"presence-service/internal/ws"
)

func main() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(context.Background(), cfg.OTLPEndpoint, "presence-service", cfg.Environment)
	if err != nil {
		logger.Fatalf("init tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	database, err := db.Connect(cfg.DBDSN, logger)
	if err != nil {
		logger.Fatalf("connect db: %v", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)

	audit := telemetry.NewAuditEmitter("audit.presence", "presence-service", cfg.Environment, logger)

	chatRepo := repositories.NewChatRepo(database)
	participantRepo := repositories.NewParticipantRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	reg := registry.New()
	tracker := presence.NewTracker(reg, audit, logger)
	router := rooms.NewRouter(chatRepo, reg, logger)
	unread := chat.NewUnreadService(participantRepo)
	dispatcher := chat.NewDispatcher(chatRepo, messageRepo, unread, reg, router, logger)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	gateway := ws.NewGateway(tracker, router, dispatcher, unread, chatRepo, verifier, logger)
	chatHandler := handlers.NewChatHandler(chatRepo, messageRepo, router, dispatcher)

	engine := gin.Default()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("presence-service"))
	engine.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(verifier)

	engine.GET("/chats", authMiddleware, chatHandler.ListChats)
	engine.POST("/chats/start", authMiddleware, chatHandler.StartChat)
	engine.GET("/chats/unread/total", authMiddleware, chatHandler.GetTotalUnread)
	engine.GET("/chats/:chat_id", authMiddleware, chatHandler.GetChat)
	engine.GET("/chats/:chat_id/messages", authMiddleware, chatHandler.GetChatMessages)
	engine.POST("/chats/:chat_id/read", authMiddleware, chatHandler.MarkRead)

	engine.GET("/ws", gateway.Handle)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.RegisterDebugRoutes(engine, audit, cfg.DebugRoutes)

	logger.Infow("server starting", "port", cfg.Port, "environment", cfg.Environment)
	if err := engine.Run(":" + cfg.Port); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}
