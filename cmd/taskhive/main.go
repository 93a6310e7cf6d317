package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appoutbox "taskhive/internal/app/outbox"
	authsvc "taskhive/internal/app/services/auth"
	"taskhive/internal/app/services/messaging"
	domainauth "taskhive/internal/domain/auth"
	"taskhive/internal/domain/chat"
	domainuser "taskhive/internal/domain/user"
	"taskhive/internal/infra/broker/kafka"
	"taskhive/internal/infra/cache"
	"taskhive/internal/infra/config"
	mongodb "taskhive/internal/infra/db/mongo"
	ginserver "taskhive/internal/infra/http/gin"
	"taskhive/internal/infra/obs"
	infraoutbox "taskhive/internal/infra/outbox"
	"taskhive/internal/infra/realtime"
	"taskhive/internal/infra/security"
	"taskhive/internal/infra/storage/memory"
	"taskhive/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := getenv("APP_ENV", "dev")
	logger := obs.NewLogger(env)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	stores, ready, err := buildStores(cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	registry := realtime.NewRegistry()
	broadcaster := &realtime.Broadcaster{Registry: registry, Logger: logger}

	var events appoutbox.Store
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, nil)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		events = stores.outbox
		worker := &infraoutbox.Worker{
			Store:       events,
			Producer:    producer,
			Logger:      logger,
			Interval:    cfg.OutboxPollInterval,
			TopicPrefix: cfg.KafkaTopicPrefix,
			Backoff:     cfg.RetryBackoff,
		}
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", "error", err)
			}
		}()
		logger.Info("event export enabled", "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("kafka not configured, events stay local")
	}

	chatService := &messaging.Service{
		Conversations: stores.conversations,
		Messages:      stores.messages,
		Cache:         cache.NewConversations(cfg.ConversationTTL),
		Directory:     stores.directory,
		Broadcast:     broadcaster,
		Events:        events,
		Logger:        logger,
	}
	authService := &authsvc.Service{
		Users:      stores.users,
		Sessions:   stores.sessions,
		Passwords:  security.BcryptHasher{},
		Tokens:     security.RandomTokenGenerator{},
		SessionTTL: cfg.SessionTTL,
		Logger:     logger,
	}

	uploader := buildUploader(cfg, logger)
	wsHandler := realtime.NewHandler(registry, tokenResolver{authService}, chatService, logger)

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Ready: ready}, ginserver.Handlers{
		Auth:           ginserver.AuthHandler{Service: authService, Logger: logger},
		Chat:           ginserver.ChatHandler{Service: chatService, Uploader: uploader, Logger: logger},
		WebSocket:      wsHandler.Serve,
		AuthMiddleware: ginserver.AuthMiddleware{Service: authService, Logger: logger}.Handle,
	})

	go func() {
		<-ctx.Done()
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("HTTP server stopped")
}

type stores struct {
	conversations chat.ConversationRepository
	messages      chat.MessageRepository
	users         domainuser.Repository
	directory     domainuser.Directory
	sessions      domainauth.SessionStore
	outbox        appoutbox.Store
}

func buildStores(cfg config.Config, logger *slog.Logger) (stores, func() error, error) {
	if cfg.MongoURI == "" {
		logger.Info("mongo not configured, using in-memory storage")
		chatStore := memory.NewChatStore()
		userStore := memory.NewUserStore()
		return stores{
			conversations: chatStore,
			messages:      chatStore.Messages(),
			users:         userStore,
			directory:     userStore,
			sessions:      memory.NewSessionStore(),
			outbox:        memory.NewOutboxStore(),
		}, func() error { return nil }, nil
	}

	client, err := mongodb.New(cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return stores{}, nil, err
	}
	logger.Info("mongo connected", "database", cfg.MongoDB)
	chatRepo := mongodb.NewChatRepository(client.DB)
	userRepo := mongodb.NewUserRepository(client.DB)
	ready := func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx)
	}
	return stores{
		conversations: chatRepo,
		messages:      chatRepo.Messages(),
		users:         userRepo,
		directory:     userRepo,
		sessions:      mongodb.NewSessionStore(client.DB),
		outbox:        infraoutbox.NewStore(client.DB),
	}, ready, nil
}

func buildUploader(cfg config.Config, logger *slog.Logger) s3.Uploader {
	if cfg.S3Endpoint == "" {
		logger.Info("s3 not configured, attachments disabled")
		return s3.NoopUploader{}
	}
	store, err := s3.NewAttachmentStore(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3PublicEndpoint, logger)
	if err != nil {
		logger.Warn("s3 init failed, attachments disabled", "error", err)
		return s3.NoopUploader{}
	}
	return store
}

// tokenResolver adapts the auth service to the websocket handshake.
type tokenResolver struct {
	svc *authsvc.Service
}

func (r tokenResolver) ResolveUser(ctx context.Context, token string) (domainuser.ID, error) {
	result, err := r.svc.ResolveToken(ctx, token)
	if err != nil {
		return "", err
	}
	return result.User.ID, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
