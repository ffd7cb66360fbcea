package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	chatsvc "resortchat/internal/app/services/chat"
	"resortchat/internal/infra/broker/kafka"
	"resortchat/internal/infra/config"
	mongodb "resortchat/internal/infra/db/mongo"
	ginserver "resortchat/internal/infra/http/gin"
	"resortchat/internal/infra/identity"
	"resortchat/internal/infra/obs"
	"resortchat/internal/infra/storage/memory"
	"resortchat/internal/infra/storage/scylla"
	"resortchat/internal/infra/ws"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev", "info")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env, cfg.LogLevel)

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("gateway init failed", "error", err)
		os.Exit(1)
	}
	defer app.close(logger)

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{Checks: app.checks}, app.handlers)

	go func() {
		<-ctx.Done()
		app.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("chat gateway starting", "addr", cfg.HTTPAddr, "socket_path", cfg.SocketPath, "env", cfg.Env)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("chat gateway stopped")
}

type application struct {
	handlers ginserver.Handlers
	hub      *ws.Hub
	checks   map[string]obs.Check
	closers  []func() error
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{checks: map[string]obs.Check{}}

	store, err := app.buildStore(cfg, logger)
	if err != nil {
		app.close(logger)
		return nil, err
	}
	resorts, err := app.buildResorts(ctx, cfg, logger)
	if err != nil {
		app.close(logger)
		return nil, err
	}

	svc := &chatsvc.Service{Store: store, Resorts: resorts, Logger: logger}
	app.hub = ws.NewHub(svc, ws.Options{
		PingInterval:   cfg.PingInterval,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	})
	notifier, err := app.buildNotifier(ctx, cfg, logger)
	if err != nil {
		app.close(logger)
		return nil, err
	}
	svc.Notifier = notifier

	app.handlers = ginserver.Handlers{
		Chat:           ginserver.ChatHandler{Service: svc, Relay: app.hub, Logger: logger},
		Socket:         ginserver.SocketHandler{Hub: app.hub, Logger: logger},
		AuthMiddleware: ginserver.AuthMiddleware{Verifier: identity.Verifier{Secret: []byte(cfg.JWTSecret)}, Logger: logger}.Handle,
	}
	return app, nil
}

func (a *application) buildStore(cfg config.Config, logger *slog.Logger) (chatsvc.Store, error) {
	if len(cfg.ScyllaHosts) == 0 {
		logger.Warn("SCYLLA_HOSTS not set, chats are kept in memory")
		return memory.NewChatStore(), nil
	}
	session, err := scylla.NewSession(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("scylla init: %w", err)
	}
	a.closers = append(a.closers, func() error { session.Close(); return nil })
	a.checks["scylla"] = func(ctx context.Context) error { return scylla.Ping(ctx, session) }
	return scylla.NewStore(session, logger), nil
}

func (a *application) buildResorts(ctx context.Context, cfg config.Config, logger *slog.Logger) (chatsvc.ResortDirectory, error) {
	fixtures := memory.NewResortDirectory()
	if cfg.ResortFixtures != "" {
		loaded, err := memory.LoadResortFixtures(cfg.ResortFixtures)
		if err != nil {
			return nil, err
		}
		fixtures = loaded
		logger.Info("resort fixtures loaded", "path", cfg.ResortFixtures, "count", len(fixtures.All()))
	}
	if cfg.MongoURI == "" {
		return fixtures, nil
	}

	client, err := mongodb.Connect(ctx, mongodb.Options{
		URI:        cfg.MongoURI,
		Database:   cfg.MongoDB,
		Collection: cfg.MongoCollection,
		Timeout:    cfg.MongoTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return client.Close(context.Background()) })
	a.checks["mongo"] = client.Ping
	dir, err := client.Resorts(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range fixtures.All() {
		if err := dir.Save(ctx, r); err != nil {
			logger.Error("cannot store resort fixture", "resort_id", r.ID, "error", err)
		}
	}
	return dir, nil
}

// buildNotifier routes chat-list updates through Kafka when brokers are configured, so
// sockets on other gateway instances receive them too.
func (a *application) buildNotifier(ctx context.Context, cfg config.Config, logger *slog.Logger) (chatsvc.Notifier, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return a.hub, nil
	}
	opts := kafka.Options{
		Brokers:     cfg.KafkaBrokers,
		ClientID:    cfg.KafkaClientID,
		TopicPrefix: cfg.KafkaTopicPrefix,
		GroupID:     cfg.KafkaGroupID,
	}
	producer, err := kafka.NewProducer(opts)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	a.closers = append(a.closers, producer.Close)

	instance := uuid.NewString()
	consumer, err := kafka.NewConsumer(opts, instance, kafka.Dispatcher{Target: a.hub, Logger: logger}, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	a.closers = append(a.closers, consumer.Close)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("chat update consumer stopped", "error", err)
		}
	}()
	logger.Info("chat updates routed through kafka", "topic", opts.Topic(), "group", opts.InstanceGroup(instance))
	return kafka.Notifier{Producer: producer}, nil
}

func (a *application) close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
