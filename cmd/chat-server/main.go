package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/creatorly/chat-service/internal/auth"
	"github.com/creatorly/chat-service/internal/cache"
	"github.com/creatorly/chat-service/internal/config"
	"github.com/creatorly/chat-service/internal/events"
	"github.com/creatorly/chat-service/internal/handlers"
	"github.com/creatorly/chat-service/internal/logger"
	"github.com/creatorly/chat-service/internal/repository"
	"github.com/creatorly/chat-service/internal/service"
	"github.com/creatorly/chat-service/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	lg, err := logger.New(logger.Config{Development: cfg.Server.Development})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer lg.Sync()

	ctx := context.Background()
	mongoClient, err := repository.Connect(ctx, cfg.Mongo.URI)
	if err != nil {
		lg.Fatalw("mongo connect", "err", err)
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(cfg.Mongo.DB)
	messageRepo := repository.NewMessageRepository(db.Collection("messages"))
	chatRepo := repository.NewChatRepository(db.Collection("chats"))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	recent := cache.NewRecentMessages(rdb, cfg.Redis.Prefix)

	var producer *events.Producer
	if cfg.Kafka.Enabled {
		producer = events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, lg)
		defer producer.Close()
	}

	verifier := auth.NewVerifier(cfg.JWT.Secret)
	registry := ws.NewRegistry(chatRepo, lg)
	gateway := ws.NewGateway(ws.Config{
		SendQueueSize:      cfg.WS.SendQueueSize,
		MaxMessageBytes:    int64(cfg.WS.MaxMessageBytes),
		IdleTimeout:        time.Duration(cfg.WS.IdleTimeoutSeconds) * time.Second,
		PingInterval:       time.Duration(cfg.WS.PingIntervalSeconds) * time.Second,
		WriteDeadline:      time.Duration(cfg.WS.WriteDeadlineSeconds) * time.Second,
		AuthGrace:          time.Duration(cfg.WS.AuthGraceSeconds) * time.Second,
		MaxAuthAttempts:    cfg.WS.MaxAuthAttempts,
		MaxMalformedFrames: cfg.WS.MaxMalformedFrames,
		InboundRate:        rate.Limit(cfg.WS.InboundRatePerSecond),
		InboundBurst:       cfg.WS.InboundBurst,
	}, verifier, registry, lg)
	fanout := ws.NewFanout(registry, func(c *ws.Conn, reason string) {
		gateway.Close(c, reason)
	}, lg)

	// events.Producer is optional; a typed nil must not reach the interface
	var publisher service.EventPublisher
	if producer != nil {
		publisher = producer
	}
	svc := service.NewMessageService(messageRepo, chatRepo, fanout, recent, publisher, lg)
	handler := handlers.NewMessageHandler(svc, lg)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	handlers.Register(app, handler, gateway, verifier)

	errs := make(chan error, 1)
	go func() {
		lg.Infow("starting chat server", "port", cfg.Server.Port)
		errs <- app.Listen(":" + cfg.Server.Port)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		lg.Fatalw("server error", "err", err)
	case s := <-sig:
		lg.Infow("signal received", "signal", s.String())
	}

	gateway.Shutdown()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		lg.Warnw("fiber shutdown", "err", err)
	}
	lg.Info("shut down cleanly")
}
