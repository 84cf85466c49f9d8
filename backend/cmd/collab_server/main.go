package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabcore/backend/config"
	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/httpapi"
	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/identity"
	"collabcore/backend/internal/logging"
	"collabcore/backend/internal/session"
	"collabcore/backend/internal/store"
	"collabcore/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Running.LogLevel)
	defer logger.Sync()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}
	defer rdb.Close()

	docs, err := store.Open(cfg.Mysql.DSN)
	if err != nil {
		logger.Fatal("mysql unreachable", zap.Error(err))
	}

	// SyncProducer requires Return.Successes.
	kafkaCfg := sarama.NewConfig()
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		logger.Fatal("kafka unreachable", zap.Error(err))
	}
	defer producer.Close()

	dispatcher := collab.NewDispatcher(producer, cfg.Kafka.Topic, logger, collab.DispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
	})

	registry := session.NewRegistry(docs, dispatcher, logger, session.Config{
		GraceWindow:      cfg.Collab.GraceWindow,
		SnapshotInterval: cfg.Collab.SnapshotInterval,
		HistoryCap:       cfg.Collab.HistoryCap,
		ChatCap:          cfg.Collab.ChatCap,
	})
	defer registry.Close()

	tokens := identity.NewJWTProvider(cfg.Auth.Secret, cfg.Auth.ConnectTTL)
	presence := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(logger)
	gateway := ws.NewGateway(hub, registry, presence, tokens, logger, ws.Config{
		QueueSize:        cfg.Collab.QueueSize,
		HeartbeatTimeout: cfg.Collab.HeartbeatTimeout,
		PresenceTTL:      cfg.Collab.PresenceTTL,
	})

	r := httpapi.NewRouter(handlers.NewSessions(registry, tokens, logger), gateway, tokens)

	logger.Info("collab server listening", zap.Int("port", cfg.Running.Port))
	if err := r.Run(fmt.Sprintf(":%d", cfg.Running.Port)); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
