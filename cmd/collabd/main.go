package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/IBM/sarama"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/cache"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/config"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/event"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/httpapi"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/httpapi/handlers"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/lock"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/store"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/ws"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Error("connect redis", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Error("open mysql", "err", err)
		os.Exit(1)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Error("ping mysql", "err", err)
		os.Exit(1)
	}
	cancel()
	defer db.Close()

	gormDB, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{})
	if err != nil {
		log.Error("init gorm", "err", err)
		os.Exit(1)
	}

	kafkaCfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes.
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Error("connect kafka", "err", err)
		os.Exit(1)
	}
	defer producer.Close()

	presence := cache.NewRedisPresence(rdb)
	seqs := cache.NewRedisSequence(rdb)
	hub := ws.NewHub()

	locks := lock.NewManager(log, lock.Options{
		TTL:           cfg.LockTTL(),
		SweepInterval: cfg.LockSweepInterval(),
		OnRevoke: func(r lock.Revocation) {
			hub.Broadcast(r.ResourceKey, r.Envelope())
		},
	})
	go locks.Run(context.Background())

	dispatcher := event.NewKafkaDispatcher(producer, cfg.Kafka.Topic, event.NewSemaphore(100), log, event.KafkaDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})

	eventStore := store.NewEventStore(db)
	snapshotStore := store.NewSnapshotStore(gormDB)
	svc := event.NewService(seqs, eventStore, snapshotStore, hub, dispatcher, log)

	r := httpapi.NewRouter(httpapi.RouterDeps{
		AuthSecret: cfg.Auth.Secret,
		WS:         ws.NewManager(hub, presence, locks, log, cfg.HeartbeatTTL()),
		Resources:  handlers.NewResourceHandler(snapshotStore, eventStore, seqs),
		Events:     handlers.NewEventHandler(svc),
	})

	addr := fmt.Sprintf(":%d", cfg.Running.Port)
	log.Info("collabd listening", "addr", addr)
	if err := r.Run(addr); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
