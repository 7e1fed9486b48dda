package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/marcusylee/board-sync-service/internal/config"
	"github.com/marcusylee/board-sync-service/internal/logger"
	"github.com/marcusylee/board-sync-service/internal/model"
	"github.com/marcusylee/board-sync-service/internal/repo"
	"github.com/marcusylee/board-sync-service/internal/service"
	httptransport "github.com/marcusylee/board-sync-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Operation{},
		&model.WorkerJob{},
		&model.WorkerJobAttempt{},
		&model.WorkerJobDeadletter{},
		&model.EntitySnapshot{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	syncSvc := service.NewSyncService(repository, log, cfg.Queue.DefaultMaxAttempts)
	queueSvc := service.NewQueueService(repository, log, cfg.Queue)

	// 7. gin router
	router := httptransport.NewRouter(syncSvc, queueSvc, cfg.RateLimit, cfg.Retention, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("sync-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
