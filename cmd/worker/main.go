package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcusylee/board-sync-service/internal/config"
	"github.com/marcusylee/board-sync-service/internal/logger"
	"github.com/marcusylee/board-sync-service/internal/repo"
	"github.com/marcusylee/board-sync-service/internal/service"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// maintenanceInterval paces the stale lease sweep and both retention sweeps.
const maintenanceInterval = 30 * time.Second

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	syncSvc := service.NewSyncService(repository, log, cfg.Queue.DefaultMaxAttempts)
	queueSvc := service.NewQueueService(repository, log, cfg.Queue)
	registry := service.NewHandlerRegistry(syncSvc, repository)

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	dispatcher := service.NewDispatcher(queueSvc, registry, log, workerID, cfg.Queue.PollInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runMaintenance(ctx, queueSvc, syncSvc, cfg, log)

	log.Infof("sync-worker started id=%s workers=%d", workerID, cfg.Queue.Workers)
	dispatcher.RunPool(ctx, cfg.Queue.Workers)
	log.Info("sync-worker stopped")
}

// runMaintenance ticks the stale lease sweep and the retention sweeps until
// shutdown. Failures are logged and retried on the next tick.
func runMaintenance(ctx context.Context, queueSvc *service.QueueService, syncSvc *service.SyncService, cfg *config.Config, log *zap.SugaredLogger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := queueSvc.ReclaimStale(ctx); err != nil {
				log.Errorf("reclaim stale: %v", err)
			} else if n > 0 {
				log.Infof("reclaimed %d stale jobs", n)
			}
			if n, err := queueSvc.Cleanup(ctx, cfg.Retention.JobAge); err != nil {
				log.Errorf("job cleanup: %v", err)
			} else if n > 0 {
				log.Infof("cleaned %d terminal jobs", n)
			}
			if res, err := syncSvc.Maintenance(ctx, cfg.Retention.OperationAge, cfg.Retention.SafetyFloor); err != nil {
				log.Errorf("operation maintenance: %v", err)
			} else if res.Deleted > 0 {
				log.Infof("swept %d operations (%d processed)", res.Deleted, res.Processed)
			}
		}
	}
}
