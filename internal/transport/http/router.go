package http

import (
	"github.com/gin-gonic/gin"
	"github.com/marcusylee/board-sync-service/internal/config"
	"github.com/marcusylee/board-sync-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(syncSvc *service.SyncService, queueSvc *service.QueueService, rl config.RateLimitConfig, ret config.RetentionConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, syncSvc, queueSvc, ret)
	return r
}
