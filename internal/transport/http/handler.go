package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marcusylee/board-sync-service/internal/config"
	"github.com/marcusylee/board-sync-service/internal/repo"
	"github.com/marcusylee/board-sync-service/internal/service"
)

func RegisterHandlers(r *gin.Engine, syncSvc *service.SyncService, queueSvc *service.QueueService, ret config.RetentionConfig) {
	v1 := r.Group("/v1")
	{
		v1.POST("/sync/commit", commitHandler(syncSvc))
		v1.GET("/sync/pull", pullHandler(syncSvc))
		v1.GET("/sync/history", historyHandler(syncSvc))
		v1.POST("/sync/maintenance", maintenanceHandler(syncSvc, ret))

		v1.POST("/jobs", enqueueHandler(queueSvc))
		v1.GET("/jobs/queued", queuedHandler(queueSvc))
		v1.GET("/jobs/:id/attempts", attemptsHandler(queueSvc))
		v1.GET("/jobs/deadletters", deadlettersHandler(queueSvc))
		v1.POST("/jobs/cleanup", cleanupHandler(queueSvc))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repo.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type commitReq struct {
	UserID     string                   `json:"user_id" binding:"required"`
	DeviceID   string                   `json:"device_id" binding:"required"`
	Operations []service.OperationInput `json:"operations" binding:"required"`
}

func commitHandler(svc *service.SyncService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req commitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.Commit(c, req.UserID, req.DeviceID, req.Operations)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func pullHandler(svc *service.SyncService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		sinceStr := c.DefaultQuery("since", time.Time{}.Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		res, err := svc.Pull(c, userID, since)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func historyHandler(svc *service.SyncService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		ops, err := svc.History(c, c.Query("user_id"), c.Query("device_id"), limit)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ops)
	}
}

type maintenanceReq struct {
	Retention string `json:"retention"`
}

func maintenanceHandler(svc *service.SyncService, ret config.RetentionConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		retention := ret.OperationAge
		var req maintenanceReq
		if err := c.ShouldBindJSON(&req); err == nil && req.Retention != "" {
			d, err := time.ParseDuration(req.Retention)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid retention"})
				return
			}
			retention = d
		}
		res, err := svc.Maintenance(c, retention, ret.SafetyFloor)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type enqueueReq struct {
	JobKind     string          `json:"job_kind" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
}

func enqueueHandler(svc *service.QueueService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := svc.Enqueue(c, req.JobKind, req.Payload, req.Priority, req.MaxAttempts)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": id})
	}
}

func queuedHandler(svc *service.QueueService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := svc.Queued(c)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, jobs)
	}
}

func attemptsHandler(svc *service.QueueService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		atts, err := svc.Attempts(c, id)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, atts)
	}
}

func deadlettersHandler(svc *service.QueueService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dls, err := svc.Deadletters(c)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, dls)
	}
}

type cleanupReq struct {
	Retention string `json:"retention" binding:"required"`
}

func cleanupHandler(svc *service.QueueService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cleanupReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		retention, err := time.ParseDuration(req.Retention)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid retention"})
			return
		}
		deleted, err := svc.Cleanup(c, retention)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}
