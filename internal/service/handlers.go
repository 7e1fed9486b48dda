package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marcusylee/board-sync-service/internal/model"
	"github.com/marcusylee/board-sync-service/internal/repo"
)

func compactionHandler(s *SyncService) HandlerFunc {
	return func(ctx context.Context, job *model.WorkerJob) error {
		var p compactionPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("decode compaction payload: %w", err)
		}
		if p.UserID == "" || p.DeviceID == "" {
			return fmt.Errorf("compaction payload missing user or device: %w", repo.ErrValidation)
		}
		return s.Compact(ctx, p.UserID, p.DeviceID)
	}
}

type fanoutPayload struct {
	UserID   string `json:"user_id"`
	BoardID  string `json:"board_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Message  string `json:"message"`
}

func fanoutHandler(r repo.RepositoryInterface) HandlerFunc {
	return func(ctx context.Context, job *model.WorkerJob) error {
		var p fanoutPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("decode fanout payload: %w", err)
		}
		if p.UserID == "" {
			return fmt.Errorf("fanout payload missing user: %w", repo.ErrValidation)
		}
		return r.PublishActivity(ctx, p.UserID, []byte(job.Payload))
	}
}
