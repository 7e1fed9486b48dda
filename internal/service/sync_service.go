package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcusylee/board-sync-service/internal/model"
	"github.com/marcusylee/board-sync-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// compactionBatch caps how many operations one compaction run applies.
const compactionBatch = 500

// SyncService owns the operation log write path (Commit), the snapshot read
// path (Pull), and the compaction apply step that connects the two.
type SyncService struct {
	repo        repo.RepositoryInterface
	log         *zap.SugaredLogger
	maxAttempts int
}

// NewSyncService returns SyncService.
func NewSyncService(r repo.RepositoryInterface, logger *zap.SugaredLogger, maxAttempts int) *SyncService {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &SyncService{repo: r, log: logger, maxAttempts: maxAttempts}
}

// OperationInput is one client-intended mutation inside a commit batch.
type OperationInput struct {
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id"`
	OpType      string          `json:"op_type"`
	Payload     json.RawMessage `json:"payload"`
	VersionPrev *int64          `json:"version_prev,omitempty"`
	VersionNext *int64          `json:"version_next,omitempty"`
}

// RejectedOperation reports one batch item that failed validation.
type RejectedOperation struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// CommitResult is returned to the committing device. ServerTime is the
// client's next pull watermark.
type CommitResult struct {
	Accepted     int                 `json:"accepted"`
	OperationIDs []uint64            `json:"operation_ids"`
	Rejected     []RejectedOperation `json:"rejected,omitempty"`
	ServerTime   time.Time           `json:"server_time"`
}

// compactionPayload scopes one compaction job to the committing device.
type compactionPayload struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Commit persists a batch of client operations in submission order. Each
// item is persisted independently: a malformed operation is rejected and
// reported without aborting the rest of the batch. After the loop exactly
// one compaction job is enqueued for (device, user), whatever the batch
// size. A cancellation mid-batch returns before the enqueue so a partially
// persisted batch never triggers compaction.
func (s *SyncService) Commit(ctx context.Context, userID, deviceID string, ops []OperationInput) (*CommitResult, error) {
	if userID == "" || deviceID == "" {
		return nil, repo.ErrValidation
	}
	res := &CommitResult{OperationIDs: []uint64{}}
	for i, in := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op := &model.Operation{
			DeviceID:    deviceID,
			UserID:      userID,
			EntityKind:  in.EntityKind,
			EntityID:    in.EntityID,
			OpType:      in.OpType,
			Payload:     string(in.Payload),
			VersionPrev: in.VersionPrev,
			VersionNext: in.VersionNext,
		}
		if op.Payload == "" {
			op.Payload = "{}"
		}
		if err := s.repo.AppendOperation(ctx, s.repo.DB(ctx), op); err != nil {
			if errors.Is(err, repo.ErrValidation) {
				res.Rejected = append(res.Rejected, RejectedOperation{Index: i, Reason: err.Error()})
				continue
			}
			return nil, err
		}
		res.Accepted++
		res.OperationIDs = append(res.OperationIDs, op.ID)
	}

	payload, _ := json.Marshal(compactionPayload{UserID: userID, DeviceID: deviceID})
	job := &model.WorkerJob{
		JobKind:     model.KindSyncCompaction,
		Payload:     string(payload),
		MaxAttempts: s.maxAttempts,
	}
	if err := s.repo.EnqueueJob(ctx, s.repo.DB(ctx), job); err != nil {
		return nil, err
	}

	res.ServerTime = time.Now()
	s.markDirty(ctx, userID, res.ServerTime)
	return res, nil
}

// markDirty bumps the user's dirty marker. A failed bump clears the key so
// a stale marker can never make Pull skip real changes.
func (s *SyncService) markDirty(ctx context.Context, userID string, at time.Time) {
	if err := s.repo.MarkSyncDirty(ctx, userID, at); err != nil {
		s.log.Warn(err)
		if err := s.repo.ClearSyncDirty(ctx, userID); err != nil {
			s.log.Warn(err)
		}
	}
}

// PullResult groups changed entities per kind. ServerTime is computed at
// read start so updates landing mid-pull surface on the next pull.
type PullResult struct {
	Boards     []model.EntitySnapshot `json:"boards"`
	Tabs       []model.EntitySnapshot `json:"tabs"`
	Sections   []model.EntitySnapshot `json:"sections"`
	Cards      []model.EntitySnapshot `json:"cards"`
	Files      []model.EntitySnapshot `json:"files"`
	Activity   []model.EntitySnapshot `json:"activity"`
	ServerTime time.Time              `json:"server_time"`
}

// Pull returns every materialized entity of the user changed after since.
// It is read-only and safe under any number of concurrent commits. The
// Redis dirty marker short-circuits the snapshot scan when nothing changed;
// a cold or unreadable marker falls through to the store.
func (s *SyncService) Pull(ctx context.Context, userID string, since time.Time) (*PullResult, error) {
	if userID == "" {
		return nil, repo.ErrValidation
	}
	res := &PullResult{ServerTime: time.Now()}

	if dirty, err := s.repo.LastSyncDirty(ctx, userID); err == nil && !dirty.After(since) {
		return res, nil
	}

	snaps, err := s.repo.SnapshotsChangedSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		switch snap.EntityKind {
		case model.KindBoard:
			res.Boards = append(res.Boards, snap)
		case model.KindTab:
			res.Tabs = append(res.Tabs, snap)
		case model.KindSection:
			res.Sections = append(res.Sections, snap)
		case model.KindCard:
			res.Cards = append(res.Cards, snap)
		case model.KindFile:
			res.Files = append(res.Files, snap)
		case model.KindActivity:
			res.Activity = append(res.Activity, snap)
		default:
			s.log.Warnf("pull: unknown entity kind %q for entity %s", snap.EntityKind, snap.EntityID)
		}
	}
	return res, nil
}

// snapshotDoc is the slice of the payload the apply step understands; the
// rest of the document stays opaque.
type snapshotDoc struct {
	BoardID string `json:"board_id"`
}

// Compact applies the device's unprocessed operations to the entity
// snapshots, oldest first, last-writer-wins by version. An operation whose
// versionPrev no longer matches the snapshot is flagged as a conflict and
// retained in the log for audit; it is never silently applied. Applied and
// conflicted operations alike are marked processed.
func (s *SyncService) Compact(ctx context.Context, userID, deviceID string) error {
	// drop the marker before snapshots start moving: a pull racing this
	// apply falls through to the store instead of trusting a marker that
	// no longer upper-bounds the updated_at values being written
	if err := s.repo.ClearSyncDirty(ctx, userID); err != nil {
		s.log.Warn(err)
	}

	var applied, conflicts int
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		ops, err := s.repo.UnprocessedOperations(ctx, tx, userID, deviceID, compactionBatch)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := s.applyOperation(ctx, tx, &op); err != nil {
				if errors.Is(err, repo.ErrConflict) {
					conflicts++
					s.log.Warnf("compact: conflict on %s/%s op=%d", op.EntityKind, op.EntityID, op.ID)
				} else {
					return err
				}
			} else {
				applied++
			}
			if err := s.repo.MarkOperationProcessed(ctx, tx, op.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// restore the marker only after the transaction committed, stamped past
	// every updated_at just written
	s.markDirty(ctx, userID, time.Now())
	if applied > 0 {
		if err := s.notifyApplied(ctx, userID, deviceID, applied); err != nil {
			s.log.Warn(err)
		}
	}
	s.log.Infof("compact user=%s device=%s applied=%d conflicts=%d", userID, deviceID, applied, conflicts)
	return nil
}

func (s *SyncService) applyOperation(ctx context.Context, tx *gorm.DB, op *model.Operation) error {
	snap, err := s.repo.GetSnapshot(ctx, tx, op.EntityKind, op.EntityID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	var current int64
	if snap != nil {
		current = snap.Version
	}
	if op.VersionPrev != nil && *op.VersionPrev != current {
		return repo.ErrConflict
	}

	next := current + 1
	if op.VersionNext != nil {
		next = *op.VersionNext
	}

	var doc snapshotDoc
	_ = json.Unmarshal([]byte(op.Payload), &doc)

	out := &model.EntitySnapshot{
		EntityKind: op.EntityKind,
		EntityID:   op.EntityID,
		UserID:     op.UserID,
		BoardID:    doc.BoardID,
		Payload:    op.Payload,
		Version:    next,
	}
	if snap != nil && doc.BoardID == "" {
		out.BoardID = snap.BoardID
	}
	if op.OpType == "delete" {
		out.Deleted = true
		if snap != nil {
			out.Payload = snap.Payload
		}
	}
	return s.repo.UpsertSnapshot(ctx, tx, out)
}

// notifyApplied chains a notification-fanout job after a compaction run so
// other devices and watchers learn about the change.
func (s *SyncService) notifyApplied(ctx context.Context, userID, deviceID string, applied int) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
		"message":   fmt.Sprintf("%d operations applied", applied),
	})
	return s.repo.EnqueueJob(ctx, s.repo.DB(ctx), &model.WorkerJob{
		JobKind:     model.KindNotificationFanout,
		Payload:     string(payload),
		MaxAttempts: s.maxAttempts,
	})
}

// MaintenanceResult reports one retention sweep over the operation log.
type MaintenanceResult struct {
	Deleted   int64 `json:"deleted"`
	Processed int64 `json:"processed"`
}

// Maintenance deletes processed operations older than retention, plus
// unprocessed operations older than the safety floor. Unprocessed intent
// younger than the floor survives any retention setting.
func (s *SyncService) Maintenance(ctx context.Context, retention, safetyFloor time.Duration) (*MaintenanceResult, error) {
	now := time.Now()
	processed, err := s.repo.DeleteProcessedOperationsBefore(ctx, now.Add(-retention))
	if err != nil {
		return nil, err
	}
	expired, err := s.repo.DeleteExpiredOperationsBefore(ctx, now.Add(-safetyFloor))
	if err != nil {
		return nil, err
	}
	return &MaintenanceResult{Deleted: processed + expired, Processed: processed}, nil
}

// History exposes the log for a user or device, most recent first.
func (s *SyncService) History(ctx context.Context, userID, deviceID string, limit int) ([]model.Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	if deviceID != "" {
		return s.repo.OperationsByDevice(ctx, deviceID, limit)
	}
	if userID != "" {
		return s.repo.OperationsByUser(ctx, userID, limit)
	}
	return nil, repo.ErrValidation
}

// Repo exposes underlying repository (unit tests helper).
func (s *SyncService) Repo() repo.RepositoryInterface {
	return s.repo
}
