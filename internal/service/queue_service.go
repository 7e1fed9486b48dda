package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marcusylee/board-sync-service/internal/config"
	"github.com/marcusylee/board-sync-service/internal/model"
	"github.com/marcusylee/board-sync-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// QueueService owns job admission, the completion state machine, the stale
// lease sweep, and retention cleanup. Claiming itself lives on the
// repository so worker processes share nothing but the store.
type QueueService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
	cfg  config.QueueConfig
}

// NewQueueService returns QueueService.
func NewQueueService(r repo.RepositoryInterface, logger *zap.SugaredLogger, cfg config.QueueConfig) *QueueService {
	return &QueueService{repo: r, log: logger, cfg: cfg}
}

// Enqueue admits a new job. Zero maxAttempts falls back to the configured
// default; payload nil becomes an empty document.
func (q *QueueService) Enqueue(ctx context.Context, kind string, payload json.RawMessage, priority, maxAttempts int) (uint64, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}
	doc := string(payload)
	if doc == "" {
		doc = "{}"
	}
	job := &model.WorkerJob{
		JobKind:     kind,
		Priority:    priority,
		Payload:     doc,
		MaxAttempts: maxAttempts,
	}
	if err := q.repo.EnqueueJob(ctx, q.repo.DB(ctx), job); err != nil {
		return 0, err
	}
	return job.ID, nil
}

// Claim hands one eligible job to workerID, or nil when the queue is idle.
func (q *QueueService) Claim(ctx context.Context, workerID string) (*model.WorkerJob, error) {
	return q.repo.ClaimJob(ctx, workerID)
}

// Complete applies the worker's outcome to the job state machine:
// success moves the job to succeeded; a failure short of maxAttempts
// requeues it with exponential backoff on run_at; a failure at or past
// maxAttempts deadletters it and writes the single deadletter row. Every
// outcome appends one attempt record. A stale report (lease reclaimed or
// claimed by someone else) surfaces as repo.ErrLeaseExpired.
func (q *QueueService) Complete(ctx context.Context, jobID uint64, workerID string, jobErr error) error {
	return q.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := q.repo.GetJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		started := time.Now()
		if job.ClaimedAt != nil {
			started = *job.ClaimedAt
		}
		att := &model.WorkerJobAttempt{
			JobID:     jobID,
			Attempt:   job.Attempt,
			StartedAt: started,
		}

		if jobErr == nil {
			if err := q.repo.FinishJob(ctx, tx, jobID, workerID, model.StatusSucceeded); err != nil {
				return err
			}
			att.Outcome = model.OutcomeSuccess
			return q.repo.AppendAttempt(ctx, tx, att)
		}

		att.Outcome = model.OutcomeFailure
		att.ErrorDetail = jobErr.Error()

		if job.Attempt >= job.MaxAttempts {
			if err := q.repo.FinishJob(ctx, tx, jobID, workerID, model.StatusDeadletter); err != nil {
				return err
			}
			if err := q.repo.AppendAttempt(ctx, tx, att); err != nil {
				return err
			}
			return q.repo.CreateDeadletter(ctx, tx, &model.WorkerJobDeadletter{
				JobID:     job.ID,
				JobKind:   job.JobKind,
				Payload:   job.Payload,
				Attempts:  job.Attempt,
				LastError: jobErr.Error(),
			})
		}

		runAt := time.Now().Add(computeBackoff(job.Attempt, q.cfg.BackoffBase, q.cfg.BackoffMax))
		if err := q.repo.RequeueJob(ctx, tx, jobID, workerID, runAt); err != nil {
			return err
		}
		return q.repo.AppendAttempt(ctx, tx, att)
	})
}

// ReclaimStale returns jobs whose lease expired without a Complete call to
// the queue. The crashed attempt keeps counting toward maxAttempts: the
// claim already incremented it.
func (q *QueueService) ReclaimStale(ctx context.Context) (int64, error) {
	return q.repo.ReclaimStaleJobs(ctx, time.Now().Add(-q.cfg.LeaseTimeout))
}

// Cleanup deletes terminal jobs older than retention. Queued and running
// rows are never touched.
func (q *QueueService) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return q.repo.DeleteTerminalJobsBefore(ctx, time.Now().Add(-retention))
}

// Queued lists jobs pending execution.
func (q *QueueService) Queued(ctx context.Context) ([]model.WorkerJob, error) {
	return q.repo.QueuedJobs(ctx)
}

// Attempts lists the attempt history for one job.
func (q *QueueService) Attempts(ctx context.Context, jobID uint64) ([]model.WorkerJobAttempt, error) {
	if _, err := q.repo.GetJob(ctx, q.repo.DB(ctx), jobID); err != nil {
		return nil, err
	}
	return q.repo.JobAttempts(ctx, jobID)
}

// Deadletters lists jobs that exhausted their attempts.
func (q *QueueService) Deadletters(ctx context.Context) ([]model.WorkerJobDeadletter, error) {
	return q.repo.Deadletters(ctx)
}
