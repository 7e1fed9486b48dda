package repo

import (
	"context"
	"errors"
	"time"

	"github.com/marcusylee/board-sync-service/internal/model"
	"gorm.io/gorm"
)

// claimRetries bounds how many candidate scans a single Claim call makes
// when it keeps losing the conditional update race.
const claimRetries = 3

// EnqueueJob inserts a new queued job.
func (r *Repository) EnqueueJob(ctx context.Context, tx *gorm.DB, job *model.WorkerJob) error {
	if job.JobKind == "" {
		return ErrValidation
	}
	if job.Status == "" {
		job.Status = model.StatusQueued
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	return tx.WithContext(ctx).Create(job).Error
}

// GetJob loads one job row.
func (r *Repository) GetJob(ctx context.Context, tx *gorm.DB, id uint64) (*model.WorkerJob, error) {
	var job model.WorkerJob
	if err := tx.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ClaimJob atomically moves one eligible job to running for workerID.
// Eligibility is status=queued and run_at due; candidates are taken highest
// priority first, oldest run_at first. The transition is a conditional
// update guarded on status so two workers never claim the same row; the
// loser of the race rescans for the next candidate. Returns nil, nil when
// no job is eligible.
func (r *Repository) ClaimJob(ctx context.Context, workerID string) (*model.WorkerJob, error) {
	for i := 0; i < claimRetries; i++ {
		now := time.Now()
		var job model.WorkerJob
		err := r.db.WithContext(ctx).
			Where("status = ? AND run_at <= ?", model.StatusQueued, now).
			Order("priority desc, run_at asc").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res := r.db.WithContext(ctx).Model(&model.WorkerJob{}).
			Where("id = ? AND status = ?", job.ID, model.StatusQueued).
			Updates(map[string]interface{}{
				"status":     model.StatusRunning,
				"claimed_by": workerID,
				"claimed_at": now,
				"attempt":    gorm.Expr("attempt + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// another worker won this row
			continue
		}
		job.Status = model.StatusRunning
		job.ClaimedBy = &workerID
		job.ClaimedAt = &now
		job.Attempt++
		job.UpdatedAt = now
		return &job, nil
	}
	return nil, nil
}

// FinishJob moves a running job to a terminal status. Guarded on the claim
// owner: a stale worker whose lease was reclaimed gets ErrLeaseExpired.
func (r *Repository) FinishJob(ctx context.Context, tx *gorm.DB, id uint64, workerID, status string) error {
	res := tx.WithContext(ctx).Model(&model.WorkerJob{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, model.StatusRunning, workerID).
		Updates(map[string]interface{}{
			"status":     status,
			"claimed_by": nil,
			"claimed_at": nil,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseExpired
	}
	return nil
}

// RequeueJob returns a failed job to the queue with a delayed run_at.
func (r *Repository) RequeueJob(ctx context.Context, tx *gorm.DB, id uint64, workerID string, runAt time.Time) error {
	res := tx.WithContext(ctx).Model(&model.WorkerJob{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, model.StatusRunning, workerID).
		Updates(map[string]interface{}{
			"status":     model.StatusQueued,
			"run_at":     runAt,
			"claimed_by": nil,
			"claimed_at": nil,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseExpired
	}
	return nil
}

// AppendAttempt records one execution attempt.
func (r *Repository) AppendAttempt(ctx context.Context, tx *gorm.DB, att *model.WorkerJobAttempt) error {
	return tx.WithContext(ctx).Create(att).Error
}

// CreateDeadletter writes the terminal record for an exhausted job.
func (r *Repository) CreateDeadletter(ctx context.Context, tx *gorm.DB, dl *model.WorkerJobDeadletter) error {
	return tx.WithContext(ctx).Create(dl).Error
}

// ReclaimStaleJobs returns crashed workers' jobs to the queue. The attempt
// counter is not touched here: the claim that went stale already counted it.
func (r *Repository) ReclaimStaleJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.WorkerJob{}).
		Where("status = ? AND claimed_at < ?", model.StatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":     model.StatusQueued,
			"run_at":     time.Now(),
			"claimed_by": nil,
			"claimed_at": nil,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// DeleteTerminalJobsBefore removes succeeded and deadlettered jobs older than
// cutoff. Queued and running rows are never deleted regardless of age.
func (r *Repository) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{model.StatusSucceeded, model.StatusDeadletter}, cutoff).
		Delete(&model.WorkerJob{})
	return res.RowsAffected, res.Error
}

// QueuedJobs lists jobs pending execution, claim order.
func (r *Repository) QueuedJobs(ctx context.Context) ([]model.WorkerJob, error) {
	var jobs []model.WorkerJob
	err := r.db.WithContext(ctx).
		Where("status = ?", model.StatusQueued).
		Order("priority desc, run_at asc").
		Find(&jobs).Error
	return jobs, err
}

// JobAttempts lists the attempt history for one job.
func (r *Repository) JobAttempts(ctx context.Context, jobID uint64) ([]model.WorkerJobAttempt, error) {
	var atts []model.WorkerJobAttempt
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("attempt asc").
		Find(&atts).Error
	return atts, err
}

// Deadletters lists terminal failed jobs, most recent first.
func (r *Repository) Deadletters(ctx context.Context) ([]model.WorkerJobDeadletter, error) {
	var dls []model.WorkerJobDeadletter
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Find(&dls).Error
	return dls, err
}
