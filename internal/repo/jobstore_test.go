package repo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcusylee/board-sync-service/internal/model"
	"github.com/stretchr/testify/assert"
)

func enqueueTestJob(t *testing.T, r *Repository, kind string, priority int, runAt time.Time) *model.WorkerJob {
	job := &model.WorkerJob{
		JobKind:     kind,
		Priority:    priority,
		RunAt:       runAt,
		Payload:     "{}",
		MaxAttempts: 3,
	}
	assert.NoError(t, r.EnqueueJob(context.Background(), r.DB(context.Background()), job))
	return job
}

func TestClaimJob_Exclusivity(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	ready := 2
	for i := 0; i < ready; i++ {
		enqueueTestJob(t, r, model.KindSyncCompaction, 0, time.Now().Add(-time.Second))
	}

	workers := 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := map[uint64]string{}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := r.ClaimJob(ctx, fmt.Sprintf("worker-%d", n))
			assert.NoError(t, err)
			if job == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := claimed[job.ID]
			assert.False(t, dup, "job %d claimed twice", job.ID)
			claimed[job.ID] = *job.ClaimedBy
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, ready, "exactly min(workers, ready) distinct claims")

	// queue drained: further claims come back empty
	job, err := r.ClaimJob(ctx, "late-worker")
	assert.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimJob_OrderAndEligibility(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	low := enqueueTestJob(t, r, model.KindSyncCompaction, 0, time.Now().Add(-2*time.Second))
	high := enqueueTestJob(t, r, model.KindSyncCompaction, 5, time.Now().Add(-time.Second))
	enqueueTestJob(t, r, model.KindSyncCompaction, 9, time.Now().Add(time.Hour)) // not due yet

	first, err := r.ClaimJob(ctx, "w1")
	assert.NoError(t, err)
	assert.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID, "highest priority due job first")
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, model.StatusRunning, first.Status)

	second, err := r.ClaimJob(ctx, "w1")
	assert.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)

	third, err := r.ClaimJob(ctx, "w1")
	assert.NoError(t, err)
	assert.Nil(t, third, "scheduled job is not yet eligible")
}

func TestFinishJob_LeaseGuard(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	enqueueTestJob(t, r, model.KindSyncCompaction, 0, time.Now().Add(-time.Second))
	job, err := r.ClaimJob(ctx, "w1")
	assert.NoError(t, err)
	assert.NotNil(t, job)

	assert.ErrorIs(t, r.FinishJob(ctx, db, job.ID, "w2", model.StatusSucceeded), ErrLeaseExpired)
	assert.NoError(t, r.FinishJob(ctx, db, job.ID, "w1", model.StatusSucceeded))

	// once terminal, even the owner's report is stale
	assert.ErrorIs(t, r.FinishJob(ctx, db, job.ID, "w1", model.StatusSucceeded), ErrLeaseExpired)
}

func TestReclaimStaleJobs(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	enqueueTestJob(t, r, model.KindSyncCompaction, 0, time.Now().Add(-time.Second))
	job, err := r.ClaimJob(ctx, "w1")
	assert.NoError(t, err)
	assert.NotNil(t, job)
	assert.Equal(t, 1, job.Attempt)

	// age the lease past the timeout
	assert.NoError(t, db.Model(&model.WorkerJob{}).Where("id = ?", job.ID).
		Update("claimed_at", time.Now().Add(-time.Minute)).Error)

	n, err := r.ReclaimStaleJobs(ctx, time.Now().Add(-30*time.Second))
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var got model.WorkerJob
	assert.NoError(t, db.First(&got, job.ID).Error)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Nil(t, got.ClaimedBy)
	assert.Equal(t, 1, got.Attempt, "crashed attempt still counts")

	// fresh leases survive the sweep
	again, err := r.ClaimJob(ctx, "w2")
	assert.NoError(t, err)
	assert.NotNil(t, again)
	n, err = r.ReclaimStaleJobs(ctx, time.Now().Add(-30*time.Second))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteTerminalJobsBefore_ProtectsLiveRows(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	queued := enqueueTestJob(t, r, model.KindSyncCompaction, 0, time.Now().Add(-time.Second))
	running := enqueueTestJob(t, r, model.KindSyncCompaction, 0, time.Now().Add(-time.Second))
	done := enqueueTestJob(t, r, model.KindSyncCompaction, 0, time.Now().Add(-time.Second))
	dead := enqueueTestJob(t, r, model.KindSyncCompaction, 0, time.Now().Add(-time.Second))

	old := time.Now().Add(-30 * 24 * time.Hour)
	for _, j := range []*model.WorkerJob{queued, running, done, dead} {
		assert.NoError(t, db.Model(&model.WorkerJob{}).Where("id = ?", j.ID).
			Update("created_at", old).Error)
	}
	assert.NoError(t, db.Model(&model.WorkerJob{}).Where("id = ?", running.ID).
		Update("status", model.StatusRunning).Error)
	assert.NoError(t, db.Model(&model.WorkerJob{}).Where("id = ?", done.ID).
		Update("status", model.StatusSucceeded).Error)
	assert.NoError(t, db.Model(&model.WorkerJob{}).Where("id = ?", dead.ID).
		Update("status", model.StatusDeadletter).Error)

	n, err := r.DeleteTerminalJobsBefore(ctx, time.Now().Add(-7*24*time.Hour))
	assert.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var remaining []model.WorkerJob
	assert.NoError(t, db.Find(&remaining).Error)
	assert.Len(t, remaining, 2)
	for _, j := range remaining {
		assert.Contains(t, []string{model.StatusQueued, model.StatusRunning}, j.Status,
			"queued and running rows are never deleted")
	}
}
