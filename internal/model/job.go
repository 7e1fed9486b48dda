package model

import "time"

// Job states. A job is claimable only in StatusQueued; StatusSucceeded and
// StatusDeadletter are terminal. A failed attempt either requeues the job
// or deadletters it, so failure at rest lives in the attempt record.
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusDeadletter = "deadletter"
)

// Attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Job kinds handled by the dispatcher.
const (
	KindSyncCompaction     = "sync-compaction"
	KindNotificationFanout = "notification-fanout"
)

type WorkerJob struct {
	ID          uint64    `gorm:"primaryKey"`
	JobKind     string    `gorm:"size:64;not null"`
	Priority    int       `gorm:"not null;default:0;index:idx_job_claim"`
	RunAt       time.Time `gorm:"not null;index:idx_job_claim"`
	Payload     string    `gorm:"type:jsonb;not null"`
	Status      string    `gorm:"size:16;not null;default:'queued';index:idx_job_claim"`
	Attempt     int       `gorm:"not null;default:0"`
	MaxAttempts int       `gorm:"not null"`
	ClaimedBy   *string   `gorm:"size:64"`
	ClaimedAt   *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (WorkerJob) TableName() string { return "worker_job" }

// WorkerJobAttempt records one execution attempt. Insert-only.
type WorkerJobAttempt struct {
	ID          uint64    `gorm:"primaryKey"`
	JobID       uint64    `gorm:"not null;index"`
	Attempt     int       `gorm:"not null"`
	Outcome     string    `gorm:"size:16;not null"`
	ErrorDetail string
	StartedAt   time.Time
	FinishedAt  time.Time `gorm:"autoCreateTime"`
}

func (WorkerJobAttempt) TableName() string { return "worker_job_attempt" }

// WorkerJobDeadletter is the terminal record for a job that exhausted its
// attempts. At most one row per job.
type WorkerJobDeadletter struct {
	ID        uint64    `gorm:"primaryKey"`
	JobID     uint64    `gorm:"not null;uniqueIndex"`
	JobKind   string    `gorm:"size:64;not null"`
	Payload   string    `gorm:"type:jsonb;not null"`
	Attempts  int       `gorm:"not null"`
	LastError string
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (WorkerJobDeadletter) TableName() string { return "worker_job_deadletter" }
