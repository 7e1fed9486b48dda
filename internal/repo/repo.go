package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/marcusylee/board-sync-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrValidation is returned for a malformed operation or job descriptor.
var ErrValidation = errors.New("validation failed")

// ErrNotFound is returned when a referenced operation or job id does not exist.
var ErrNotFound = errors.New("not found")

// ErrLeaseExpired is returned when a worker reports completion after its
// lease was reclaimed. Callers treat it as a stale report, not a hard failure.
var ErrLeaseExpired = errors.New("lease expired")

// ErrConflict marks an operation whose versionPrev no longer matches the
// entity's current version at apply time.
var ErrConflict = errors.New("version conflict")

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	// operation log
	AppendOperation(ctx context.Context, tx *gorm.DB, op *model.Operation) error
	OperationsByUser(ctx context.Context, userID string, limit int) ([]model.Operation, error)
	OperationsByDevice(ctx context.Context, deviceID string, limit int) ([]model.Operation, error)
	OperationsSince(ctx context.Context, since time.Time) ([]model.Operation, error)
	UnprocessedOperations(ctx context.Context, tx *gorm.DB, userID, deviceID string, limit int) ([]model.Operation, error)
	MarkOperationProcessed(ctx context.Context, tx *gorm.DB, id uint64) error
	DeleteProcessedOperationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredOperationsBefore(ctx context.Context, floor time.Time) (int64, error)

	// entity snapshots
	GetSnapshot(ctx context.Context, tx *gorm.DB, kind, id string) (*model.EntitySnapshot, error)
	UpsertSnapshot(ctx context.Context, tx *gorm.DB, snap *model.EntitySnapshot) error
	SnapshotsChangedSince(ctx context.Context, userID string, since time.Time) ([]model.EntitySnapshot, error)

	// job queue
	EnqueueJob(ctx context.Context, tx *gorm.DB, job *model.WorkerJob) error
	GetJob(ctx context.Context, tx *gorm.DB, id uint64) (*model.WorkerJob, error)
	ClaimJob(ctx context.Context, workerID string) (*model.WorkerJob, error)
	FinishJob(ctx context.Context, tx *gorm.DB, id uint64, workerID, status string) error
	RequeueJob(ctx context.Context, tx *gorm.DB, id uint64, workerID string, runAt time.Time) error
	AppendAttempt(ctx context.Context, tx *gorm.DB, att *model.WorkerJobAttempt) error
	CreateDeadletter(ctx context.Context, tx *gorm.DB, dl *model.WorkerJobDeadletter) error
	ReclaimStaleJobs(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueuedJobs(ctx context.Context) ([]model.WorkerJob, error)
	JobAttempts(ctx context.Context, jobID uint64) ([]model.WorkerJobAttempt, error)
	Deadletters(ctx context.Context) ([]model.WorkerJobDeadletter, error)

	// side channels
	PublishActivity(ctx context.Context, key string, payload []byte) error
	MarkSyncDirty(ctx context.Context, userID string, at time.Time) error
	ClearSyncDirty(ctx context.Context, userID string) error
	LastSyncDirty(ctx context.Context, userID string) (time.Time, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// PublishActivity sends one board-activity message to Kafka.
func (r *Repository) PublishActivity(ctx context.Context, key string, payload []byte) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

const dirtyMarkerTTLSeconds int64 = 86400

// markDirtyLua advances the marker only forward. A late write carrying an
// older timestamp (a slow commit racing a compaction) must never regress
// the marker below snapshot updated_at values already committed.
const markDirtyLua = `local cur = tonumber(redis.call('GET', KEYS[1]))
local nxt = tonumber(ARGV[1])
if cur and cur >= nxt then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1`

// MarkSyncDirty records the last time a user's data changed, in unix
// nanoseconds. Pull uses it to skip the snapshot scan when nothing moved
// since the client's watermark. Advance-only.
func (r *Repository) MarkSyncDirty(ctx context.Context, userID string, at time.Time) error {
	return r.rdb.Eval(ctx, markDirtyLua,
		[]string{fmt.Sprintf("sync:dirty:%s", userID)},
		at.UnixNano(), dirtyMarkerTTLSeconds).Err()
}

// ClearSyncDirty drops the marker so a stale value can never report a user
// as clean. Called before snapshots start moving and when a marker write
// fails mid-update.
func (r *Repository) ClearSyncDirty(ctx context.Context, userID string) error {
	return r.rdb.Del(ctx, fmt.Sprintf("sync:dirty:%s", userID)).Err()
}

// LastSyncDirty reads the dirty marker. redis.Nil bubbles up on a cold key.
func (r *Repository) LastSyncDirty(ctx context.Context, userID string) (time.Time, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("sync:dirty:%s", userID)).Result()
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}
