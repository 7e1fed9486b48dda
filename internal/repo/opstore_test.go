package repo

import (
	"context"
	"testing"
	"time"

	"github.com/marcusylee/board-sync-service/internal/logger"
	"github.com/marcusylee/board-sync-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(
		&model.Operation{},
		&model.WorkerJob{},
		&model.WorkerJobAttempt{},
		&model.WorkerJobDeadletter{},
		&model.EntitySnapshot{},
	))
	return NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger("error"))), db
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func TestAppendOperation_Validation(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	err := r.AppendOperation(ctx, db, &model.Operation{
		UserID: "u1", DeviceID: "d1", EntityKind: "card", OpType: "create", Payload: "{}",
	})
	assert.ErrorIs(t, err, ErrValidation) // missing entity id

	err = r.AppendOperation(ctx, db, &model.Operation{
		UserID: "u1", DeviceID: "d1", EntityKind: "card", EntityID: "c1", Payload: "{}",
	})
	assert.ErrorIs(t, err, ErrValidation) // missing op type

	op := &model.Operation{
		UserID: "u1", DeviceID: "d1", EntityKind: "card", EntityID: "c1", OpType: "create", Payload: "{}",
	}
	assert.NoError(t, r.AppendOperation(ctx, db, op))
	assert.NotZero(t, op.ID)
}

func TestMarkOperationProcessed_Idempotent(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	op := &model.Operation{
		UserID: "u1", DeviceID: "d1", EntityKind: "card", EntityID: "c1", OpType: "create", Payload: "{}",
	}
	assert.NoError(t, r.AppendOperation(ctx, db, op))

	assert.NoError(t, r.MarkOperationProcessed(ctx, db, op.ID))
	// second mark is a no-op success
	assert.NoError(t, r.MarkOperationProcessed(ctx, db, op.ID))

	var got model.Operation
	assert.NoError(t, db.First(&got, op.ID).Error)
	assert.True(t, got.Processed)
	assert.NotNil(t, got.ProcessedAt)

	assert.ErrorIs(t, r.MarkOperationProcessed(ctx, db, 9999), ErrNotFound)
}

func TestOperationQueries_Ordering(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		op := &model.Operation{
			UserID: "u1", DeviceID: "d1", EntityKind: "card", EntityID: "c1", OpType: "update", Payload: "{}",
		}
		assert.NoError(t, r.AppendOperation(ctx, db, op))
		// spread created_at so ordering is observable
		assert.NoError(t, db.Model(op).Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
	}

	since, err := r.OperationsSince(ctx, base.Add(-time.Minute))
	assert.NoError(t, err)
	assert.Len(t, since, 3)
	assert.True(t, since[0].CreatedAt.Before(since[2].CreatedAt), "replay order is oldest first")

	byUser, err := r.OperationsByUser(ctx, "u1", 10)
	assert.NoError(t, err)
	assert.Len(t, byUser, 3)
	assert.True(t, byUser[0].CreatedAt.After(byUser[2].CreatedAt), "listing is most recent first")
}

func TestOperationRetention_SafetyFloor(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	mk := func(age time.Duration, processed bool) uint64 {
		op := &model.Operation{
			UserID: "u1", DeviceID: "d1", EntityKind: "card", EntityID: "c1", OpType: "update",
			Payload: "{}", Processed: processed,
		}
		assert.NoError(t, db.Create(op).Error)
		assert.NoError(t, db.Model(op).Updates(map[string]interface{}{
			"created_at": time.Now().Add(-age),
			"processed":  processed,
		}).Error)
		return op.ID
	}

	oldProcessed := mk(40*24*time.Hour, true)
	oldUnprocessed := mk(40*24*time.Hour, false)
	ancientUnprocessed := mk(100*24*time.Hour, false)
	young := mk(time.Hour, false)

	n, err := r.DeleteProcessedOperationsBefore(ctx, time.Now().Add(-30*24*time.Hour))
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = r.DeleteExpiredOperationsBefore(ctx, time.Now().Add(-90*24*time.Hour))
	assert.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var remaining []model.Operation
	assert.NoError(t, db.Find(&remaining).Error)
	ids := map[uint64]bool{}
	for _, op := range remaining {
		ids[op.ID] = true
	}
	assert.False(t, ids[oldProcessed])
	assert.False(t, ids[ancientUnprocessed])
	assert.True(t, ids[oldUnprocessed], "unprocessed intent younger than the floor survives")
	assert.True(t, ids[young])
}
