package repo

import (
	"context"
	"errors"
	"time"

	"github.com/marcusylee/board-sync-service/internal/model"
	"gorm.io/gorm"
)

// AppendOperation inserts one operation row. The insert is atomic; a row is
// either fully persisted or not at all.
func (r *Repository) AppendOperation(ctx context.Context, tx *gorm.DB, op *model.Operation) error {
	if op.EntityID == "" || op.OpType == "" {
		return ErrValidation
	}
	return tx.WithContext(ctx).Create(op).Error
}

// OperationsByUser lists a user's operations, most recent first.
func (r *Repository) OperationsByUser(ctx context.Context, userID string, limit int) ([]model.Operation, error) {
	var ops []model.Operation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

// OperationsByDevice lists a device's operations, most recent first.
func (r *Repository) OperationsByDevice(ctx context.Context, deviceID string, limit int) ([]model.Operation, error) {
	var ops []model.Operation
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at desc").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

// OperationsSince returns operations in replay order (created_at ascending).
func (r *Repository) OperationsSince(ctx context.Context, since time.Time) ([]model.Operation, error) {
	var ops []model.Operation
	err := r.db.WithContext(ctx).
		Where("created_at > ?", since).
		Order("created_at asc").
		Find(&ops).Error
	return ops, err
}

// UnprocessedOperations feeds the compaction handler, oldest first.
func (r *Repository) UnprocessedOperations(ctx context.Context, tx *gorm.DB, userID, deviceID string, limit int) ([]model.Operation, error) {
	var ops []model.Operation
	err := tx.WithContext(ctx).
		Where("user_id = ? AND device_id = ? AND processed = ?", userID, deviceID, false).
		Order("created_at asc").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

// MarkOperationProcessed sets the processed flag. Marking an already
// processed operation is a no-op success; an unknown id is ErrNotFound.
func (r *Repository) MarkOperationProcessed(ctx context.Context, tx *gorm.DB, id uint64) error {
	now := time.Now()
	res := tx.WithContext(ctx).Model(&model.Operation{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var op model.Operation
		if err := tx.WithContext(ctx).Select("id").First(&op, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
	}
	return nil
}

// DeleteProcessedOperationsBefore removes consumed operations older than cutoff.
func (r *Repository) DeleteProcessedOperationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", true, cutoff).
		Delete(&model.Operation{})
	return res.RowsAffected, res.Error
}

// DeleteExpiredOperationsBefore removes unprocessed operations older than the
// safety floor. Unprocessed intent younger than the floor is never touched.
func (r *Repository) DeleteExpiredOperationsBefore(ctx context.Context, floor time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", false, floor).
		Delete(&model.Operation{})
	return res.RowsAffected, res.Error
}
