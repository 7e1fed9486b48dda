package repo

import (
	"context"
	"errors"
	"time"

	"github.com/marcusylee/board-sync-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetSnapshot loads one materialized entity row.
func (r *Repository) GetSnapshot(ctx context.Context, tx *gorm.DB, kind, id string) (*model.EntitySnapshot, error) {
	var snap model.EntitySnapshot
	err := tx.WithContext(ctx).
		Where("entity_kind = ? AND entity_id = ?", kind, id).
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &snap, nil
}

// UpsertSnapshot writes the current state of an entity, last writer wins.
func (r *Repository) UpsertSnapshot(ctx context.Context, tx *gorm.DB, snap *model.EntitySnapshot) error {
	snap.UpdatedAt = time.Now()
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entity_kind"}, {Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "board_id", "payload", "version", "deleted", "updated_at",
		}),
	}).Create(snap).Error
}

// SnapshotsChangedSince returns every row of a user's read model touched
// after the watermark, tombstones included.
func (r *Repository) SnapshotsChangedSince(ctx context.Context, userID string, since time.Time) ([]model.EntitySnapshot, error) {
	var snaps []model.EntitySnapshot
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND updated_at > ?", userID, since).
		Order("updated_at asc").
		Find(&snaps).Error
	return snaps, err
}
