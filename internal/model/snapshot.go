package model

import "time"

// Entity kinds served by the pull snapshot.
const (
	KindBoard    = "board"
	KindTab      = "tab"
	KindSection  = "section"
	KindCard     = "card"
	KindFile     = "file"
	KindActivity = "activity"
)

// EntitySnapshot is the materialized read model one row per live entity.
// Compaction applies the operation log to it last-writer-wins by Version;
// Pull serves changed rows straight from it. Deletes are tombstoned so
// offline devices learn about removals.
type EntitySnapshot struct {
	EntityKind string    `gorm:"size:32;not null;primaryKey"`
	EntityID   string    `gorm:"size:64;not null;primaryKey"`
	UserID     string    `gorm:"size:64;not null;index:idx_snap_pull"`
	BoardID    string    `gorm:"size:64"`
	Payload    string    `gorm:"type:jsonb;not null"`
	Version    int64     `gorm:"not null;default:0"`
	Deleted    bool      `gorm:"not null;default:false"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime;index:idx_snap_pull"`
}

func (EntitySnapshot) TableName() string { return "entity_snapshot" }
