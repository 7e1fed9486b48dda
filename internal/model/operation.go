package model

import "time"

// Operation is one client-intended mutation, appended to the log at commit
// time and never updated afterwards except for the processed flag.
type Operation struct {
	ID          uint64    `gorm:"primaryKey"`
	DeviceID    string    `gorm:"size:64;not null;index"`
	UserID      string    `gorm:"size:64;not null;index"`
	EntityKind  string    `gorm:"size:32;not null;index:idx_op_entity"`
	EntityID    string    `gorm:"size:64;not null;index:idx_op_entity"`
	OpType      string    `gorm:"size:32;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	VersionPrev *int64
	VersionNext *int64
	CreatedAt   time.Time `gorm:"autoCreateTime;index:idx_op_entity"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (Operation) TableName() string { return "operation_log" }
