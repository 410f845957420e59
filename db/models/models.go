package models

import "time"

// SessionRecord binds a (room, anchor) pair to the engine session that
// owns the conversation. AnchorKey is bus.BuildAnchorKey(room, anchor)
// and is the unit of atomic read-modify-write.
type SessionRecord struct {
	AnchorKey     string `gorm:"primaryKey;size:512"`
	RoomID        string `gorm:"index;size:255;not null"`
	Anchor        string `gorm:"size:255;not null"`
	EngineID      string `gorm:"size:64;not null"`
	SessionID     string `gorm:"size:64;not null"`
	Cursor        int64  `gorm:"not null;default:0"`
	CursorEventID string `gorm:"size:255"`
	LastActivity  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RestartCheckpoint records the highest committed cursor per room at
// shutdown, bounding the replay window on the next startup.
type RestartCheckpoint struct {
	RoomID         string `gorm:"primaryKey;size:255"`
	Cursor         int64  `gorm:"not null;default:0"`
	CursorEventID  string `gorm:"size:255"`
	SyncToken      string `gorm:"size:512"`
	CheckpointedAt time.Time
	UpdatedAt      time.Time
}

// RoomBinding is the durable per-room configuration mutable at runtime
// by admin commands: default engine, project key, trigger mode.
type RoomBinding struct {
	RoomID        string `gorm:"primaryKey;size:255"`
	DefaultEngine string `gorm:"size:64"`
	Project       string `gorm:"size:255"`
	Branch        string `gorm:"size:255"`
	TriggerMode   string `gorm:"size:16"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
