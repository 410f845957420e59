package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quailyquaily/morphbridge/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"maunium.net/go/mautrix/id"
)

type Checkpoint struct {
	RoomID         id.RoomID
	Cursor         int64
	CursorEventID  string
	SyncToken      string
	CheckpointedAt time.Time
}

// Checkpoint snapshots the highest cursor committed to any session
// record in the room. It reads committed rows only, so a cursor that
// was received but never acknowledged is not reflected.
func (s *Store) Checkpoint(ctx context.Context, roomID id.RoomID, syncToken string) (Checkpoint, error) {
	if roomID == "" {
		return Checkpoint{}, fmt.Errorf("room id is required")
	}

	var top models.SessionRecord
	err := s.gdb.WithContext(ctx).
		Where("room_id = ?", string(roomID)).
		Order("cursor DESC").
		First(&top).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{}, fmt.Errorf("resume checkpoint scan %s: %w", roomID, err)
	}

	now := time.Now().UTC()
	row := models.RestartCheckpoint{
		RoomID:         string(roomID),
		Cursor:         top.Cursor,
		CursorEventID:  top.CursorEventID,
		SyncToken:      syncToken,
		CheckpointedAt: now,
	}
	res := s.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cursor", "cursor_event_id", "sync_token", "checkpointed_at", "updated_at"}),
		}).
		Create(&row)
	if res.Error != nil {
		return Checkpoint{}, fmt.Errorf("resume checkpoint write %s: %w", roomID, res.Error)
	}

	s.logger.Info("resume_checkpoint",
		"room_id", string(roomID),
		"cursor", row.Cursor,
		"cursor_event_id", row.CursorEventID,
	)
	return checkpointFromModel(row), nil
}

// LoadCheckpoint returns the prior checkpoint for the room, if any.
func (s *Store) LoadCheckpoint(ctx context.Context, roomID id.RoomID) (Checkpoint, bool, error) {
	var stored models.RestartCheckpoint
	err := s.gdb.WithContext(ctx).First(&stored, "room_id = ?", string(roomID)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("resume load_checkpoint %s: %w", roomID, err)
	}
	return checkpointFromModel(stored), true, nil
}

// CheckpointedRooms lists rooms with a prior checkpoint, for startup
// replay.
func (s *Store) CheckpointedRooms(ctx context.Context) ([]id.RoomID, error) {
	var rows []models.RestartCheckpoint
	if err := s.gdb.WithContext(ctx).Order("room_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("resume checkpointed_rooms: %w", err)
	}
	out := make([]id.RoomID, 0, len(rows))
	for _, row := range rows {
		out = append(out, id.RoomID(row.RoomID))
	}
	return out, nil
}

func checkpointFromModel(m models.RestartCheckpoint) Checkpoint {
	return Checkpoint{
		RoomID:         id.RoomID(m.RoomID),
		Cursor:         m.Cursor,
		CursorEventID:  m.CursorEventID,
		SyncToken:      m.SyncToken,
		CheckpointedAt: m.CheckpointedAt,
	}
}
