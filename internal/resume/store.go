package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quailyquaily/morphbridge/db/models"
	"github.com/quailyquaily/morphbridge/internal/bus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"maunium.net/go/mautrix/id"
)

var (
	ErrCursorRegression = errors.New("resume: cursor regression")
	ErrNotFound         = errors.New("resume: record not found")
)

// Store is the durable mapping from (room, anchor) to the owning
// engine session, plus per-room restart checkpoints. Every mutation
// commits before returning, so anything acknowledged to a caller is
// recoverable after a crash.
type Store struct {
	gdb    *gorm.DB
	logger *slog.Logger
}

type Record struct {
	RoomID        id.RoomID
	Anchor        bus.Anchor
	EngineID      string
	SessionID     string
	Cursor        int64
	CursorEventID string
	LastActivity  time.Time
}

func NewStore(gdb *gorm.DB, logger *slog.Logger) (*Store, error) {
	if gdb == nil {
		return nil, fmt.Errorf("resume store requires a db")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{gdb: gdb, logger: logger}, nil
}

// GetOrCreate returns the live record for (room, anchor), creating it
// with the given engine and session id when none exists. Creation is
// atomic under concurrent first touch: the insert uses ON CONFLICT DO
// NOTHING, so exactly one caller wins and everyone reads the winner's
// row. The bool reports whether this call created the record.
func (s *Store) GetOrCreate(ctx context.Context, roomID id.RoomID, anchor bus.Anchor, engineID, sessionID string) (Record, bool, error) {
	key, err := bus.BuildAnchorKey(roomID, anchor)
	if err != nil {
		return Record{}, false, err
	}
	if strings.TrimSpace(engineID) == "" {
		return Record{}, false, fmt.Errorf("engine id is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return Record{}, false, fmt.Errorf("session id is required")
	}

	now := time.Now().UTC()
	row := models.SessionRecord{
		AnchorKey:    key,
		RoomID:       string(roomID),
		Anchor:       string(anchor),
		EngineID:     engineID,
		SessionID:    sessionID,
		LastActivity: now,
	}
	res := s.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return Record{}, false, fmt.Errorf("resume get_or_create %s: %w", key, res.Error)
	}
	created := res.RowsAffected > 0

	var stored models.SessionRecord
	if err := s.gdb.WithContext(ctx).First(&stored, "anchor_key = ?", key).Error; err != nil {
		return Record{}, false, fmt.Errorf("resume get_or_create read back %s: %w", key, err)
	}
	return recordFromModel(stored), created, nil
}

// Get returns the record for (room, anchor) or ErrNotFound.
func (s *Store) Get(ctx context.Context, roomID id.RoomID, anchor bus.Anchor) (Record, error) {
	key, err := bus.BuildAnchorKey(roomID, anchor)
	if err != nil {
		return Record{}, err
	}
	var stored models.SessionRecord
	if err := s.gdb.WithContext(ctx).First(&stored, "anchor_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("resume get %s: %w", key, err)
	}
	return recordFromModel(stored), nil
}

// AdvanceCursor moves the record's cursor forward. A cursor that does
// not move forward is rejected with ErrCursorRegression and logged;
// that is the duplicate-replay guard, not a crash condition.
func (s *Store) AdvanceCursor(ctx context.Context, roomID id.RoomID, anchor bus.Anchor, cursor int64, eventID id.EventID) error {
	key, err := bus.BuildAnchorKey(roomID, anchor)
	if err != nil {
		return err
	}
	if cursor <= 0 {
		return fmt.Errorf("cursor must be > 0")
	}
	now := time.Now().UTC()
	res := s.gdb.WithContext(ctx).
		Model(&models.SessionRecord{}).
		Where("anchor_key = ? AND cursor < ?", key, cursor).
		Updates(map[string]any{
			"cursor":          cursor,
			"cursor_event_id": string(eventID),
			"last_activity":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("resume advance_cursor %s: %w", key, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var stored models.SessionRecord
	if err := s.gdb.WithContext(ctx).First(&stored, "anchor_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("resume advance_cursor read back %s: %w", key, err)
	}
	s.logger.Warn("resume_cursor_regression",
		"anchor_key", key,
		"stored_cursor", stored.Cursor,
		"rejected_cursor", cursor,
		"rejected_event_id", string(eventID),
	)
	return fmt.Errorf("%w: %s: stored %d, got %d", ErrCursorRegression, key, stored.Cursor, cursor)
}

// ClearSession removes the record for (room, anchor) so the next event
// in the anchor starts a fresh engine session. Missing records are not
// an error.
func (s *Store) ClearSession(ctx context.Context, roomID id.RoomID, anchor bus.Anchor) error {
	key, err := bus.BuildAnchorKey(roomID, anchor)
	if err != nil {
		return err
	}
	if err := s.gdb.WithContext(ctx).Delete(&models.SessionRecord{}, "anchor_key = ?", key).Error; err != nil {
		return fmt.Errorf("resume clear_session %s: %w", key, err)
	}
	return nil
}

// MaxCursor returns the highest cursor committed to any record in the
// room, 0 when the room has none. Used to seed cursor assignment after
// a restart so new cursors never collide with committed ones.
func (s *Store) MaxCursor(ctx context.Context, roomID id.RoomID) (int64, error) {
	if roomID == "" {
		return 0, fmt.Errorf("room id is required")
	}
	var top models.SessionRecord
	err := s.gdb.WithContext(ctx).
		Where("room_id = ?", string(roomID)).
		Order("cursor DESC").
		First(&top).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resume max_cursor %s: %w", roomID, err)
	}
	return top.Cursor, nil
}

// CommittedEventIDs returns the latest committed event id of every
// record in the room. Replay consults it so a stale window never
// re-invokes the engine for an event some anchor already answered.
func (s *Store) CommittedEventIDs(ctx context.Context, roomID id.RoomID) (map[id.EventID]struct{}, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	var rows []models.SessionRecord
	err := s.gdb.WithContext(ctx).
		Where("room_id = ? AND cursor_event_id <> ''", string(roomID)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("resume committed_event_ids %s: %w", roomID, err)
	}
	out := make(map[id.EventID]struct{}, len(rows))
	for _, row := range rows {
		out[id.EventID(row.CursorEventID)] = struct{}{}
	}
	return out, nil
}

// SessionCount reports live records, optionally scoped to one room.
func (s *Store) SessionCount(ctx context.Context, roomID id.RoomID) (int64, error) {
	q := s.gdb.WithContext(ctx).Model(&models.SessionRecord{})
	if roomID != "" {
		q = q.Where("room_id = ?", string(roomID))
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("resume session_count: %w", err)
	}
	return n, nil
}

func recordFromModel(m models.SessionRecord) Record {
	return Record{
		RoomID:        id.RoomID(m.RoomID),
		Anchor:        bus.Anchor(m.Anchor),
		EngineID:      m.EngineID,
		SessionID:     m.SessionID,
		Cursor:        m.Cursor,
		CursorEventID: m.CursorEventID,
		LastActivity:  m.LastActivity,
	}
}
