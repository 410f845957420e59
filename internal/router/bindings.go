package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/db/models"
)

const (
	TriggerAll      = "all"
	TriggerMentions = "mentions"
)

// Binding is a room's standing routing configuration: which engine
// handles new conversations, the working context handed to the engine,
// and whether the room reacts to every message or only to mentions.
type Binding struct {
	RoomID        id.RoomID
	DefaultEngine string
	Project       string
	Branch        string
	TriggerMode   string
}

func (b Binding) validate() error {
	if b.RoomID == "" {
		return fmt.Errorf("room id is required")
	}
	switch b.TriggerMode {
	case "", TriggerAll, TriggerMentions:
	default:
		return fmt.Errorf("trigger mode %q is invalid", b.TriggerMode)
	}
	return nil
}

// Bindings persists per-room routing configuration. Admin commands
// mutate it at runtime; the router reads it on every resolution miss.
type Bindings struct {
	gdb *gorm.DB
}

func NewBindings(gdb *gorm.DB) (*Bindings, error) {
	if gdb == nil {
		return nil, fmt.Errorf("bindings store requires a db")
	}
	return &Bindings{gdb: gdb}, nil
}

func (b *Bindings) Get(ctx context.Context, roomID id.RoomID) (Binding, bool, error) {
	var row models.RoomBinding
	err := b.gdb.WithContext(ctx).First(&row, "room_id = ?", string(roomID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, fmt.Errorf("binding get %s: %w", roomID, err)
	}
	return bindingFromModel(row), true, nil
}

func (b *Bindings) Put(ctx context.Context, binding Binding) error {
	if err := binding.validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	row := models.RoomBinding{
		RoomID:        string(binding.RoomID),
		DefaultEngine: strings.TrimSpace(binding.DefaultEngine),
		Project:       strings.TrimSpace(binding.Project),
		Branch:        strings.TrimSpace(binding.Branch),
		TriggerMode:   binding.TriggerMode,
		UpdatedAt:     now,
	}
	err := b.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"default_engine", "project", "branch", "trigger_mode", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("binding put %s: %w", binding.RoomID, err)
	}
	return nil
}

func (b *Bindings) List(ctx context.Context) ([]Binding, error) {
	var rows []models.RoomBinding
	if err := b.gdb.WithContext(ctx).Order("room_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("binding list: %w", err)
	}
	out := make([]Binding, 0, len(rows))
	for _, row := range rows {
		out = append(out, bindingFromModel(row))
	}
	return out, nil
}

func bindingFromModel(m models.RoomBinding) Binding {
	mode := m.TriggerMode
	if mode == "" {
		mode = TriggerAll
	}
	return Binding{
		RoomID:        id.RoomID(m.RoomID),
		DefaultEngine: m.DefaultEngine,
		Project:       m.Project,
		Branch:        m.Branch,
		TriggerMode:   mode,
	}
}
