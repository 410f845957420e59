package bus

import (
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"
)

type EventKind string

const (
	KindMessage    EventKind = "message"
	KindEdit       EventKind = "edit"
	KindReply      EventKind = "reply"
	KindReaction   EventKind = "reaction"
	KindMembership EventKind = "membership-change"
)

type EncryptionStatus string

const (
	EncryptionPlaintext EncryptionStatus = "plaintext"
	EncryptionPending   EncryptionStatus = "encrypted-pending"
	EncryptionReady     EncryptionStatus = "encrypted-ready"
	EncryptionFailed    EncryptionStatus = "decrypt-failed"
)

// Event is the canonical shape every raw protocol event is reduced to
// before routing. Cursor is assigned by the runtime in per-room arrival
// order; zero means not yet sequenced.
type Event struct {
	ID            id.EventID
	RoomID        id.RoomID
	Sender        id.UserID
	SenderDevice  id.DeviceID
	Kind          EventKind
	Content       string
	ReplyTo       id.EventID
	EditTarget    id.EventID
	Encryption    EncryptionStatus
	KeyGeneration int64
	SentAt        time.Time
	Cursor        int64
	Mentions      []id.UserID
}

func (e Event) Validate() error {
	if err := validateRequiredCanonicalString("event_id", string(e.ID)); err != nil {
		return err
	}
	if err := validateRequiredCanonicalString("room_id", string(e.RoomID)); err != nil {
		return err
	}
	if err := validateRequiredCanonicalString("sender", string(e.Sender)); err != nil {
		return err
	}
	switch e.Kind {
	case KindMessage, KindEdit, KindReply, KindReaction, KindMembership:
	default:
		return fmt.Errorf("kind is invalid")
	}
	switch e.Encryption {
	case EncryptionPlaintext, EncryptionPending, EncryptionReady, EncryptionFailed:
	default:
		return fmt.Errorf("encryption status is invalid")
	}
	if e.Kind == KindEdit && e.EditTarget == "" {
		return fmt.Errorf("edit_target is required for edit events")
	}
	if e.Kind == KindReply && e.ReplyTo == "" {
		return fmt.Errorf("reply_to is required for reply events")
	}
	if e.KeyGeneration < 0 {
		return fmt.Errorf("key_generation must be >= 0")
	}
	if e.SentAt.IsZero() {
		return fmt.Errorf("sent_at is required")
	}
	return nil
}

func validateRequiredCanonicalString(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("%s must not contain leading/trailing spaces", field)
	}
	return nil
}
