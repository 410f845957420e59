package bus

import (
	"strings"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		ID:         "$evt1",
		RoomID:     "!room:example.org",
		Sender:     "@alice:example.org",
		Kind:       KindMessage,
		Content:    "hello",
		Encryption: EncryptionPlaintext,
		SentAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	if err := validEvent().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{
			name:    "missing id",
			mutate:  func(e *Event) { e.ID = "" },
			wantErr: "event_id is required",
		},
		{
			name:    "missing room",
			mutate:  func(e *Event) { e.RoomID = "" },
			wantErr: "room_id is required",
		},
		{
			name:    "bad kind",
			mutate:  func(e *Event) { e.Kind = "weird" },
			wantErr: "kind is invalid",
		},
		{
			name:    "bad encryption status",
			mutate:  func(e *Event) { e.Encryption = "half-encrypted" },
			wantErr: "encryption status is invalid",
		},
		{
			name:    "edit without target",
			mutate:  func(e *Event) { e.Kind = KindEdit },
			wantErr: "edit_target is required",
		},
		{
			name:    "reply without target",
			mutate:  func(e *Event) { e.Kind = KindReply },
			wantErr: "reply_to is required",
		},
		{
			name:    "zero sent_at",
			mutate:  func(e *Event) { e.SentAt = time.Time{} },
			wantErr: "sent_at is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev := validEvent()
			tc.mutate(&ev)
			err := ev.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestAnchorKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := BuildAnchorKey("!room:example.org", SelfAnchor("$root"))
	if err != nil {
		t.Fatalf("BuildAnchorKey() error = %v", err)
	}
	if key != "!room:example.org|$root" {
		t.Fatalf("BuildAnchorKey() = %q, want %q", key, "!room:example.org|$root")
	}

	room, anchor, err := SplitAnchorKey(key)
	if err != nil {
		t.Fatalf("SplitAnchorKey() error = %v", err)
	}
	if room != "!room:example.org" || anchor != "$root" {
		t.Fatalf("SplitAnchorKey() = %q, %q, want room and anchor back", room, anchor)
	}
}

func TestBuildAnchorKeyRejectsEmptyParts(t *testing.T) {
	t.Parallel()

	if _, err := BuildAnchorKey("", "a"); err == nil {
		t.Fatal("BuildAnchorKey(empty room) = nil, want error")
	}
	if _, err := BuildAnchorKey("!r:x", ""); err == nil {
		t.Fatal("BuildAnchorKey(empty anchor) = nil, want error")
	}
}
