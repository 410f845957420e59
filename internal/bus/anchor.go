package bus

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Anchor is the stable identity of a logical conversation thread: the
// event id of the thread root, preserved across edits of any event in
// the thread.
type Anchor string

// BuildAnchorKey builds the durable store key for a (room, anchor)
// pair. The key format is load-bearing: the resume store and the keyed
// worker map both index by it.
func BuildAnchorKey(roomID id.RoomID, anchor Anchor) (string, error) {
	room := strings.TrimSpace(string(roomID))
	if room == "" {
		return "", fmt.Errorf("room id is required")
	}
	a := strings.TrimSpace(string(anchor))
	if a == "" {
		return "", fmt.Errorf("anchor is required")
	}
	if strings.Contains(room, " ") || strings.Contains(a, " ") {
		return "", fmt.Errorf("anchor key parts must not contain spaces")
	}
	return room + "|" + a, nil
}

// SplitAnchorKey is the inverse of BuildAnchorKey.
func SplitAnchorKey(key string) (id.RoomID, Anchor, error) {
	room, anchor, ok := strings.Cut(key, "|")
	if !ok || room == "" || anchor == "" {
		return "", "", fmt.Errorf("anchor key is invalid: %q", key)
	}
	return id.RoomID(room), Anchor(anchor), nil
}

// SelfAnchor is the anchor for an event that starts a new logical
// conversation: the event is its own thread root.
func SelfAnchor(eventID id.EventID) Anchor {
	return Anchor(eventID)
}
