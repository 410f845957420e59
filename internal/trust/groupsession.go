package trust

import (
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

// GroupSessionState is the versioned record of one room's group key:
// which generation is current, which devices hold it, and when the key
// must be rotated regardless of membership. All mutation goes through
// the store's compare-and-swap contract; Version guards against lost
// updates between concurrent units.
type GroupSessionState struct {
	RoomID           id.RoomID       `json:"room_id"`
	Generation       int64           `json:"generation"`
	Distributed      map[string]bool `json:"distributed"`
	RotationDeadline time.Time       `json:"rotation_deadline"`
	Version          int64           `json:"version"`
	Degraded         bool            `json:"degraded"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func newGroupSessionState(roomID id.RoomID, rotationMaxAge time.Duration, now time.Time) GroupSessionState {
	return GroupSessionState{
		RoomID:           roomID,
		Generation:       1,
		Distributed:      map[string]bool{},
		RotationDeadline: now.Add(rotationMaxAge),
		UpdatedAt:        now,
	}
}

func (g GroupSessionState) validate() error {
	if g.RoomID == "" {
		return fmt.Errorf("room_id is required")
	}
	if g.Generation <= 0 {
		return fmt.Errorf("generation must be > 0")
	}
	if g.Distributed == nil {
		return fmt.Errorf("distributed set is required")
	}
	if g.Version < 0 {
		return fmt.Errorf("version must be >= 0")
	}
	return nil
}

// rotate bumps the generation and clears the distributed set. Nothing
// may be sent under the new generation until it is re-distributed.
func (g GroupSessionState) rotate(rotationMaxAge time.Duration, now time.Time) GroupSessionState {
	g.Generation++
	g.Distributed = map[string]bool{}
	g.RotationDeadline = now.Add(rotationMaxAge)
	g.UpdatedAt = now
	return g
}

// lacking returns the members without the current generation.
func (g GroupSessionState) lacking(members []DeviceRef) []DeviceRef {
	var out []DeviceRef
	for _, ref := range members {
		if !g.Distributed[ref.Key()] {
			out = append(out, ref)
		}
	}
	return out
}

// coveredBy reports whether every given member holds the current
// generation, the precondition for sending encrypted messages.
func (g GroupSessionState) coveredBy(members []DeviceRef) bool {
	for _, ref := range members {
		if !g.Distributed[ref.Key()] {
			return false
		}
	}
	return true
}
