package trust

import (
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"
)

type TrustState string

const (
	TrustUnverified TrustState = "unverified"
	TrustVerifying  TrustState = "verifying"
	TrustVerified   TrustState = "verified"
	TrustRevoked    TrustState = "revoked"
)

// DeviceRef identifies one device of one user.
type DeviceRef struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

func (r DeviceRef) Key() string {
	return string(r.UserID) + "|" + string(r.DeviceID)
}

func (r DeviceRef) Validate() error {
	if strings.TrimSpace(string(r.UserID)) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(string(r.DeviceID)) == "" {
		return fmt.Errorf("device id is required")
	}
	return nil
}

// DeviceTrustEntry tracks one device's verification lifecycle. Only
// verified devices are eligible to receive group session keys.
type DeviceTrustEntry struct {
	UserID            id.UserID  `json:"user_id"`
	DeviceID          id.DeviceID `json:"device_id"`
	State             TrustState `json:"state"`
	FirstSeenAt       time.Time  `json:"first_seen_at"`
	VerifyingDeadline time.Time  `json:"verifying_deadline,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// transition validates a trust state change. The machine is
// unverified → verifying → verified, with verified → revoked and
// verifying → unverified on timeout or failure.
func (e DeviceTrustEntry) transition(next TrustState) error {
	allowed := false
	switch e.State {
	case TrustUnverified:
		allowed = next == TrustVerifying
	case TrustVerifying:
		allowed = next == TrustVerified || next == TrustUnverified
	case TrustVerified:
		allowed = next == TrustRevoked
	case TrustRevoked:
		allowed = false
	default:
		return fmt.Errorf("trust state %q is invalid", e.State)
	}
	if !allowed {
		return fmt.Errorf("trust transition %s -> %s is not allowed", e.State, next)
	}
	return nil
}

func (e DeviceTrustEntry) Eligible() bool {
	return e.State == TrustVerified
}
