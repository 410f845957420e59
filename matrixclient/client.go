// Package matrixclient wraps a Matrix homeserver connection behind the
// narrow surface the bridge needs: an incoming event stream, message
// sending, group key distribution, device fingerprints for
// verification, and bounded history fetches for restart replay.
package matrixclient

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/trust"
)

// Incoming is one event off the sync stream, decrypted when possible,
// with its encryption provenance preserved.
type Incoming struct {
	Event         *event.Event
	SenderDevice  id.DeviceID
	Encrypted     bool
	DecryptFailed bool
}

// Outgoing is a message to deliver into a room. ReplyTo threads the
// message under the event it answers; plain messages leave it empty.
type Outgoing struct {
	Text    string
	ReplyTo id.EventID
}

// Client is the protocol surface the bridge runs against. The mautrix
// implementation is the production one; tests substitute fakes.
type Client interface {
	// UserID is the bridge's own Matrix user.
	UserID() id.UserID

	// Run joins the configured rooms and pumps the sync loop, calling
	// sink for every room event until ctx is cancelled.
	Run(ctx context.Context, sink func(Incoming)) error

	// Send delivers a message and returns the created event id.
	Send(ctx context.Context, roomID id.RoomID, msg Outgoing) (id.EventID, error)

	// ShareGroupKey distributes the room's current group session to the
	// given devices.
	ShareGroupKey(ctx context.Context, roomID id.RoomID, devices []trust.DeviceRef) error

	// DeviceFingerprint returns the ed25519 fingerprint key for a
	// device, the value confirmed out of band during verification.
	DeviceFingerprint(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (string, error)

	// RoomDevices lists the devices of the room's current members.
	RoomDevices(ctx context.Context, roomID id.RoomID) ([]trust.DeviceRef, error)

	// FetchEventsSince returns up to limit room events after the given
	// pagination token, plus the token to resume from next time.
	FetchEventsSince(ctx context.Context, roomID id.RoomID, token string, limit int) ([]Incoming, string, error)

	// RefetchEvent re-reads one event and retries decryption, used to
	// recover events whose key arrived after first delivery.
	RefetchEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (Incoming, error)

	// SyncToken is the current sync position, persisted in restart
	// checkpoints.
	SyncToken(ctx context.Context) (string, error)

	// Close releases the connection and crypto stores.
	Close() error
}
