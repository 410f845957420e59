package matrixclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/trust"
)

type Config struct {
	Homeserver  string
	UserID      id.UserID
	AccessToken string
	DeviceID    id.DeviceID
	Rooms       []id.RoomID
	// CryptoDBPath is the sqlite file backing the olm/megolm stores.
	CryptoDBPath string
	PickleKey    string
	Logger       *slog.Logger
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Homeserver) == "" {
		return fmt.Errorf("homeserver is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("access token is required")
	}
	if strings.TrimSpace(c.CryptoDBPath) == "" {
		return fmt.Errorf("crypto db path is required")
	}
	return nil
}

// MautrixClient is the production Client backed by mautrix with
// end-to-end encryption handled by its crypto helper.
type MautrixClient struct {
	cli    *mautrix.Client
	crypto *cryptohelper.CryptoHelper
	rooms  []id.RoomID
	logger *slog.Logger

	mu   sync.Mutex
	sink func(Incoming)
}

var _ Client = (*MautrixClient)(nil)

func New(cfg Config) (*MautrixClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := mautrix.NewClient(cfg.Homeserver, cfg.UserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix client: %w", err)
	}
	cli.DeviceID = cfg.DeviceID

	pickle := cfg.PickleKey
	if pickle == "" {
		pickle = "morphbridge"
	}
	helper, err := cryptohelper.NewCryptoHelper(cli, []byte(pickle), cfg.CryptoDBPath)
	if err != nil {
		return nil, fmt.Errorf("crypto helper: %w", err)
	}

	m := &MautrixClient{
		cli:    cli,
		crypto: helper,
		rooms:  append([]id.RoomID(nil), cfg.Rooms...),
		logger: logger,
	}

	syncer, ok := cli.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return nil, fmt.Errorf("matrix syncer does not support event hooks")
	}
	syncer.OnEventType(event.EventMessage, m.handleEvent)
	syncer.OnEventType(event.EventReaction, m.handleEvent)
	syncer.OnEventType(event.StateMember, m.handleEvent)
	syncer.OnEventType(event.EventEncrypted, m.handleUndecrypted)

	return m, nil
}

func (m *MautrixClient) UserID() id.UserID {
	return m.cli.UserID
}

func (m *MautrixClient) Run(ctx context.Context, sink func(Incoming)) error {
	if sink == nil {
		return fmt.Errorf("event sink is required")
	}
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()

	if err := m.crypto.Init(ctx); err != nil {
		return fmt.Errorf("crypto init: %w", err)
	}
	m.cli.Crypto = m.crypto

	for _, roomID := range m.rooms {
		if _, err := m.cli.JoinRoomByID(ctx, roomID); err != nil {
			m.logger.Warn("matrix_join_error", "room_id", string(roomID), "error", err.Error())
		}
	}

	err := m.cli.SyncWithContext(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("matrix sync: %w", err)
	}
	return nil
}

func (m *MautrixClient) Send(ctx context.Context, roomID id.RoomID, msg Outgoing) (id.EventID, error) {
	content := BuildMessage(msg)
	resp, err := m.cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("matrix send %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

func (m *MautrixClient) ShareGroupKey(ctx context.Context, roomID id.RoomID, devices []trust.DeviceRef) error {
	users := make([]id.UserID, 0, len(devices))
	seen := map[id.UserID]bool{}
	for _, ref := range devices {
		if !seen[ref.UserID] {
			seen[ref.UserID] = true
			users = append(users, ref.UserID)
		}
	}
	if len(users) == 0 {
		return nil
	}
	if err := m.crypto.Machine().ShareGroupSession(ctx, roomID, users); err != nil {
		return fmt.Errorf("share group session %s: %w", roomID, err)
	}
	return nil
}

func (m *MautrixClient) DeviceFingerprint(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (string, error) {
	resp, err := m.cli.QueryKeys(ctx, &mautrix.ReqQueryKeys{
		DeviceKeys: mautrix.DeviceKeysRequest{
			userID: mautrix.DeviceIDList{deviceID},
		},
	})
	if err != nil {
		return "", fmt.Errorf("query keys %s/%s: %w", userID, deviceID, err)
	}
	keys, ok := resp.DeviceKeys[userID][deviceID]
	if !ok {
		return "", fmt.Errorf("device %s/%s has no published keys", userID, deviceID)
	}
	fingerprint, err := ed25519Fingerprint(keys, deviceID)
	if err != nil {
		return "", fmt.Errorf("device %s/%s: %w", userID, deviceID, err)
	}
	return fingerprint, nil
}

// ed25519Fingerprint pulls the device's signing key out of its
// published key set and formats it for manual comparison.
func ed25519Fingerprint(keys mautrix.DeviceKeys, deviceID id.DeviceID) (string, error) {
	key := keys.Keys[id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID)]
	if key == "" {
		return "", fmt.Errorf("no ed25519 key published")
	}
	return formatFingerprint(key), nil
}

func (m *MautrixClient) RoomDevices(ctx context.Context, roomID id.RoomID) ([]trust.DeviceRef, error) {
	members, err := m.cli.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("joined members %s: %w", roomID, err)
	}
	req := &mautrix.ReqQueryKeys{DeviceKeys: mautrix.DeviceKeysRequest{}}
	for userID := range members.Joined {
		req.DeviceKeys[userID] = mautrix.DeviceIDList{}
	}
	if len(req.DeviceKeys) == 0 {
		return nil, nil
	}
	resp, err := m.cli.QueryKeys(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query room keys %s: %w", roomID, err)
	}
	var out []trust.DeviceRef
	for userID, devices := range resp.DeviceKeys {
		for deviceID := range devices {
			out = append(out, trust.DeviceRef{UserID: userID, DeviceID: deviceID})
		}
	}
	return out, nil
}

func (m *MautrixClient) FetchEventsSince(ctx context.Context, roomID id.RoomID, token string, limit int) ([]Incoming, string, error) {
	resp, err := m.cli.Messages(ctx, roomID, token, "", mautrix.DirectionForward, nil, limit)
	if err != nil {
		return nil, "", fmt.Errorf("fetch events %s: %w", roomID, err)
	}
	out := make([]Incoming, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if evt == nil {
			continue
		}
		out = append(out, m.toIncoming(evt))
	}
	return out, resp.End, nil
}

func (m *MautrixClient) RefetchEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (Incoming, error) {
	evt, err := m.cli.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return Incoming{}, fmt.Errorf("get event %s/%s: %w", roomID, eventID, err)
	}
	if evt.Type != event.EventEncrypted {
		return m.toIncoming(evt), nil
	}
	if err := evt.Content.ParseRaw(event.EventEncrypted); err != nil {
		return Incoming{}, fmt.Errorf("parse encrypted %s: %w", eventID, err)
	}
	decrypted, err := m.crypto.Decrypt(ctx, evt)
	if err != nil {
		return Incoming{Event: evt, Encrypted: true, DecryptFailed: true}, nil
	}
	in := m.toIncoming(decrypted)
	in.Encrypted = true
	return in, nil
}

func (m *MautrixClient) SyncToken(ctx context.Context) (string, error) {
	token, err := m.cli.Store.LoadNextBatch(ctx, m.cli.UserID)
	if err != nil {
		return "", fmt.Errorf("load sync token: %w", err)
	}
	return token, nil
}

func (m *MautrixClient) Close() error {
	m.cli.StopSync()
	return m.crypto.Close()
}

func (m *MautrixClient) handleEvent(ctx context.Context, evt *event.Event) {
	m.deliver(m.toIncoming(evt))
}

// handleUndecrypted fires for events still encrypted after the crypto
// helper ran, which means decryption failed (missing or stale key).
func (m *MautrixClient) handleUndecrypted(ctx context.Context, evt *event.Event) {
	m.deliver(Incoming{
		Event:         evt,
		Encrypted:     true,
		DecryptFailed: true,
	})
}

func (m *MautrixClient) deliver(in Incoming) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(in)
	}
}

func (m *MautrixClient) toIncoming(evt *event.Event) Incoming {
	in := Incoming{Event: evt}
	if evt.Mautrix.WasEncrypted {
		in.Encrypted = true
		if evt.Mautrix.TrustSource != nil {
			in.SenderDevice = evt.Mautrix.TrustSource.DeviceID
		}
	}
	return in
}

// formatFingerprint groups a base64 key into the four-character blocks
// clients show for manual comparison.
func formatFingerprint(key string) string {
	var b strings.Builder
	for i, r := range key {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
