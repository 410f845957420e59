package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/quailyquaily/morphbridge/internal/retryutil"
	"maunium.net/go/mautrix/id"
)

var (
	ErrKeySharingDegraded = errors.New("trust: key sharing degraded")
	ErrDecryptTimeout     = errors.New("trust: decrypt readiness timeout")
	ErrNotEligible        = errors.New("trust: device not eligible")
)

// KeySharer is the protocol client primitive that distributes the
// room's current group key to a set of devices.
type KeySharer interface {
	ShareGroupKey(ctx context.Context, roomID id.RoomID, devices []DeviceRef) error
}

type Config struct {
	ReshareMaxAttempts int
	ReshareBackoffBase time.Duration
	ReshareBackoffMax  time.Duration
	DecryptHoldTimeout time.Duration
	RotationMaxAge     time.Duration
	VerifyingTimeout   time.Duration
}

func (c Config) normalize() Config {
	if c.ReshareMaxAttempts <= 0 {
		c.ReshareMaxAttempts = 5
	}
	if c.ReshareBackoffBase <= 0 {
		c.ReshareBackoffBase = 2 * time.Second
	}
	if c.ReshareBackoffMax <= 0 {
		c.ReshareBackoffMax = time.Minute
	}
	if c.DecryptHoldTimeout <= 0 {
		c.DecryptHoldTimeout = 30 * time.Second
	}
	if c.RotationMaxAge <= 0 {
		c.RotationMaxAge = 7 * 24 * time.Hour
	}
	if c.VerifyingTimeout <= 0 {
		c.VerifyingTimeout = 10 * time.Minute
	}
	return c
}

// Manager owns device verification state and group key distribution,
// and exposes the decrypt-readiness gate the pipeline runs encrypted
// events through.
type Manager struct {
	store  *Store
	sharer KeySharer
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	members map[id.RoomID][]DeviceRef
	waiters map[string][]chan struct{}
}

func NewManager(store *Store, sharer KeySharer, logger *slog.Logger, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("trust store is required")
	}
	if sharer == nil {
		return nil, fmt.Errorf("key sharer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		sharer:  sharer,
		logger:  logger,
		cfg:     cfg.normalize(),
		members: map[id.RoomID][]DeviceRef{},
		waiters: map[string][]chan struct{}{},
	}, nil
}

// ObserveDevice records a device on first sighting as unverified.
func (m *Manager) ObserveDevice(ctx context.Context, ref DeviceRef) (DeviceTrustEntry, error) {
	return m.store.touchDevice(ctx, ref, time.Now().UTC())
}

// BeginVerification moves a device into the short-lived verifying
// state with a deadline; ExpireVerifying sweeps it back on timeout.
func (m *Manager) BeginVerification(ctx context.Context, ref DeviceRef) error {
	return m.transitionDevice(ctx, ref, TrustVerifying)
}

func (m *Manager) CompleteVerification(ctx context.Context, ref DeviceRef) error {
	return m.transitionDevice(ctx, ref, TrustVerified)
}

func (m *Manager) FailVerification(ctx context.Context, ref DeviceRef) error {
	return m.transitionDevice(ctx, ref, TrustUnverified)
}

// Revoke drops a device's trust and rotates keys in every room it is a
// member of, so revoked devices never decrypt future traffic.
func (m *Manager) Revoke(ctx context.Context, ref DeviceRef) error {
	if err := m.transitionDevice(ctx, ref, TrustRevoked); err != nil {
		return err
	}
	for _, roomID := range m.roomsWithDevice(ref) {
		if err := m.rotate(ctx, roomID); err != nil {
			m.logger.Warn("trust_revoke_rotate_error", "room_id", string(roomID), "error", err.Error())
		}
	}
	return nil
}

// ExpireVerifying sweeps verifying entries past their deadline back to
// unverified. Returns the number of entries expired.
func (m *Manager) ExpireVerifying(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for _, entry := range m.store.Devices() {
		if entry.State != TrustVerifying {
			continue
		}
		if entry.VerifyingDeadline.IsZero() || now.Before(entry.VerifyingDeadline) {
			continue
		}
		ref := DeviceRef{UserID: entry.UserID, DeviceID: entry.DeviceID}
		if err := m.transitionDevice(ctx, ref, TrustUnverified); err != nil {
			return expired, err
		}
		expired++
		m.logger.Info("trust_verifying_expired", "user_id", string(entry.UserID), "device_id", string(entry.DeviceID))
	}
	return expired, nil
}

func (m *Manager) transitionDevice(ctx context.Context, ref DeviceRef, next TrustState) error {
	now := time.Now().UTC()
	entry, err := m.store.touchDevice(ctx, ref, now)
	if err != nil {
		return err
	}
	if err := entry.transition(next); err != nil {
		return err
	}
	entry.State = next
	entry.UpdatedAt = now
	if next == TrustVerifying {
		entry.VerifyingDeadline = now.Add(m.cfg.VerifyingTimeout)
	} else {
		entry.VerifyingDeadline = time.Time{}
	}
	if err := m.store.UpsertDevice(ctx, entry); err != nil {
		return err
	}
	m.logger.Info("trust_device_state",
		"user_id", string(ref.UserID),
		"device_id", string(ref.DeviceID),
		"state", string(next),
	)
	return nil
}

// SetMembers applies a membership change. A removed member rotates the
// room key; new or lacking verified members get the current generation
// re-shared. Either way the room converges on the invariant that no
// message is encrypted under a generation the current members lack.
func (m *Manager) SetMembers(ctx context.Context, roomID id.RoomID, members []DeviceRef) error {
	m.mu.Lock()
	previous := m.members[roomID]
	m.members[roomID] = append([]DeviceRef(nil), members...)
	m.mu.Unlock()

	if memberRemoved(previous, members) {
		if err := m.rotate(ctx, roomID); err != nil {
			return err
		}
	}
	return m.Reshare(ctx, roomID)
}

// Members returns the current membership snapshot for the room.
func (m *Manager) Members(roomID id.RoomID) []DeviceRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeviceRef(nil), m.members[roomID]...)
}

// Reshare distributes the current generation to every eligible member
// that lacks it, with bounded exponential backoff. Exhaustion marks
// the room key-sharing-degraded and returns ErrKeySharingDegraded.
func (m *Manager) Reshare(ctx context.Context, roomID id.RoomID) error {
	state, err := m.roomState(ctx, roomID)
	if err != nil {
		return err
	}
	lacking := state.lacking(m.eligibleMembers(roomID))
	if len(lacking) == 0 {
		if state.Degraded {
			return m.setDegraded(ctx, roomID, false)
		}
		return nil
	}

	policy := retryutil.Policy{
		MaxAttempts: m.cfg.ReshareMaxAttempts,
		BaseDelay:   m.cfg.ReshareBackoffBase,
		MaxDelay:    m.cfg.ReshareBackoffMax,
	}
	shareErr := retryutil.Do(ctx, m.logger, "trust_reshare", policy, func(ctx context.Context) error {
		return m.sharer.ShareGroupKey(ctx, roomID, lacking)
	})
	if shareErr != nil {
		if errors.Is(shareErr, retryutil.ErrAttemptsExhausted) {
			if err := m.setDegraded(ctx, roomID, true); err != nil {
				return err
			}
			m.logger.Warn("trust_room_degraded", "room_id", string(roomID), "lacking", len(lacking))
			return fmt.Errorf("%w: room %s", ErrKeySharingDegraded, roomID)
		}
		return shareErr
	}

	if err := m.markDistributed(ctx, roomID, lacking); err != nil {
		return err
	}
	if state.Degraded {
		return m.setDegraded(ctx, roomID, false)
	}
	return nil
}

// Degraded reports whether the room exhausted its key re-share budget.
func (m *Manager) Degraded(roomID id.RoomID) bool {
	state, ok := m.store.Room(roomID)
	return ok && state.Degraded
}

// DegradedRooms lists the rooms currently marked key-sharing-degraded.
func (m *Manager) DegradedRooms() []id.RoomID {
	var out []id.RoomID
	for _, state := range m.store.Rooms() {
		if state.Degraded {
			out = append(out, state.RoomID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SendReady reports whether an encrypted message may be sent to the
// room: every eligible current member holds the current generation.
func (m *Manager) SendReady(roomID id.RoomID) bool {
	state, ok := m.store.Room(roomID)
	if !ok {
		return false
	}
	return !state.Degraded && state.coveredBy(m.eligibleMembers(roomID))
}

// EnsureRotationFresh rotates the room key proactively once the
// rotation deadline has passed, then re-distributes.
func (m *Manager) EnsureRotationFresh(ctx context.Context, roomID id.RoomID, now time.Time) error {
	state, ok := m.store.Room(roomID)
	if !ok || now.Before(state.RotationDeadline) {
		return nil
	}
	m.logger.Info("trust_rotation_deadline", "room_id", string(roomID), "generation", state.Generation)
	if err := m.rotate(ctx, roomID); err != nil {
		return err
	}
	return m.Reshare(ctx, roomID)
}

// Generation returns the room's current key generation (0 when the
// room has no group session yet).
func (m *Manager) Generation(roomID id.RoomID) int64 {
	state, ok := m.store.Room(roomID)
	if !ok {
		return 0
	}
	return state.Generation
}

// KeyArrived records that the key material for (room, generation) is
// now locally available and releases any events held on it.
func (m *Manager) KeyArrived(ctx context.Context, roomID id.RoomID, generation int64) error {
	if err := m.store.SetLocalGeneration(ctx, roomID, generation); err != nil {
		return err
	}
	m.mu.Lock()
	for gen := int64(1); gen <= generation; gen++ {
		key := waiterKey(roomID, gen)
		for _, ch := range m.waiters[key] {
			close(ch)
		}
		delete(m.waiters, key)
	}
	m.mu.Unlock()
	m.logger.Debug("trust_key_arrived", "room_id", string(roomID), "generation", generation)
	return nil
}

// WaitReady is the decrypt-readiness gate: it returns nil once the key
// generation is locally available, or ErrDecryptTimeout after the
// bounded hold expires.
func (m *Manager) WaitReady(ctx context.Context, roomID id.RoomID, generation int64) error {
	if generation <= 0 {
		return nil
	}
	if m.store.LocalGeneration(roomID) >= generation {
		return nil
	}

	m.mu.Lock()
	// Re-check under the lock so a concurrent KeyArrived is not missed.
	if m.store.LocalGeneration(roomID) >= generation {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	key := waiterKey(roomID, generation)
	m.waiters[key] = append(m.waiters[key], ch)
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.DecryptHoldTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: room %s generation %d", ErrDecryptTimeout, roomID, generation)
	}
}

func (m *Manager) roomState(ctx context.Context, roomID id.RoomID) (GroupSessionState, error) {
	state, ok := m.store.Room(roomID)
	if ok {
		return state, nil
	}
	now := time.Now().UTC()
	state = newGroupSessionState(roomID, m.cfg.RotationMaxAge, now)
	if err := m.store.CompareAndSwapRoom(ctx, 0, state); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			state, _ = m.store.Room(roomID)
			return state, nil
		}
		return GroupSessionState{}, err
	}
	state, _ = m.store.Room(roomID)
	return state, nil
}

func (m *Manager) rotate(ctx context.Context, roomID id.RoomID) error {
	for {
		state, err := m.roomState(ctx, roomID)
		if err != nil {
			return err
		}
		next := state.rotate(m.cfg.RotationMaxAge, time.Now().UTC())
		err = m.store.CompareAndSwapRoom(ctx, state.Version, next)
		if err == nil {
			m.logger.Info("trust_key_rotated", "room_id", string(roomID), "generation", next.Generation)
			// The bridge's own device holds the key it just minted.
			return m.store.SetLocalGeneration(ctx, roomID, next.Generation)
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
}

func (m *Manager) markDistributed(ctx context.Context, roomID id.RoomID, devices []DeviceRef) error {
	for {
		state, err := m.roomState(ctx, roomID)
		if err != nil {
			return err
		}
		next := state
		next.Distributed = map[string]bool{}
		for k, v := range state.Distributed {
			next.Distributed[k] = v
		}
		for _, ref := range devices {
			next.Distributed[ref.Key()] = true
		}
		next.UpdatedAt = time.Now().UTC()
		err = m.store.CompareAndSwapRoom(ctx, state.Version, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
}

func (m *Manager) setDegraded(ctx context.Context, roomID id.RoomID, degraded bool) error {
	for {
		state, err := m.roomState(ctx, roomID)
		if err != nil {
			return err
		}
		if state.Degraded == degraded {
			return nil
		}
		next := state
		next.Degraded = degraded
		next.UpdatedAt = time.Now().UTC()
		err = m.store.CompareAndSwapRoom(ctx, state.Version, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
}

func (m *Manager) eligibleMembers(roomID id.RoomID) []DeviceRef {
	m.mu.Lock()
	members := append([]DeviceRef(nil), m.members[roomID]...)
	m.mu.Unlock()
	var out []DeviceRef
	for _, ref := range members {
		entry, ok := m.store.Device(ref)
		if ok && entry.Eligible() {
			out = append(out, ref)
		}
	}
	return out
}

func (m *Manager) roomsWithDevice(ref DeviceRef) []id.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []id.RoomID
	for roomID, members := range m.members {
		for _, member := range members {
			if member.Key() == ref.Key() {
				out = append(out, roomID)
				break
			}
		}
	}
	return out
}

func memberRemoved(previous, current []DeviceRef) bool {
	keep := make(map[string]bool, len(current))
	for _, ref := range current {
		keep[ref.Key()] = true
	}
	for _, ref := range previous {
		if !keep[ref.Key()] {
			return true
		}
	}
	return false
}

func waiterKey(roomID id.RoomID, generation int64) string {
	return string(roomID) + "|" + strconv.FormatInt(generation, 10)
}
