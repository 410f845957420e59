package trust

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/quailyquaily/morphbridge/internal/fsstore"
	"maunium.net/go/mautrix/id"
)

var ErrVersionConflict = errors.New("trust: version conflict")

const snapshotFilename = "trust.json"

// Snapshot is the durable trust state: device verification entries,
// per-room group session records, and the highest key generation
// available locally for decryption.
type Snapshot struct {
	Devices   map[string]DeviceTrustEntry  `json:"devices"`
	Rooms     map[string]GroupSessionState `json:"rooms"`
	LocalKeys map[string]int64             `json:"local_keys"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		Devices:   map[string]DeviceTrustEntry{},
		Rooms:     map[string]GroupSessionState{},
		LocalKeys: map[string]int64{},
	}
}

// Store persists trust state as an atomic JSON snapshot guarded by a
// file lock, so the serve daemon and the one-shot verify-device
// command never interleave writes.
type Store struct {
	mu       sync.Mutex
	path     string
	lockPath string
	snapshot Snapshot
}

func NewStore(trustDir, locksDir string) (*Store, error) {
	if trustDir == "" {
		return nil, fmt.Errorf("trust dir is required")
	}
	lockPath, err := fsstore.BuildLockPath(locksDir, "trust.snapshot")
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:     filepath.Join(trustDir, snapshotFilename),
		lockPath: lockPath,
		snapshot: newSnapshot(),
	}
	found, err := fsstore.ReadJSON(s.path, &s.snapshot)
	if err != nil {
		return nil, err
	}
	if !found {
		s.snapshot = newSnapshot()
	}
	if s.snapshot.Devices == nil {
		s.snapshot.Devices = map[string]DeviceTrustEntry{}
	}
	if s.snapshot.Rooms == nil {
		s.snapshot.Rooms = map[string]GroupSessionState{}
	}
	if s.snapshot.LocalKeys == nil {
		s.snapshot.LocalKeys = map[string]int64{}
	}
	return s, nil
}

func (s *Store) Device(ref DeviceRef) (DeviceTrustEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.snapshot.Devices[ref.Key()]
	return entry, ok
}

func (s *Store) Devices() []DeviceTrustEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceTrustEntry, 0, len(s.snapshot.Devices))
	for _, entry := range s.snapshot.Devices {
		out = append(out, entry)
	}
	return out
}

func (s *Store) UpsertDevice(ctx context.Context, entry DeviceTrustEntry) error {
	ref := DeviceRef{UserID: entry.UserID, DeviceID: entry.DeviceID}
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Devices[ref.Key()] = entry
	return s.persistLocked(ctx)
}

func (s *Store) Rooms() []GroupSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GroupSessionState, 0, len(s.snapshot.Rooms))
	for _, state := range s.snapshot.Rooms {
		out = append(out, state)
	}
	return out
}

func (s *Store) Room(roomID id.RoomID) (GroupSessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.snapshot.Rooms[string(roomID)]
	return state, ok
}

// CompareAndSwapRoom replaces the room's record only if the stored
// version still matches expectedVersion; the stored version is bumped
// on success. A missing room matches expectedVersion 0.
func (s *Store) CompareAndSwapRoom(ctx context.Context, expectedVersion int64, next GroupSessionState) error {
	if err := next.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.snapshot.Rooms[string(next.RoomID)]
	currentVersion := int64(0)
	if ok {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return fmt.Errorf("%w: room %s: expected %d, stored %d",
			ErrVersionConflict, next.RoomID, expectedVersion, currentVersion)
	}
	next.Version = currentVersion + 1
	s.snapshot.Rooms[string(next.RoomID)] = next
	return s.persistLocked(ctx)
}

func (s *Store) LocalGeneration(roomID id.RoomID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.LocalKeys[string(roomID)]
}

func (s *Store) SetLocalGeneration(ctx context.Context, roomID id.RoomID, generation int64) error {
	if generation <= 0 {
		return fmt.Errorf("generation must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot.LocalKeys[string(roomID)] >= generation {
		return nil
	}
	s.snapshot.LocalKeys[string(roomID)] = generation
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	snapshot := s.snapshot
	return fsstore.WithLock(ctx, s.lockPath, func() error {
		return fsstore.WriteJSONAtomic(s.path, snapshot)
	})
}

// touchDevice returns the stored entry for ref, creating an unverified
// entry on first sighting.
func (s *Store) touchDevice(ctx context.Context, ref DeviceRef, now time.Time) (DeviceTrustEntry, error) {
	if err := ref.Validate(); err != nil {
		return DeviceTrustEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.snapshot.Devices[ref.Key()]; ok {
		return entry, nil
	}
	entry := DeviceTrustEntry{
		UserID:      ref.UserID,
		DeviceID:    ref.DeviceID,
		State:       TrustUnverified,
		FirstSeenAt: now,
		UpdatedAt:   now,
	}
	s.snapshot.Devices[ref.Key()] = entry
	if err := s.persistLocked(ctx); err != nil {
		return DeviceTrustEntry{}, err
	}
	return entry, nil
}
