package trust

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

type fakeSharer struct {
	mu    sync.Mutex
	fail  bool
	calls int
	last  []DeviceRef
}

func (f *fakeSharer) ShareGroupKey(ctx context.Context, roomID id.RoomID, devices []DeviceRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("homeserver unreachable")
	}
	f.last = append([]DeviceRef(nil), devices...)
	return nil
}

func (f *fakeSharer) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeSharer) lastShared() []DeviceRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DeviceRef(nil), f.last...)
}

func newTestManager(t *testing.T, sharer KeySharer, cfg Config) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir, dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if cfg.ReshareBackoffBase == 0 {
		cfg.ReshareBackoffBase = time.Millisecond
	}
	if cfg.ReshareBackoffMax == 0 {
		cfg.ReshareBackoffMax = time.Millisecond
	}
	m, err := NewManager(store, sharer, nil, cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func verifyDevice(t *testing.T, m *Manager, ref DeviceRef) {
	t.Helper()
	ctx := context.Background()
	if _, err := m.ObserveDevice(ctx, ref); err != nil {
		t.Fatalf("ObserveDevice(%s) error = %v", ref.Key(), err)
	}
	if err := m.BeginVerification(ctx, ref); err != nil {
		t.Fatalf("BeginVerification(%s) error = %v", ref.Key(), err)
	}
	if err := m.CompleteVerification(ctx, ref); err != nil {
		t.Fatalf("CompleteVerification(%s) error = %v", ref.Key(), err)
	}
}

func TestSetMembersSharesKeyToVerifiedDevices(t *testing.T) {
	t.Parallel()
	sharer := &fakeSharer{}
	m := newTestManager(t, sharer, Config{})
	ctx := context.Background()

	alice := DeviceRef{UserID: "@alice:x", DeviceID: "ADEV"}
	bob := DeviceRef{UserID: "@bob:x", DeviceID: "BDEV"}
	verifyDevice(t, m, alice)
	verifyDevice(t, m, bob)

	if err := m.SetMembers(ctx, "!r:x", []DeviceRef{alice, bob}); err != nil {
		t.Fatalf("SetMembers() error = %v", err)
	}
	if got := len(sharer.lastShared()); got != 2 {
		t.Fatalf("shared to %d devices, want 2", got)
	}
	if !m.SendReady("!r:x") {
		t.Fatal("SendReady() = false after successful distribution")
	}
	if gen := m.Generation("!r:x"); gen != 1 {
		t.Fatalf("Generation() = %d, want 1", gen)
	}
}

func TestUnverifiedMemberNeverReceivesKey(t *testing.T) {
	t.Parallel()
	sharer := &fakeSharer{}
	m := newTestManager(t, sharer, Config{})
	ctx := context.Background()

	alice := DeviceRef{UserID: "@alice:x", DeviceID: "ADEV"}
	mallory := DeviceRef{UserID: "@mallory:x", DeviceID: "MDEV"}
	verifyDevice(t, m, alice)
	if _, err := m.ObserveDevice(ctx, mallory); err != nil {
		t.Fatalf("ObserveDevice() error = %v", err)
	}

	if err := m.SetMembers(ctx, "!r:x", []DeviceRef{alice, mallory}); err != nil {
		t.Fatalf("SetMembers() error = %v", err)
	}
	shared := sharer.lastShared()
	if len(shared) != 1 || shared[0].Key() != alice.Key() {
		t.Fatalf("shared = %v, want only the verified device", shared)
	}
}

func TestMemberRemovalRotatesKey(t *testing.T) {
	t.Parallel()
	sharer := &fakeSharer{}
	m := newTestManager(t, sharer, Config{})
	ctx := context.Background()

	alice := DeviceRef{UserID: "@alice:x", DeviceID: "ADEV"}
	bob := DeviceRef{UserID: "@bob:x", DeviceID: "BDEV"}
	verifyDevice(t, m, alice)
	verifyDevice(t, m, bob)
	if err := m.SetMembers(ctx, "!r:x", []DeviceRef{alice, bob}); err != nil {
		t.Fatalf("SetMembers() error = %v", err)
	}

	if err := m.SetMembers(ctx, "!r:x", []DeviceRef{alice}); err != nil {
		t.Fatalf("SetMembers(removal) error = %v", err)
	}
	if gen := m.Generation("!r:x"); gen != 2 {
		t.Fatalf("Generation() after removal = %d, want 2", gen)
	}
	// The remaining member has the fresh generation, so sending resumes.
	if !m.SendReady("!r:x") {
		t.Fatal("SendReady() = false after rotation and re-share")
	}
	shared := sharer.lastShared()
	if len(shared) != 1 || shared[0].Key() != alice.Key() {
		t.Fatalf("re-shared = %v, want only the remaining member", shared)
	}
}

func TestReshareExhaustionDegradesRoom(t *testing.T) {
	t.Parallel()
	sharer := &fakeSharer{fail: true}
	m := newTestManager(t, sharer, Config{ReshareMaxAttempts: 2})
	ctx := context.Background()

	alice := DeviceRef{UserID: "@alice:x", DeviceID: "ADEV"}
	verifyDevice(t, m, alice)

	err := m.SetMembers(ctx, "!r:x", []DeviceRef{alice})
	if !errors.Is(err, ErrKeySharingDegraded) {
		t.Fatalf("SetMembers() = %v, want ErrKeySharingDegraded", err)
	}
	if !m.Degraded("!r:x") {
		t.Fatal("Degraded() = false after exhaustion")
	}
	if m.SendReady("!r:x") {
		t.Fatal("SendReady() = true for a degraded room")
	}
	rooms := m.DegradedRooms()
	if len(rooms) != 1 || rooms[0] != "!r:x" {
		t.Fatalf("DegradedRooms() = %v, want [!r:x]", rooms)
	}

	// A later successful share clears the degraded flag.
	sharer.setFail(false)
	if err := m.Reshare(ctx, "!r:x"); err != nil {
		t.Fatalf("Reshare() after recovery error = %v", err)
	}
	if m.Degraded("!r:x") {
		t.Fatal("Degraded() = true after successful re-share")
	}
	if !m.SendReady("!r:x") {
		t.Fatal("SendReady() = false after recovery")
	}
}

func TestRevokeRotatesEveryRoomWithTheDevice(t *testing.T) {
	t.Parallel()
	sharer := &fakeSharer{}
	m := newTestManager(t, sharer, Config{})
	ctx := context.Background()

	alice := DeviceRef{UserID: "@alice:x", DeviceID: "ADEV"}
	bob := DeviceRef{UserID: "@bob:x", DeviceID: "BDEV"}
	verifyDevice(t, m, alice)
	verifyDevice(t, m, bob)
	if err := m.SetMembers(ctx, "!r:x", []DeviceRef{alice, bob}); err != nil {
		t.Fatalf("SetMembers() error = %v", err)
	}

	if err := m.Revoke(ctx, bob); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if gen := m.Generation("!r:x"); gen != 2 {
		t.Fatalf("Generation() after revoke = %d, want 2", gen)
	}
	// The new generation has not been distributed yet.
	if m.SendReady("!r:x") {
		t.Fatal("SendReady() = true before post-revoke re-share")
	}
	if err := m.Reshare(ctx, "!r:x"); err != nil {
		t.Fatalf("Reshare() error = %v", err)
	}
	shared := sharer.lastShared()
	if len(shared) != 1 || shared[0].Key() != alice.Key() {
		t.Fatalf("re-shared = %v, want the revoked device excluded", shared)
	}
	if !m.SendReady("!r:x") {
		t.Fatal("SendReady() = false after post-revoke re-share")
	}
}

func TestEnsureRotationFresh(t *testing.T) {
	t.Parallel()
	sharer := &fakeSharer{}
	m := newTestManager(t, sharer, Config{RotationMaxAge: time.Hour})
	ctx := context.Background()

	alice := DeviceRef{UserID: "@alice:x", DeviceID: "ADEV"}
	verifyDevice(t, m, alice)
	if err := m.SetMembers(ctx, "!r:x", []DeviceRef{alice}); err != nil {
		t.Fatalf("SetMembers() error = %v", err)
	}

	if err := m.EnsureRotationFresh(ctx, "!r:x", time.Now().UTC()); err != nil {
		t.Fatalf("EnsureRotationFresh(fresh) error = %v", err)
	}
	if gen := m.Generation("!r:x"); gen != 1 {
		t.Fatalf("Generation() = %d, want unrotated 1", gen)
	}

	if err := m.EnsureRotationFresh(ctx, "!r:x", time.Now().UTC().Add(2*time.Hour)); err != nil {
		t.Fatalf("EnsureRotationFresh(stale) error = %v", err)
	}
	if gen := m.Generation("!r:x"); gen != 2 {
		t.Fatalf("Generation() after deadline = %d, want 2", gen)
	}
	if !m.SendReady("!r:x") {
		t.Fatal("SendReady() = false after scheduled rotation")
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeSharer{}, Config{DecryptHoldTimeout: 30 * time.Millisecond})

	if err := m.WaitReady(context.Background(), "!r:x", 0); err != nil {
		t.Fatalf("WaitReady(plaintext) = %v, want nil", err)
	}
	err := m.WaitReady(context.Background(), "!r:x", 1)
	if !errors.Is(err, ErrDecryptTimeout) {
		t.Fatalf("WaitReady(missing key) = %v, want ErrDecryptTimeout", err)
	}
}

func TestKeyArrivedReleasesWaiters(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeSharer{}, Config{DecryptHoldTimeout: 5 * time.Second})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- m.WaitReady(ctx, "!r:x", 2)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := m.KeyArrived(ctx, "!r:x", 2); err != nil {
		t.Fatalf("KeyArrived() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitReady() after KeyArrived = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitReady() not released by KeyArrived")
	}

	// The key is recorded, so later waits return immediately.
	if err := m.WaitReady(ctx, "!r:x", 1); err != nil {
		t.Fatalf("WaitReady(older generation) = %v, want nil", err)
	}
}

func TestExpireVerifyingSweep(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, &fakeSharer{}, Config{VerifyingTimeout: time.Minute})
	ctx := context.Background()

	ref := DeviceRef{UserID: "@alice:x", DeviceID: "ADEV"}
	if _, err := m.ObserveDevice(ctx, ref); err != nil {
		t.Fatalf("ObserveDevice() error = %v", err)
	}
	if err := m.BeginVerification(ctx, ref); err != nil {
		t.Fatalf("BeginVerification() error = %v", err)
	}

	if n, err := m.ExpireVerifying(ctx, time.Now().UTC()); err != nil || n != 0 {
		t.Fatalf("ExpireVerifying(fresh) = %d, %v, want 0, nil", n, err)
	}
	n, err := m.ExpireVerifying(ctx, time.Now().UTC().Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("ExpireVerifying(stale) = %d, %v, want 1, nil", n, err)
	}
	entry, ok := m.store.Device(ref)
	if !ok || entry.State != TrustUnverified {
		t.Fatalf("Device() after sweep = %+v, want unverified", entry)
	}
}
