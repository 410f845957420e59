package trust

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestTrustStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir, dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func TestCompareAndSwapRoomVersioning(t *testing.T) {
	t.Parallel()
	store := newTestTrustStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	state := newGroupSessionState("!r:x", time.Hour, now)
	if err := store.CompareAndSwapRoom(ctx, 0, state); err != nil {
		t.Fatalf("CompareAndSwapRoom(initial) error = %v", err)
	}
	stored, ok := store.Room("!r:x")
	if !ok || stored.Version != 1 {
		t.Fatalf("Room() = %+v, %v, want version 1", stored, ok)
	}

	// Writing against a stale version must be rejected.
	err := store.CompareAndSwapRoom(ctx, 0, stored)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("CompareAndSwapRoom(stale) = %v, want ErrVersionConflict", err)
	}

	next := stored.rotate(time.Hour, now)
	if err := store.CompareAndSwapRoom(ctx, stored.Version, next); err != nil {
		t.Fatalf("CompareAndSwapRoom(current) error = %v", err)
	}
	stored, _ = store.Room("!r:x")
	if stored.Version != 2 || stored.Generation != 2 {
		t.Fatalf("Room() = version %d generation %d, want 2/2", stored.Version, stored.Generation)
	}
}

func TestLocalGenerationMonotonic(t *testing.T) {
	t.Parallel()
	store := newTestTrustStore(t)
	ctx := context.Background()

	if got := store.LocalGeneration("!r:x"); got != 0 {
		t.Fatalf("LocalGeneration(empty) = %d, want 0", got)
	}
	if err := store.SetLocalGeneration(ctx, "!r:x", 3); err != nil {
		t.Fatalf("SetLocalGeneration(3) error = %v", err)
	}
	// A lower generation never rolls the marker back.
	if err := store.SetLocalGeneration(ctx, "!r:x", 1); err != nil {
		t.Fatalf("SetLocalGeneration(1) error = %v", err)
	}
	if got := store.LocalGeneration("!r:x"); got != 3 {
		t.Fatalf("LocalGeneration() = %d, want 3", got)
	}
}

func TestStoreReloadsSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewStore(dir, dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	entry := DeviceTrustEntry{
		UserID:      "@a:x",
		DeviceID:    "DEV",
		State:       TrustVerified,
		FirstSeenAt: time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := first.UpsertDevice(ctx, entry); err != nil {
		t.Fatalf("UpsertDevice() error = %v", err)
	}
	if err := first.SetLocalGeneration(ctx, "!r:x", 2); err != nil {
		t.Fatalf("SetLocalGeneration() error = %v", err)
	}

	second, err := NewStore(dir, dir)
	if err != nil {
		t.Fatalf("NewStore(reload) error = %v", err)
	}
	got, ok := second.Device(DeviceRef{UserID: "@a:x", DeviceID: "DEV"})
	if !ok || got.State != TrustVerified {
		t.Fatalf("Device() after reload = %+v, %v, want verified entry", got, ok)
	}
	if gen := second.LocalGeneration("!r:x"); gen != 2 {
		t.Fatalf("LocalGeneration() after reload = %d, want 2", gen)
	}
}
