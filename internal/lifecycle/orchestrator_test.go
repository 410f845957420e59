package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/db"
	"github.com/quailyquaily/morphbridge/internal/resume"
)

type fakeRuntime struct {
	mu       sync.Mutex
	paused   int
	drained  int
	resumed  int
	replayed []id.RoomID
	drainErr error
}

func (f *fakeRuntime) Pause() {
	f.mu.Lock()
	f.paused++
	f.mu.Unlock()
}

func (f *fakeRuntime) Drain(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained++
	return f.drainErr
}

func (f *fakeRuntime) Resume() {
	f.mu.Lock()
	f.resumed++
	f.mu.Unlock()
}

func (f *fakeRuntime) Replay(ctx context.Context, roomID id.RoomID, cp resume.Checkpoint, limit int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, roomID)
	return nil
}

func newTestOrchestrator(t *testing.T, rt Runtime, rooms []id.RoomID) (*Orchestrator, *resume.Store) {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "lifecycle.sqlite")
	gdb, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	store, err := resume.NewStore(gdb, slog.Default())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	syncToken := func(ctx context.Context) (string, error) { return "tok-1", nil }
	orch, err := NewOrchestrator(rt, store, rooms, syncToken, slog.Default(), Config{
		DrainTimeout:      time.Second,
		CheckpointRetries: 2,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return orch, store
}

func TestStartWithoutCheckpointSkipsReplay(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{}
	orch, _ := newTestOrchestrator(t, rt, []id.RoomID{"!r:x"})

	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := orch.Phase(); got != string(PhaseRunning) {
		t.Fatalf("Phase() = %q, want running", got)
	}
	if len(rt.replayed) != 0 {
		t.Fatalf("replayed %v, want none without a checkpoint", rt.replayed)
	}
	if rt.resumed != 1 {
		t.Fatalf("resumed = %d, want 1", rt.resumed)
	}
}

func TestStopCheckpointsAndStops(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{}
	orch, store := newTestOrchestrator(t, rt, []id.RoomID{"!r:x"})
	ctx := context.Background()

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, _, err := store.GetOrCreate(ctx, "!r:x", "$a", "codex", "s1"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if err := store.AdvanceCursor(ctx, "!r:x", "$a", 4, "$e4"); err != nil {
		t.Fatalf("AdvanceCursor() error = %v", err)
	}

	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := orch.Phase(); got != string(PhaseStopped) {
		t.Fatalf("Phase() = %q, want stopped", got)
	}
	if rt.paused != 1 || rt.drained != 1 {
		t.Fatalf("paused/drained = %d/%d, want 1/1", rt.paused, rt.drained)
	}

	cp, found, err := store.LoadCheckpoint(ctx, "!r:x")
	if err != nil || !found {
		t.Fatalf("LoadCheckpoint() = found %v, err %v", found, err)
	}
	if cp.Cursor != 4 || cp.SyncToken != "tok-1" {
		t.Fatalf("checkpoint = %+v, want cursor 4 with sync token", cp)
	}
}

func TestStartAfterStopReplaysCheckpointedRooms(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{}
	orch, _ := newTestOrchestrator(t, rt, []id.RoomID{"!r:x"})
	ctx := context.Background()

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start() after stop error = %v", err)
	}
	if len(rt.replayed) != 1 || rt.replayed[0] != "!r:x" {
		t.Fatalf("replayed = %v, want [!r:x]", rt.replayed)
	}
}

func TestStopFromStoppedIsBadTransition(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{}
	orch, _ := newTestOrchestrator(t, rt, nil)

	if err := orch.Stop(context.Background()); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("Stop(stopped) = %v, want ErrBadTransition", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := orch.Start(context.Background()); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("Start(running) = %v, want ErrBadTransition", err)
	}
}

func TestDrainTimeoutStillCheckpoints(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{drainErr: context.DeadlineExceeded}
	orch, store := newTestOrchestrator(t, rt, []id.RoomID{"!r:x"})
	ctx := context.Background()

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// A drain timeout degrades to a warning; the stop still checkpoints.
	if err := orch.Stop(ctx); err != nil {
		t.Fatalf("Stop() with drain timeout = %v, want nil", err)
	}
	if _, found, err := store.LoadCheckpoint(ctx, "!r:x"); err != nil || !found {
		t.Fatalf("LoadCheckpoint() = found %v, err %v, want checkpoint written", found, err)
	}
}

func TestReloadRunsStopThenStart(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{}
	orch, _ := newTestOrchestrator(t, rt, []id.RoomID{"!r:x"})
	ctx := context.Background()

	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := orch.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := orch.Phase(); got != string(PhaseRunning) {
		t.Fatalf("Phase() after reload = %q, want running", got)
	}
	if rt.paused != 1 || rt.resumed != 2 {
		t.Fatalf("paused/resumed = %d/%d, want 1/2", rt.paused, rt.resumed)
	}
	// The reload replayed the window checkpointed during its stop half.
	if len(rt.replayed) != 1 {
		t.Fatalf("replayed = %v, want one replay", rt.replayed)
	}
}
