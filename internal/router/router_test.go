package router

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/quailyquaily/morphbridge/db"
	"github.com/quailyquaily/morphbridge/internal/resume"
)

type fakeEngineSet map[string]bool

func (f fakeEngineSet) Has(engineID string) bool { return f[engineID] }

func newTestRouter(t *testing.T, defaultEngine string, engines ...string) (*Router, *resume.Store, *Bindings) {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "router.sqlite")
	gdb, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	store, err := resume.NewStore(gdb, slog.Default())
	if err != nil {
		t.Fatalf("resume.NewStore() error = %v", err)
	}
	bindings, err := NewBindings(gdb)
	if err != nil {
		t.Fatalf("NewBindings() error = %v", err)
	}
	set := fakeEngineSet{}
	for _, e := range engines {
		set[e] = true
	}
	r, err := New(store, bindings, set, defaultEngine, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, store, bindings
}

func TestResolveFallsBackToGlobalDefault(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRouter(t, "codex", "codex", "claude")
	ctx := context.Background()

	res, err := r.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.EngineID != "codex" || !res.IsNew || res.SessionID == "" {
		t.Fatalf("Resolve() = %+v, want new codex session", res)
	}
}

func TestResolveBindingBeatsGlobalDefault(t *testing.T) {
	t.Parallel()
	r, _, bindings := newTestRouter(t, "codex", "codex", "claude")
	ctx := context.Background()

	if err := bindings.Put(ctx, Binding{RoomID: "!r:x", DefaultEngine: "claude"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	res, err := r.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.EngineID != "claude" {
		t.Fatalf("Resolve() engine = %q, want binding default claude", res.EngineID)
	}
	if res.Binding.TriggerMode != TriggerAll {
		t.Fatalf("Resolve() trigger mode = %q, want default %q", res.Binding.TriggerMode, TriggerAll)
	}
}

func TestResolveRecordWinsOverBindingChange(t *testing.T) {
	t.Parallel()
	r, _, bindings := newTestRouter(t, "codex", "codex", "claude")
	ctx := context.Background()

	first, err := r.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// A later binding change must not move the live anchor.
	if err := bindings.Put(ctx, Binding{RoomID: "!r:x", DefaultEngine: "claude"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	second, err := r.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if second.EngineID != first.EngineID || second.SessionID != first.SessionID {
		t.Fatalf("Resolve() = %+v, want the original session %+v", second, first)
	}
	if second.IsNew {
		t.Fatal("Resolve() reported IsNew for an existing session")
	}

	// A new anchor in the same room picks up the changed binding.
	fresh, err := r.Resolve(ctx, "!r:x", "$b", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if fresh.EngineID != "claude" {
		t.Fatalf("Resolve(new anchor) engine = %q, want claude", fresh.EngineID)
	}
}

func TestResolveOverrideSupersedesRecord(t *testing.T) {
	t.Parallel()
	r, store, _ := newTestRouter(t, "codex", "codex", "claude")
	ctx := context.Background()

	first, err := r.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.EngineID != "codex" {
		t.Fatalf("Resolve() engine = %q, want codex", first.EngineID)
	}

	switched, err := r.Resolve(ctx, "!r:x", "$a", "claude")
	if err != nil {
		t.Fatalf("Resolve(override) error = %v", err)
	}
	if switched.EngineID != "claude" || !switched.IsNew {
		t.Fatalf("Resolve(override) = %+v, want fresh claude session", switched)
	}
	if switched.SessionID == first.SessionID {
		t.Fatal("Resolve(override) reused the superseded session id")
	}

	// The durable record now belongs to the override engine.
	rec, err := store.Get(ctx, "!r:x", "$a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.EngineID != "claude" || rec.SessionID != switched.SessionID {
		t.Fatalf("Get() = %+v, want the override session", rec)
	}
}

func TestResolveOverrideMatchingRecordKeepsSession(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRouter(t, "codex", "codex", "claude")
	ctx := context.Background()

	first, err := r.Resolve(ctx, "!r:x", "$a", "codex")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	again, err := r.Resolve(ctx, "!r:x", "$a", "codex")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if again.SessionID != first.SessionID || again.IsNew {
		t.Fatalf("Resolve(same override) = %+v, want continuation of %+v", again, first)
	}
}

func TestResolveUnknownOverrideLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	r, store, _ := newTestRouter(t, "codex", "codex")
	ctx := context.Background()

	first, err := r.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	_, err = r.Resolve(ctx, "!r:x", "$a", "no-such-engine")
	if !errors.Is(err, ErrNoEngine) {
		t.Fatalf("Resolve(bad override) = %v, want ErrNoEngine", err)
	}

	rec, err := store.Get(ctx, "!r:x", "$a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.SessionID != first.SessionID {
		t.Fatalf("Get() session = %q, want untouched %q", rec.SessionID, first.SessionID)
	}
}

func TestResolveNoEngineAnywhere(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRouter(t, "")
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "!r:x", "$a", ""); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("Resolve() = %v, want ErrNoEngine", err)
	}
}

func TestInvalidateDropsDeadCacheEntry(t *testing.T) {
	t.Parallel()
	r, store, _ := newTestRouter(t, "codex", "codex")
	ctx := context.Background()

	first, err := r.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if err := store.ClearSession(ctx, "!r:x", "$a"); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	r.Invalidate("!r:x", "$a")

	fresh, err := r.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !fresh.IsNew || fresh.SessionID == first.SessionID {
		t.Fatalf("Resolve() after clear = %+v, want a fresh session", fresh)
	}
}

func TestBindingPutRejectsBadTriggerMode(t *testing.T) {
	t.Parallel()
	_, _, bindings := newTestRouter(t, "codex", "codex")

	err := bindings.Put(context.Background(), Binding{RoomID: "!r:x", TriggerMode: "sometimes"})
	if err == nil {
		t.Fatal("Put() = nil, want trigger mode error")
	}
}
