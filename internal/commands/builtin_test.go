package commands

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quailyquaily/morphbridge/db"
	"github.com/quailyquaily/morphbridge/internal/bus"
	"github.com/quailyquaily/morphbridge/internal/resume"
	"github.com/quailyquaily/morphbridge/internal/router"
)

type fakeEngines []string

func (f fakeEngines) Has(engineID string) bool {
	for _, e := range f {
		if e == engineID {
			return true
		}
	}
	return false
}

func (f fakeEngines) IDs() []string { return f }

type fakeBridge struct {
	reloads int
	phase   string
}

func (f *fakeBridge) Reload(ctx context.Context) error { f.reloads++; return nil }
func (f *fakeBridge) Phase() string                    { return f.phase }

type builtinHarness struct {
	reg      *Registry
	deps     Deps
	store    *resume.Store
	bindings *router.Bindings
	bridge   *fakeBridge
}

func newBuiltinHarness(t *testing.T) *builtinHarness {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "commands.sqlite")
	gdb, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	store, err := resume.NewStore(gdb, slog.Default())
	if err != nil {
		t.Fatalf("resume.NewStore() error = %v", err)
	}
	bindings, err := router.NewBindings(gdb)
	if err != nil {
		t.Fatalf("NewBindings() error = %v", err)
	}
	engines := fakeEngines{"codex", "claude"}
	rt, err := router.New(store, bindings, engines, "codex", slog.Default())
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	bridge := &fakeBridge{phase: "running"}
	deps := Deps{
		Bindings:      bindings,
		Router:        rt,
		Sessions:      store,
		Engines:       engines,
		Bridge:        bridge,
		DefaultEngine: "codex",
	}
	reg := NewRegistry(slog.Default())
	if err := RegisterBuiltins(reg, deps); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	return &builtinHarness{reg: reg, deps: deps, store: store, bindings: bindings, bridge: bridge}
}

func (h *builtinHarness) run(t *testing.T, anchor bus.Anchor, text string) string {
	t.Helper()
	inv, ok := ParseSlashCommand(text)
	if !ok {
		t.Fatalf("ParseSlashCommand(%q) did not recognize a command", text)
	}
	reply, handled, err := h.reg.Dispatch(context.Background(), Request{
		Event: bus.Event{
			ID:         "$cmd",
			RoomID:     "!r:x",
			Sender:     "@alice:example.org",
			Kind:       bus.KindMessage,
			Content:    text,
			Encryption: bus.EncryptionPlaintext,
			SentAt:     time.Now(),
		},
		Anchor:     anchor,
		Invocation: inv,
	})
	if err != nil {
		t.Fatalf("Dispatch(%q) error = %v", text, err)
	}
	if !handled {
		t.Fatalf("Dispatch(%q) handled = false", text)
	}
	return reply
}

func TestAgentCommandSetsAndClearsBinding(t *testing.T) {
	t.Parallel()
	h := newBuiltinHarness(t)
	ctx := context.Background()

	if reply := h.run(t, "$a", "/agent"); !strings.Contains(reply, "codex (global default)") {
		t.Fatalf("/agent = %q, want global default report", reply)
	}

	if reply := h.run(t, "$a", "/agent claude"); reply != "engine set to claude" {
		t.Fatalf("/agent claude = %q", reply)
	}
	binding, found, err := h.bindings.Get(ctx, "!r:x")
	if err != nil || !found {
		t.Fatalf("Get() = found %v, err %v", found, err)
	}
	if binding.DefaultEngine != "claude" {
		t.Fatalf("binding engine = %q, want claude", binding.DefaultEngine)
	}

	if reply := h.run(t, "$a", "/agent nope"); !strings.Contains(reply, "unknown engine") {
		t.Fatalf("/agent nope = %q, want unknown engine report", reply)
	}

	if reply := h.run(t, "$a", "/agent clear"); !strings.Contains(reply, "global default codex") {
		t.Fatalf("/agent clear = %q", reply)
	}
}

func TestNewCommandClearsSession(t *testing.T) {
	t.Parallel()
	h := newBuiltinHarness(t)
	ctx := context.Background()

	first, err := h.deps.Router.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if reply := h.run(t, "$a", "/new"); !strings.Contains(reply, "session cleared") {
		t.Fatalf("/new = %q", reply)
	}

	fresh, err := h.deps.Router.Resolve(ctx, "!r:x", "$a", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !fresh.IsNew || fresh.SessionID == first.SessionID {
		t.Fatalf("Resolve() after /new = %+v, want a fresh session", fresh)
	}
}

func TestCtxCommandProjectBinding(t *testing.T) {
	t.Parallel()
	h := newBuiltinHarness(t)
	ctx := context.Background()

	if reply := h.run(t, "$a", "/ctx"); reply != "no project bound" {
		t.Fatalf("/ctx = %q", reply)
	}
	if reply := h.run(t, "$a", "/ctx backend@main"); reply != "project set to backend@main" {
		t.Fatalf("/ctx backend@main = %q", reply)
	}

	binding, _, err := h.bindings.Get(ctx, "!r:x")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if binding.Project != "backend" || binding.Branch != "main" {
		t.Fatalf("binding = %+v, want backend@main", binding)
	}

	// The alias routes to the same handler.
	if reply := h.run(t, "$a", "/context"); reply != "project: backend@main" {
		t.Fatalf("/context = %q", reply)
	}
	if reply := h.run(t, "$a", "/ctx clear"); reply != "project binding cleared" {
		t.Fatalf("/ctx clear = %q", reply)
	}
}

func TestTriggerCommand(t *testing.T) {
	t.Parallel()
	h := newBuiltinHarness(t)

	if reply := h.run(t, "$a", "/trigger"); reply != "trigger mode: all" {
		t.Fatalf("/trigger = %q", reply)
	}
	if reply := h.run(t, "$a", "/trigger mentions"); reply != "trigger mode set to mentions" {
		t.Fatalf("/trigger mentions = %q", reply)
	}
	if reply := h.run(t, "$a", "/trigger sometimes"); !strings.HasPrefix(reply, "usage:") {
		t.Fatalf("/trigger sometimes = %q, want usage reply", reply)
	}
}

func TestReloadCommandDrivesBridge(t *testing.T) {
	t.Parallel()
	h := newBuiltinHarness(t)

	if reply := h.run(t, "$a", "/reload"); reply != "reload complete" {
		t.Fatalf("/reload = %q", reply)
	}
	if h.bridge.reloads != 1 {
		t.Fatalf("bridge reloads = %d, want 1", h.bridge.reloads)
	}
}
