package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/quailyquaily/morphbridge/internal/resume"
	"github.com/quailyquaily/morphbridge/internal/router"
	"github.com/quailyquaily/morphbridge/internal/trust"
)

// Controller is the slice of the restart orchestrator the builtin
// commands drive.
type Controller interface {
	Reload(ctx context.Context) error
	Phase() string
}

// EngineSet is what the builtins need from the engine registry.
type EngineSet interface {
	Has(engineID string) bool
	IDs() []string
}

// Deps wires the builtin command handlers to the bridge's stores and
// control surfaces.
type Deps struct {
	Bindings      *router.Bindings
	Router        *router.Router
	Sessions      *resume.Store
	Trust         *trust.Manager
	Engines       EngineSet
	Bridge        Controller
	DefaultEngine string
}

// RegisterBuiltins installs the builtin command set. Alias conflicts
// fail registration, which fails startup.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	builtins := []Command{
		{
			Name:    "agent",
			Summary: "show or set the room's default engine",
			Usage:   "[<engine>|clear]",
			Run:     deps.runAgent,
		},
		{
			Name:    "new",
			Summary: "end the current conversation session",
			Run:     deps.runNew,
		},
		{
			Name:    "ctx",
			Aliases: []string{"context"},
			Summary: "show or set the room's project binding",
			Usage:   "[<project>[@<branch>]|clear]",
			Run:     deps.runCtx,
		},
		{
			Name:    "trigger",
			Summary: "show or set when the room invokes the engine",
			Usage:   "[all|mentions]",
			Run:     deps.runTrigger,
		},
		{
			Name:    "reload",
			Summary: "drain, checkpoint, and replay without restarting",
			Run:     deps.runReload,
		},
		{
			Name:    "status",
			Summary: "report bridge phase, sessions, and degraded rooms",
			Run:     deps.runStatus,
		},
	}
	for _, cmd := range builtins {
		if err := reg.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) runAgent(ctx context.Context, req Request) (string, error) {
	binding, _, err := d.Bindings.Get(ctx, req.Event.RoomID)
	if err != nil {
		return "", err
	}
	binding.RoomID = req.Event.RoomID

	switch {
	case len(req.Invocation.Args) == 0:
		if binding.DefaultEngine == "" {
			return fmt.Sprintf("engine: %s (global default)", d.DefaultEngine), nil
		}
		return fmt.Sprintf("engine: %s", binding.DefaultEngine), nil
	case len(req.Invocation.Args) > 1:
		return usageReply("agent", "[<engine>|clear]"), nil
	}

	arg := strings.ToLower(req.Invocation.Args[0])
	if arg == "clear" {
		binding.DefaultEngine = ""
		if err := d.Bindings.Put(ctx, binding); err != nil {
			return "", err
		}
		return fmt.Sprintf("engine cleared, using global default %s", d.DefaultEngine), nil
	}
	if !d.Engines.Has(arg) {
		return fmt.Sprintf("unknown engine %q, registered: %s", arg, strings.Join(d.Engines.IDs(), ", ")), nil
	}
	binding.DefaultEngine = arg
	if err := d.Bindings.Put(ctx, binding); err != nil {
		return "", err
	}
	return fmt.Sprintf("engine set to %s", arg), nil
}

func (d Deps) runNew(ctx context.Context, req Request) (string, error) {
	if err := d.Sessions.ClearSession(ctx, req.Event.RoomID, req.Anchor); err != nil {
		return "", err
	}
	d.Router.Invalidate(req.Event.RoomID, req.Anchor)
	return "session cleared, the next message starts fresh", nil
}

func (d Deps) runCtx(ctx context.Context, req Request) (string, error) {
	binding, _, err := d.Bindings.Get(ctx, req.Event.RoomID)
	if err != nil {
		return "", err
	}
	binding.RoomID = req.Event.RoomID

	switch {
	case len(req.Invocation.Args) == 0:
		if binding.Project == "" {
			return "no project bound", nil
		}
		if binding.Branch != "" {
			return fmt.Sprintf("project: %s@%s", binding.Project, binding.Branch), nil
		}
		return fmt.Sprintf("project: %s", binding.Project), nil
	case len(req.Invocation.Args) > 1:
		return usageReply("ctx", "[<project>[@<branch>]|clear]"), nil
	}

	arg := req.Invocation.Args[0]
	if strings.EqualFold(arg, "clear") {
		binding.Project = ""
		binding.Branch = ""
		if err := d.Bindings.Put(ctx, binding); err != nil {
			return "", err
		}
		return "project binding cleared", nil
	}

	project, branch, _ := strings.Cut(arg, "@")
	if project == "" {
		return usageReply("ctx", "[<project>[@<branch>]|clear]"), nil
	}
	binding.Project = project
	binding.Branch = branch
	if err := d.Bindings.Put(ctx, binding); err != nil {
		return "", err
	}
	if branch != "" {
		return fmt.Sprintf("project set to %s@%s", project, branch), nil
	}
	return fmt.Sprintf("project set to %s", project), nil
}

func (d Deps) runTrigger(ctx context.Context, req Request) (string, error) {
	binding, _, err := d.Bindings.Get(ctx, req.Event.RoomID)
	if err != nil {
		return "", err
	}
	binding.RoomID = req.Event.RoomID

	if len(req.Invocation.Args) == 0 {
		mode := binding.TriggerMode
		if mode == "" {
			mode = router.TriggerAll
		}
		return fmt.Sprintf("trigger mode: %s", mode), nil
	}

	mode := strings.ToLower(req.Invocation.Args[0])
	if mode != router.TriggerAll && mode != router.TriggerMentions {
		return usageReply("trigger", "[all|mentions]"), nil
	}
	binding.TriggerMode = mode
	if err := d.Bindings.Put(ctx, binding); err != nil {
		return "", err
	}
	return fmt.Sprintf("trigger mode set to %s", mode), nil
}

func (d Deps) runReload(ctx context.Context, req Request) (string, error) {
	if err := d.Bridge.Reload(ctx); err != nil {
		return "", err
	}
	return "reload complete", nil
}

func (d Deps) runStatus(ctx context.Context, req Request) (string, error) {
	sessions, err := d.Sessions.SessionCount(ctx, "")
	if err != nil {
		return "", err
	}
	roomSessions, err := d.Sessions.SessionCount(ctx, req.Event.RoomID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "phase: %s\n", d.Bridge.Phase())
	fmt.Fprintf(&b, "sessions: %d (%d in this room)\n", sessions, roomSessions)
	fmt.Fprintf(&b, "engines: %s", strings.Join(d.Engines.IDs(), ", "))
	if degraded := d.Trust.DegradedRooms(); len(degraded) > 0 {
		refs := make([]string, 0, len(degraded))
		for _, roomID := range degraded {
			refs = append(refs, string(roomID))
		}
		fmt.Fprintf(&b, "\ndegraded rooms: %s", strings.Join(refs, ", "))
	}
	return b.String(), nil
}
