package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/quailyquaily/morphbridge/internal/bus"
)

var ErrAliasConflict = errors.New("commands: alias conflict")

// Request carries one recognized command to its handler.
type Request struct {
	Event      bus.Event
	Anchor     bus.Anchor
	Invocation Invocation
}

// Handler runs one command and returns the reply text for the room.
type Handler func(ctx context.Context, req Request) (string, error)

type Command struct {
	Name    string
	Aliases []string
	Summary string
	Usage   string
	Run     Handler
}

// Registry maps command names and aliases to handlers. Registration is
// fail-fast: a name or alias claimed twice is a configuration error
// surfaced at startup, before any event is accepted.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	commands map[string]*Command
	names    []string
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		commands: map[string]*Command{},
	}
}

func (r *Registry) Register(cmd Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if cmd.Run == nil {
		return fmt.Errorf("command %s has no handler", name)
	}

	keys := []string{name}
	for _, alias := range cmd.Aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias == "" || alias == name {
			continue
		}
		keys = append(keys, alias)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if existing, ok := r.commands[key]; ok {
			return fmt.Errorf("%w: %q already registered by %s", ErrAliasConflict, key, existing.Name)
		}
	}
	registered := cmd
	registered.Name = name
	for _, key := range keys {
		r.commands[key] = &registered
	}
	r.names = append(r.names, name)
	sort.Strings(r.names)
	return nil
}

// Dispatch runs the command named by the invocation. handled reports
// whether the name matched a registered command; unmatched invocations
// fall through to the free-text path untouched.
func (r *Registry) Dispatch(ctx context.Context, req Request) (string, bool, error) {
	r.mu.RLock()
	cmd, ok := r.commands[req.Invocation.Name]
	r.mu.RUnlock()
	if !ok {
		return "", false, nil
	}

	r.logger.Info("command_dispatch",
		"command", cmd.Name,
		"room_id", string(req.Event.RoomID),
		"sender", string(req.Event.Sender),
	)
	reply, err := cmd.Run(ctx, req)
	if err != nil {
		r.logger.Warn("command_error",
			"command", cmd.Name,
			"room_id", string(req.Event.RoomID),
			"error", err.Error(),
		)
		return "", true, err
	}
	return reply, true, nil
}

// Names lists registered primary command names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Lookup resolves a name or alias to its command.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(name)]
	if !ok {
		return Command{}, false
	}
	return *cmd, true
}

// usageReply formats a command misuse message.
func usageReply(cmd string, usage string) string {
	return fmt.Sprintf("usage: /%s %s", cmd, usage)
}
