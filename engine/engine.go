package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quailyquaily/morphbridge/internal/bus"
)

var (
	ErrDuplicateEngine = errors.New("engine: duplicate id")
	ErrUnknownEngine   = errors.New("engine: unknown id")
)

// Session is the engine-side context for one conversation anchor.
type Session struct {
	ID      string
	IsNew   bool
	Project string
	Branch  string
}

// Response is what an engine hands back for delivery into the room.
// ReplyTo pins the response into the conversation it answers.
type Response struct {
	Text    string
	ReplyTo string
}

// Engine consumes normalized conversation events. Handle is invoked at
// most once per event: the caller advances the event cursor only after
// Handle returns, so a crash between the two yields a retry, never a
// double-count against an acknowledged cursor.
type Engine interface {
	ID() string
	Handle(ctx context.Context, session Session, ev bus.Event) (Response, error)
}

// Registry holds the configured engines. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: map[string]Engine{}}
}

func (r *Registry) Register(e Engine) error {
	if e == nil {
		return fmt.Errorf("engine is required")
	}
	engineID := strings.TrimSpace(e.ID())
	if engineID == "" {
		return fmt.Errorf("engine id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[engineID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEngine, engineID)
	}
	r.engines[engineID] = e
	return nil
}

func (r *Registry) Get(engineID string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[engineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engineID)
	}
	return e, nil
}

func (r *Registry) Has(engineID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[engineID]
	return ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for engineID := range r.engines {
		ids = append(ids, engineID)
	}
	sort.Strings(ids)
	return ids
}
