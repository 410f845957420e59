package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/bus"
	"github.com/quailyquaily/morphbridge/internal/resume"
)

// ErrNoEngine is returned when no resolution step yields a registered
// engine. The anchor's state is left untouched so a later event can
// still create the session cleanly.
var ErrNoEngine = errors.New("router: no engine resolved")

// EngineSet answers whether an engine id is registered. The engine
// registry satisfies it.
type EngineSet interface {
	Has(engineID string) bool
}

// Resolution is the routing decision for one event: the engine that
// owns the anchor, the engine-side session id, and whether this event
// created the session.
type Resolution struct {
	EngineID  string
	SessionID string
	IsNew     bool
	Binding   Binding
}

// Router maps (room, anchor) to an engine session. Resolution order is
// fixed: per-event override, then existing durable record, then the
// room binding's default engine, then the global default. The transient
// cache only short-circuits the durable lookup; the store stays the
// source of truth.
type Router struct {
	store         *resume.Store
	bindings      *Bindings
	engines       EngineSet
	defaultEngine string
	logger        *slog.Logger

	mu    sync.Mutex
	cache map[string]Resolution
}

func New(store *resume.Store, bindings *Bindings, engines EngineSet, defaultEngine string, logger *slog.Logger) (*Router, error) {
	if store == nil {
		return nil, fmt.Errorf("router requires a resume store")
	}
	if bindings == nil {
		return nil, fmt.Errorf("router requires a bindings store")
	}
	if engines == nil {
		return nil, fmt.Errorf("router requires an engine set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:         store,
		bindings:      bindings,
		engines:       engines,
		defaultEngine: strings.TrimSpace(defaultEngine),
		logger:        logger,
		cache:         map[string]Resolution{},
	}, nil
}

// Resolve routes one event. Precedence: an explicit per-event engine
// override, then the anchor's existing record, then the room binding's
// default engine, then the global default. An override naming a
// different engine than the anchor's live record supersedes it and
// starts a fresh session; without an override the record always wins,
// so later binding changes never switch an anchor mid-conversation.
func (r *Router) Resolve(ctx context.Context, roomID id.RoomID, anchor bus.Anchor, override string) (Resolution, error) {
	key, err := bus.BuildAnchorKey(roomID, anchor)
	if err != nil {
		return Resolution{}, err
	}
	override = strings.TrimSpace(override)
	if override != "" && !r.engines.Has(override) {
		return Resolution{}, fmt.Errorf("%w: engine %q is not registered", ErrNoEngine, override)
	}

	binding, _, err := r.bindings.Get(ctx, roomID)
	if err != nil {
		return Resolution{}, err
	}

	if override == "" {
		r.mu.Lock()
		cached, ok := r.cache[key]
		r.mu.Unlock()
		if ok {
			cached.Binding = binding
			cached.IsNew = false
			return cached, nil
		}
	}

	record, err := r.store.Get(ctx, roomID, anchor)
	switch {
	case err == nil && (override == "" || override == record.EngineID):
		res := Resolution{
			EngineID:  record.EngineID,
			SessionID: record.SessionID,
			Binding:   binding,
		}
		r.remember(key, res)
		return res, nil
	case err == nil:
		if err := r.store.ClearSession(ctx, roomID, anchor); err != nil {
			return Resolution{}, err
		}
		r.Invalidate(roomID, anchor)
	case !errors.Is(err, resume.ErrNotFound):
		return Resolution{}, err
	}

	engineID, err := r.selectEngine(override, binding)
	if err != nil {
		return Resolution{}, err
	}

	sessionID, err := newSessionID()
	if err != nil {
		return Resolution{}, err
	}
	stored, created, err := r.store.GetOrCreate(ctx, roomID, anchor, engineID, sessionID)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{
		EngineID:  stored.EngineID,
		SessionID: stored.SessionID,
		IsNew:     created,
		Binding:   binding,
	}
	r.remember(key, res)
	if created {
		r.logger.Info("router_session_created",
			"anchor_key", key,
			"engine_id", stored.EngineID,
			"session_id", stored.SessionID,
		)
	}
	return res, nil
}

// Invalidate drops the transient entry for (room, anchor). Callers that
// clear the durable record must invalidate too, or the cache would
// resurrect the dead session.
func (r *Router) Invalidate(roomID id.RoomID, anchor bus.Anchor) {
	key, err := bus.BuildAnchorKey(roomID, anchor)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
}

func (r *Router) selectEngine(override string, binding Binding) (string, error) {
	for _, candidate := range []string{strings.TrimSpace(override), binding.DefaultEngine, r.defaultEngine} {
		if candidate == "" {
			continue
		}
		if !r.engines.Has(candidate) {
			return "", fmt.Errorf("%w: engine %q is not registered", ErrNoEngine, candidate)
		}
		return candidate, nil
	}
	return "", ErrNoEngine
}

func (r *Router) remember(key string, res Resolution) {
	res.Binding = Binding{}
	res.IsNew = false
	r.mu.Lock()
	r.cache[key] = res
	r.mu.Unlock()
}

func newSessionID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return u.String(), nil
}
