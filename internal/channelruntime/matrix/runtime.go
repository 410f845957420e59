// Package matrix wires the full event pipeline for one homeserver
// connection: sync intake, normalization, the decrypt-readiness gate,
// command dispatch, per-anchor serialized engine invocation, and the
// drain/replay hooks the restart orchestrator drives.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/engine"
	"github.com/quailyquaily/morphbridge/internal/bus"
	"github.com/quailyquaily/morphbridge/internal/channelruntime/worker"
	"github.com/quailyquaily/morphbridge/internal/commands"
	"github.com/quailyquaily/morphbridge/internal/normalize"
	"github.com/quailyquaily/morphbridge/internal/resume"
	"github.com/quailyquaily/morphbridge/internal/router"
	"github.com/quailyquaily/morphbridge/internal/trust"
	"github.com/quailyquaily/morphbridge/matrixclient"
)

type Options struct {
	Client     matrixclient.Client
	Normalizer *normalize.Normalizer
	Router     *router.Router
	Engines    *engine.Registry
	Commands   *commands.Registry
	Bindings   *router.Bindings
	Store      *resume.Store
	Trust      *trust.Manager
	Logger     *slog.Logger

	Rooms              []id.RoomID
	QueueSize          int
	WorkerIdleAfter    time.Duration
	SweepInterval      time.Duration
	DecryptHoldTimeout time.Duration
	DecryptPoll        time.Duration
	SendStartupMessage bool
}

type anchorJob struct {
	event    bus.Event
	anchor   bus.Anchor
	override string
}

type Runtime struct {
	client   matrixclient.Client
	norm     *normalize.Normalizer
	router   *router.Router
	engines  *engine.Registry
	commands *commands.Registry
	bindings *router.Bindings
	store    *resume.Store
	trust    *trust.Manager
	logger   *slog.Logger

	rooms         []id.RoomID
	sweepInterval time.Duration
	decryptHold   time.Duration
	decryptPoll   time.Duration
	sendStartup   bool

	// runCtx bounds every worker job and background gate; it is
	// cancelled when the context driving Run ends, so in-flight engine
	// calls stop with the process instead of running detached.
	runCtx context.Context
	cancel context.CancelFunc
	pool   *worker.Pool[anchorJob]
	paused atomic.Bool

	mu      sync.Mutex
	cursors map[id.RoomID]int64
	seen    map[string]struct{}
	seenQ   []string
	failed  map[id.EventID]int64
}

const seenLimit = 4096

func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Client == nil || opts.Normalizer == nil || opts.Router == nil ||
		opts.Engines == nil || opts.Commands == nil || opts.Bindings == nil ||
		opts.Store == nil || opts.Trust == nil {
		return nil, fmt.Errorf("matrix runtime is missing a collaborator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	hold := opts.DecryptHoldTimeout
	if hold <= 0 {
		hold = 30 * time.Second
	}
	poll := opts.DecryptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	r := &Runtime{
		client:        opts.Client,
		norm:          opts.Normalizer,
		router:        opts.Router,
		engines:       opts.Engines,
		commands:      opts.Commands,
		bindings:      opts.Bindings,
		store:         opts.Store,
		trust:         opts.Trust,
		logger:        logger,
		rooms:         append([]id.RoomID(nil), opts.Rooms...),
		sweepInterval: sweep,
		decryptHold:   hold,
		decryptPoll:   poll,
		sendStartup:   opts.SendStartupMessage,
		cursors:       map[id.RoomID]int64{},
		seen:          map[string]struct{}{},
		failed:        map[id.EventID]int64{},
	}
	r.paused.Store(true)

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 32
	}
	idleAfter := opts.WorkerIdleAfter
	if idleAfter <= 0 {
		idleAfter = 10 * time.Minute
	}
	r.runCtx, r.cancel = context.WithCancel(context.Background())
	r.pool = worker.NewPool(worker.PoolOptions[anchorJob]{
		Ctx:       r.runCtx,
		Handle:    r.handleJob,
		QueueSize: queueSize,
		IdleAfter: idleAfter,
	})
	return r, nil
}

// Run pumps the sync loop until ctx is cancelled. The pipeline must be
// opened by the orchestrator's Start (replay then Resume) before
// events flow; until then intake drops events that replay will cover.
func (r *Runtime) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()
	go r.sweepLoop(r.runCtx)
	return r.client.Run(ctx, r.HandleIncoming)
}

// HandleIncoming is the sync-loop sink. It runs on the sync goroutine,
// so normalization and enqueueing preserve per-room arrival order.
func (r *Runtime) HandleIncoming(in matrixclient.Incoming) {
	if r.paused.Load() {
		if in.Event != nil {
			r.logger.Debug("runtime_intake_paused", "event_id", string(in.Event.ID))
		}
		return
	}
	if in.DecryptFailed {
		go r.gateUndecrypted(r.runCtx, in)
		return
	}
	r.ingest(r.runCtx, in)
}

// ingest normalizes one deliverable event and routes it plus any edits
// its arrival released.
func (r *Runtime) ingest(ctx context.Context, in matrixclient.Incoming) {
	raw := normalize.RawEvent{
		Event:         in.Event,
		SenderDevice:  in.SenderDevice,
		Encrypted:     in.Encrypted,
		DecryptFailed: in.DecryptFailed,
	}
	if in.Encrypted && in.Event != nil {
		raw.KeyGeneration = r.trust.Generation(in.Event.RoomID)
	}
	ev, released, err := r.norm.Normalize(raw)
	if err != nil {
		r.logger.Warn("runtime_normalize_error", "error", err.Error())
		return
	}
	if ev != nil {
		r.route(ctx, *ev)
	}
	for _, rel := range released {
		r.route(ctx, rel)
	}
}

// route classifies one canonical event and hands it to the right path:
// membership refresh, command dispatch, or the per-anchor engine queue.
func (r *Runtime) route(ctx context.Context, ev bus.Event) {
	if r.absorbDuplicate(ev) {
		return
	}
	if ev.Encryption == bus.EncryptionPending {
		// Reached the pipeline means the client decrypted it.
		ev.Encryption = bus.EncryptionReady
	}
	if err := ev.Validate(); err != nil {
		r.logger.Warn("runtime_event_invalid", "event_id", string(ev.ID), "error", err.Error())
		return
	}

	switch ev.Kind {
	case bus.KindMembership:
		go r.refreshMembers(ctx, ev.RoomID)
		return
	case bus.KindReaction:
		// Reactions carry no engine-visible content.
		return
	}

	if ev.Sender == r.client.UserID() {
		return
	}

	override := ""
	if inv, ok := commands.ParseSlashCommand(ev.Content); ok {
		if r.engines.Has(inv.Name) {
			override = inv.Name
			ev.Content = inv.ArgText
		} else if _, known := r.commands.Lookup(inv.Name); known {
			// Commands run outside the anchor serialization discipline.
			go r.runCommand(ctx, ev, inv)
			return
		}
		// Unrecognized commands fall through as free text.
	}

	anchor := r.norm.AnchorOf(ev.ID)
	ev.Cursor = r.nextCursor(ctx, ev.RoomID)
	job := anchorJob{event: ev, anchor: anchor, override: override}
	key, err := bus.BuildAnchorKey(ev.RoomID, anchor)
	if err != nil {
		r.logger.Warn("runtime_anchor_key_error", "event_id", string(ev.ID), "error", err.Error())
		return
	}
	if err := r.pool.Enqueue(ctx, key, job); err != nil {
		r.logger.Warn("runtime_enqueue_error", "anchor_key", key, "error", err.Error())
	}
}

// handleJob is the per-anchor worker body: trigger filtering, routing,
// engine invocation, cursor advance, then the response send.
func (r *Runtime) handleJob(ctx context.Context, key string, job anchorJob) {
	ev := job.event

	binding, _, err := r.bindings.Get(ctx, ev.RoomID)
	if err != nil {
		r.logger.Warn("runtime_binding_error", "room_id", string(ev.RoomID), "error", err.Error())
		return
	}
	if job.override == "" && binding.TriggerMode == router.TriggerMentions && !r.mentionsSelf(ev) {
		return
	}

	res, err := r.router.Resolve(ctx, ev.RoomID, job.anchor, job.override)
	if err != nil {
		r.logger.Warn("runtime_routing_error",
			"anchor_key", key,
			"event_id", string(ev.ID),
			"error", err.Error(),
		)
		r.notice(ctx, ev.RoomID, "message could not be routed: no engine available")
		return
	}

	eng, err := r.engines.Get(res.EngineID)
	if err != nil {
		r.logger.Error("runtime_engine_missing", "engine_id", res.EngineID, "error", err.Error())
		return
	}

	if ev.Kind == bus.KindReply {
		r.enrichReply(ctx, &ev)
	}

	session := engine.Session{
		ID:      res.SessionID,
		IsNew:   res.IsNew,
		Project: res.Binding.Project,
		Branch:  res.Binding.Branch,
	}
	resp, handleErr := eng.Handle(ctx, session, ev)
	if handleErr != nil {
		r.logger.Warn("runtime_engine_error",
			"engine_id", res.EngineID,
			"session_id", res.SessionID,
			"event_id", string(ev.ID),
			"error", handleErr.Error(),
		)
		r.notice(ctx, ev.RoomID, "message could not be processed")
		return
	}

	if err := r.store.AdvanceCursor(ctx, ev.RoomID, job.anchor, ev.Cursor, ev.ID); err != nil {
		if errorsIsCursorRegression(err) {
			r.logger.Debug("runtime_duplicate_absorbed", "event_id", string(ev.ID))
			return
		}
		r.logger.Error("runtime_cursor_error", "anchor_key", key, "error", err.Error())
		return
	}

	if resp.Text != "" {
		r.respond(ctx, ev.RoomID, resp)
	}
}

func (r *Runtime) runCommand(ctx context.Context, ev bus.Event, inv commands.Invocation) {
	req := commands.Request{
		Event:      ev,
		Anchor:     r.norm.AnchorOf(ev.ID),
		Invocation: inv,
	}
	reply, handled, err := r.commands.Dispatch(ctx, req)
	if err != nil {
		r.notice(ctx, ev.RoomID, fmt.Sprintf("command failed: %s", err))
		return
	}
	if handled && reply != "" {
		r.respond(ctx, ev.RoomID, engine.Response{Text: reply, ReplyTo: string(ev.ID)})
	}
}

// respond delivers a message, holding the room's encryption invariant:
// nothing goes out while the current key generation is not fully
// distributed. One re-share is attempted before giving up.
func (r *Runtime) respond(ctx context.Context, roomID id.RoomID, resp engine.Response) {
	if r.trust.Generation(roomID) > 0 && !r.trust.SendReady(roomID) {
		if err := r.trust.Reshare(ctx, roomID); err != nil || !r.trust.SendReady(roomID) {
			r.logger.Warn("runtime_send_blocked", "room_id", string(roomID))
			return
		}
	}
	msg := matrixclient.Outgoing{Text: resp.Text, ReplyTo: id.EventID(resp.ReplyTo)}
	if _, err := r.client.Send(ctx, roomID, msg); err != nil {
		r.logger.Warn("runtime_send_error", "room_id", string(roomID), "error", err.Error())
	}
}

func (r *Runtime) notice(ctx context.Context, roomID id.RoomID, text string) {
	if _, err := r.client.Send(ctx, roomID, matrixclient.Outgoing{Text: text}); err != nil {
		r.logger.Debug("runtime_notice_error", "room_id", string(roomID), "error", err.Error())
	}
}

// refreshMembers re-reads the room's device list and applies it to the
// key manager, which rotates on removals and re-shares to newcomers.
func (r *Runtime) refreshMembers(ctx context.Context, roomID id.RoomID) {
	devices, err := r.client.RoomDevices(ctx, roomID)
	if err != nil {
		r.logger.Warn("runtime_member_refresh_error", "room_id", string(roomID), "error", err.Error())
		return
	}
	for _, ref := range devices {
		if _, err := r.trust.ObserveDevice(ctx, ref); err != nil {
			r.logger.Warn("runtime_observe_device_error", "error", err.Error())
		}
	}
	if err := r.trust.SetMembers(ctx, roomID, devices); err != nil {
		r.logger.Warn("runtime_set_members_error", "room_id", string(roomID), "error", err.Error())
	}
}

func (r *Runtime) mentionsSelf(ev bus.Event) bool {
	self := r.client.UserID()
	for _, userID := range ev.Mentions {
		if userID == self {
			return true
		}
	}
	return false
}

// absorbDuplicate records the event's idempotency key and reports
// whether it was already processed this run.
func (r *Runtime) absorbDuplicate(ev bus.Event) bool {
	key := idempotencyKey(ev)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		r.logger.Debug("runtime_duplicate_absorbed", "event_id", string(ev.ID))
		return true
	}
	r.seen[key] = struct{}{}
	r.seenQ = append(r.seenQ, key)
	if len(r.seenQ) > seenLimit {
		evict := r.seenQ[0]
		r.seenQ = r.seenQ[1:]
		delete(r.seen, evict)
	}
	return false
}

// nextCursor assigns the room's next arrival-order cursor, seeded from
// the durable high-water mark on first use after start.
func (r *Runtime) nextCursor(ctx context.Context, roomID id.RoomID) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	base, ok := r.cursors[roomID]
	if !ok {
		committed, err := r.store.MaxCursor(ctx, roomID)
		if err != nil {
			r.logger.Warn("runtime_cursor_seed_error", "room_id", string(roomID), "error", err.Error())
		}
		if cp, found, err := r.store.LoadCheckpoint(ctx, roomID); err == nil && found && cp.Cursor > committed {
			committed = cp.Cursor
		}
		base = committed
	}
	base++
	r.cursors[roomID] = base
	return base
}

func (r *Runtime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range r.norm.Sweep() {
				r.route(ctx, ev)
			}
			r.pool.Reap(time.Now())
			if _, err := r.trust.ExpireVerifying(ctx, time.Now().UTC()); err != nil {
				r.logger.Warn("runtime_verify_sweep_error", "error", err.Error())
			}
			for _, roomID := range r.rooms {
				if err := r.trust.EnsureRotationFresh(ctx, roomID, time.Now().UTC()); err != nil {
					r.logger.Warn("runtime_rotation_error", "room_id", string(roomID), "error", err.Error())
				}
			}
		}
	}
}
