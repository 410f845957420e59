package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/resume"
	"github.com/quailyquaily/morphbridge/internal/retryutil"
)

type Phase string

const (
	PhaseStopped      Phase = "stopped"
	PhaseReplaying    Phase = "replaying"
	PhaseRunning      Phase = "running"
	PhaseDraining     Phase = "draining"
	PhaseCheckpointed Phase = "checkpointed"
)

var (
	ErrUncleanStop   = errors.New("lifecycle: unclean stop")
	ErrBadTransition = errors.New("lifecycle: phase transition not allowed")
)

// Runtime is the event pipeline the orchestrator coordinates: pause
// intake, drain in-flight work, resume, and replay one room's missed
// window from a checkpoint.
type Runtime interface {
	Pause()
	Drain(ctx context.Context) error
	Resume()
	Replay(ctx context.Context, roomID id.RoomID, cp resume.Checkpoint, limit int) error
}

type Config struct {
	DrainTimeout      time.Duration
	CheckpointRetries int
	ReplayLimit       int
}

func (c Config) normalize() Config {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.CheckpointRetries <= 0 {
		c.CheckpointRetries = 3
	}
	if c.ReplayLimit <= 0 {
		c.ReplayLimit = 200
	}
	return c
}

// Orchestrator drives the bridge through its phases:
// stopped → replaying → running for startup, running → draining →
// checkpointed → stopped for shutdown, and reload as the two sequences
// back to back without leaving the process.
type Orchestrator struct {
	runtime   Runtime
	store     *resume.Store
	rooms     []id.RoomID
	syncToken func(ctx context.Context) (string, error)
	logger    *slog.Logger
	cfg       Config

	mu    sync.Mutex
	phase Phase
}

func NewOrchestrator(runtime Runtime, store *resume.Store, rooms []id.RoomID, syncToken func(ctx context.Context) (string, error), logger *slog.Logger, cfg Config) (*Orchestrator, error) {
	if runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if store == nil {
		return nil, fmt.Errorf("resume store is required")
	}
	if syncToken == nil {
		return nil, fmt.Errorf("sync token source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runtime:   runtime,
		store:     store,
		rooms:     append([]id.RoomID(nil), rooms...),
		syncToken: syncToken,
		logger:    logger,
		cfg:       cfg.normalize(),
		phase:     PhaseStopped,
	}, nil
}

func (o *Orchestrator) Phase() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return string(o.phase)
}

// Start replays each room's missed window from its checkpoint and
// opens the pipeline. The runtime absorbs window events the committed
// records already answered, so replay is idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(PhaseStopped, PhaseReplaying); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, roomID := range o.rooms {
		g.Go(func() error {
			cp, found, err := o.store.LoadCheckpoint(gctx, roomID)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			if err := o.runtime.Replay(gctx, roomID, cp, o.cfg.ReplayLimit); err != nil {
				return fmt.Errorf("replay %s: %w", roomID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.setPhase(PhaseStopped)
		return err
	}

	o.runtime.Resume()
	o.setPhase(PhaseRunning)
	o.logger.Info("lifecycle_started", "rooms", len(o.rooms))
	return nil
}

// Stop drains in-flight work, checkpoints every room with bounded
// retries, and halts the pipeline. A room whose checkpoint cannot be
// written within the retry budget makes the stop unclean: the process
// still stops, but the error reports the rooms that will rely on
// duplicate absorption at next start.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if err := o.transition(PhaseRunning, PhaseDraining); err != nil {
		return err
	}
	o.runtime.Pause()

	drainCtx, cancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
	defer cancel()
	if err := o.runtime.Drain(drainCtx); err != nil {
		o.logger.Warn("lifecycle_drain_timeout", "error", err.Error())
	}

	checkpointErr := o.checkpointAll(ctx)
	if checkpointErr == nil {
		o.setPhase(PhaseCheckpointed)
	}
	o.setPhase(PhaseStopped)
	o.logger.Info("lifecycle_stopped", "clean", checkpointErr == nil)
	return checkpointErr
}

// Reload runs the shutdown and startup sequences back to back without
// leaving the process.
func (o *Orchestrator) Reload(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil && !errors.Is(err, ErrUncleanStop) {
		return err
	}
	return o.Start(ctx)
}

func (o *Orchestrator) checkpointAll(ctx context.Context) error {
	token, err := o.syncToken(ctx)
	if err != nil {
		o.logger.Warn("lifecycle_sync_token_error", "error", err.Error())
	}

	policy := retryutil.Policy{
		MaxAttempts: o.cfg.CheckpointRetries,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
	var failed []id.RoomID
	for _, roomID := range o.rooms {
		err := retryutil.Do(ctx, o.logger, "lifecycle_checkpoint", policy, func(ctx context.Context) error {
			_, err := o.store.Checkpoint(ctx, roomID, token)
			return err
		})
		if err != nil {
			failed = append(failed, roomID)
			o.logger.Error("lifecycle_checkpoint_failed", "room_id", string(roomID), "error", err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %d rooms not checkpointed", ErrUncleanStop, len(failed))
	}
	return nil
}

func (o *Orchestrator) transition(from, to Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrBadTransition, from, to, o.phase)
	}
	o.phase = to
	return nil
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
}
