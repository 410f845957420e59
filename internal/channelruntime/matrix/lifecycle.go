package matrix

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/resume"
)

// Pause stops intake. Events arriving while paused are dropped; they
// are covered by the next start's checkpoint replay.
func (r *Runtime) Pause() {
	r.paused.Store(true)
	r.logger.Info("runtime_paused")
}

// Drain waits for every queued per-anchor job to finish.
func (r *Runtime) Drain(ctx context.Context) error {
	return r.pool.Drain(ctx)
}

// Resume reopens the worker pool and the intake gate.
func (r *Runtime) Resume() {
	r.pool.Reopen()
	r.paused.Store(false)
	r.logger.Info("runtime_resumed")
}

// Replay re-fetches the room's event window since the checkpoint and
// feeds it through the normal pipeline. Events some anchor already
// answered — the checkpoint cursor and every record's committed event
// id — are skipped, so a stale window never re-invokes the engine.
// Decrypt-failed events are gated on the runtime's own context: the
// startup context ends when replay returns, but a late key must still
// recover the event.
func (r *Runtime) Replay(ctx context.Context, roomID id.RoomID, cp resume.Checkpoint, limit int) error {
	r.pool.Reopen()

	committed, err := r.store.CommittedEventIDs(ctx, roomID)
	if err != nil {
		return err
	}
	events, _, err := r.client.FetchEventsSince(ctx, roomID, cp.SyncToken, limit)
	if err != nil {
		return err
	}
	replayed := 0
	for _, in := range events {
		if in.Event == nil || string(in.Event.ID) == cp.CursorEventID {
			continue
		}
		if _, done := committed[in.Event.ID]; done {
			r.logger.Debug("runtime_duplicate_absorbed", "event_id", string(in.Event.ID))
			continue
		}
		if in.DecryptFailed {
			go r.gateUndecrypted(r.runCtx, in)
			continue
		}
		r.ingest(ctx, in)
		replayed++
	}
	r.logger.Info("runtime_replayed",
		"room_id", string(roomID),
		"events", replayed,
		"since_cursor", cp.Cursor,
	)
	return nil
}
