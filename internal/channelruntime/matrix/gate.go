package matrix

import (
	"context"
	"errors"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/bus"
	"github.com/quailyquaily/morphbridge/internal/idempotency"
	"github.com/quailyquaily/morphbridge/internal/resume"
	"github.com/quailyquaily/morphbridge/matrixclient"
)

// gateUndecrypted holds an event that failed decryption, polling for
// the key within the bounded hold. On success the event is re-read
// decrypted and enters the pipeline as encrypted-ready. On timeout it
// is classified decrypt-failed: a best-effort notice goes to the room,
// a key re-share is requested, and polling continues in the background
// so a late key still recovers the event exactly once.
func (r *Runtime) gateUndecrypted(ctx context.Context, in matrixclient.Incoming) {
	if in.Event == nil {
		return
	}
	roomID := in.Event.RoomID
	eventID := in.Event.ID
	generation := r.trust.Generation(roomID)

	r.mu.Lock()
	if _, held := r.failed[eventID]; held {
		r.mu.Unlock()
		return
	}
	r.failed[eventID] = generation
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.failed, eventID)
		r.mu.Unlock()
	}()

	deadline := time.Now().Add(r.decryptHold)
	notified := false
	ticker := time.NewTicker(r.decryptPoll)
	defer ticker.Stop()

	for {
		recovered, err := r.client.RefetchEvent(ctx, roomID, eventID)
		if err == nil && !recovered.DecryptFailed {
			if generation > 0 {
				if err := r.trust.KeyArrived(ctx, roomID, generation); err != nil {
					r.logger.Warn("runtime_key_arrived_error", "room_id", string(roomID), "error", err.Error())
				}
			}
			r.logger.Info("runtime_decrypt_recovered",
				"room_id", string(roomID),
				"event_id", string(eventID),
			)
			r.ingest(ctx, recovered)
			return
		}

		if !notified && time.Now().After(deadline) {
			notified = true
			r.logger.Warn("runtime_decrypt_failed",
				"room_id", string(roomID),
				"event_id", string(eventID),
				"generation", generation,
			)
			r.notice(ctx, roomID, "message could not be processed — key not yet available")
			go func() {
				if err := r.trust.Reshare(ctx, roomID); err != nil {
					r.logger.Warn("runtime_reshare_error", "room_id", string(roomID), "error", err.Error())
				}
			}()
		}

		if notified && r.trust.Degraded(roomID) {
			r.logger.Warn("runtime_decrypt_abandoned",
				"room_id", string(roomID),
				"event_id", string(eventID),
			)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// enrichReply distinguishes a reply target that failed decryption
// (a DecryptFailure, triggers re-share) from one that is simply not in
// the window (not an error). Known targets contribute their current
// visible content for the engine.
func (r *Runtime) enrichReply(ctx context.Context, ev *bus.Event) {
	r.mu.Lock()
	_, targetFailed := r.failed[ev.ReplyTo]
	r.mu.Unlock()
	if targetFailed {
		r.logger.Warn("runtime_reply_target_undecrypted",
			"event_id", string(ev.ID),
			"reply_to", string(ev.ReplyTo),
		)
		roomID := ev.RoomID
		go func() {
			if err := r.trust.Reshare(ctx, roomID); err != nil {
				r.logger.Warn("runtime_reshare_error", "room_id", string(roomID), "error", err.Error())
			}
		}()
		return
	}
	if quoted, ok := r.norm.VisibleContent(ev.ReplyTo); ok && quoted != "" {
		ev.Content = "> " + strings.ReplaceAll(quoted, "\n", "\n> ") + "\n\n" + ev.Content
	}
}

func errorsIsCursorRegression(err error) bool {
	return errors.Is(err, resume.ErrCursorRegression)
}

func idempotencyKey(ev bus.Event) string {
	return idempotency.EventKey(string(ev.RoomID), string(ev.ID))
}

// SendStartupNotices posts the online notice to every served room.
func (r *Runtime) SendStartupNotices(ctx context.Context) {
	if !r.sendStartup {
		return
	}
	for _, roomID := range r.rooms {
		r.notice(ctx, roomID, "bridge online")
	}
}

func (r *Runtime) heldEvents() []id.EventID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]id.EventID, 0, len(r.failed))
	for eventID := range r.failed {
		out = append(out, eventID)
	}
	return out
}
