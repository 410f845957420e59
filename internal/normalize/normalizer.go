package normalize

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/bus"
)

// RawEvent is what the protocol client hands the normalizer: the
// decrypted (or undecryptable) protocol event plus its encryption
// provenance.
type RawEvent struct {
	Event         *event.Event
	SenderDevice  id.DeviceID
	Encrypted     bool
	DecryptFailed bool
	KeyGeneration int64
}

type Options struct {
	Logger        *slog.Logger
	EditRetention time.Duration
	// MaxTracked caps the anchor/content index; the oldest tracked
	// events are evicted past it. An evicted event resolves to its
	// self anchor again, like any unseen event.
	MaxTracked int
	Now        func() time.Time
}

// Normalizer reduces raw protocol events to canonical bus events and
// owns anchor resolution: thread markers, reply chains, and edit
// redirection all collapse onto one stable anchor per logical
// conversation. Edits whose target has not been seen yet are held in a
// bounded pending queue keyed by target id; the anchor/content index
// itself is bounded too, evicting oldest-first.
type Normalizer struct {
	logger     *slog.Logger
	retention  time.Duration
	maxTracked int
	now        func() time.Time

	mu      sync.Mutex
	anchors map[id.EventID]bus.Anchor
	content map[id.EventID]string
	order   []id.EventID
	pending map[id.EventID][]pendingEdit
}

type pendingEdit struct {
	event    bus.Event
	queuedAt time.Time
}

func New(opts Options) *Normalizer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := opts.EditRetention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	maxTracked := opts.MaxTracked
	if maxTracked <= 0 {
		maxTracked = 8192
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Normalizer{
		logger:     logger,
		retention:  retention,
		maxTracked: maxTracked,
		now:        nowFn,
		anchors:    map[id.EventID]bus.Anchor{},
		content:    map[id.EventID]string{},
		pending:    map[id.EventID][]pendingEdit{},
	}
}

// Normalize converts one raw event. The first return value is the
// canonical event, nil when the raw event was absorbed (queued edit,
// ignorable type). The slice carries previously queued edits released
// by this event's arrival, already resolved against its anchor.
func (n *Normalizer) Normalize(raw RawEvent) (*bus.Event, []bus.Event, error) {
	if raw.Event == nil {
		return nil, nil, fmt.Errorf("raw event is required")
	}
	evt := raw.Event
	if evt.ID == "" || evt.RoomID == "" {
		return nil, nil, fmt.Errorf("raw event is missing identity")
	}

	switch evt.Type {
	case event.StateMember:
		return n.normalizeMembership(raw), nil, nil
	case event.EventReaction:
		return n.normalizeReaction(raw), nil, nil
	case event.EventMessage:
		return n.normalizeMessage(raw)
	default:
		return nil, nil, nil
	}
}

func (n *Normalizer) normalizeMessage(raw RawEvent) (*bus.Event, []bus.Event, error) {
	evt := raw.Event
	content := evt.Content.AsMessage()
	if content == nil {
		return nil, nil, fmt.Errorf("message event %s has no content", evt.ID)
	}

	base := bus.Event{
		ID:            evt.ID,
		RoomID:        evt.RoomID,
		Sender:        evt.Sender,
		SenderDevice:  raw.SenderDevice,
		Encryption:    encryptionStatus(raw),
		KeyGeneration: raw.KeyGeneration,
		SentAt:        time.UnixMilli(evt.Timestamp).UTC(),
	}
	base.Content = visibleText(content)
	if mentions := content.Mentions; mentions != nil {
		base.Mentions = append([]id.UserID(nil), mentions.UserIDs...)
	}

	relates := content.GetRelatesTo()

	n.mu.Lock()
	defer n.mu.Unlock()

	if replaceID := relates.GetReplaceID(); replaceID != "" {
		return n.normalizeEditLocked(base, content, replaceID)
	}

	if threadParent := relates.GetThreadParent(); threadParent != "" {
		base.Kind = bus.KindMessage
		n.bindLocked(base.ID, n.anchorOfLocked(threadParent), base.Content)
		released := n.releaseLocked(base.ID)
		return &base, released, nil
	}

	if replyTo := relates.GetReplyTo(); replyTo != "" {
		base.Kind = bus.KindReply
		base.ReplyTo = replyTo
		// The target's *current* anchor, so replies follow edits that
		// re-anchored the target.
		n.bindLocked(base.ID, n.anchorOfLocked(replyTo), base.Content)
		released := n.releaseLocked(base.ID)
		return &base, released, nil
	}

	base.Kind = bus.KindMessage
	n.bindLocked(base.ID, bus.SelfAnchor(base.ID), base.Content)
	released := n.releaseLocked(base.ID)
	return &base, released, nil
}

func (n *Normalizer) normalizeEditLocked(base bus.Event, content *event.MessageEventContent, target id.EventID) (*bus.Event, []bus.Event, error) {
	base.Kind = bus.KindEdit
	base.EditTarget = target
	if content.NewContent != nil {
		base.Content = visibleText(content.NewContent)
	}

	if _, seen := n.anchors[target]; !seen {
		n.pending[target] = append(n.pending[target], pendingEdit{
			event:    base,
			queuedAt: n.now().UTC(),
		})
		n.logger.Debug("normalize_edit_queued",
			"event_id", string(base.ID),
			"edit_target", string(target),
		)
		return nil, nil, nil
	}

	n.applyEditLocked(&base, content, target)
	released := n.releaseLocked(base.ID)
	return &base, released, nil
}

// applyEditLocked resolves an edit against a seen target: the edit
// joins the target's anchor, the target's visible content is replaced,
// and if the edit carries its own thread/reply relation the target is
// re-anchored for future replies.
func (n *Normalizer) applyEditLocked(ev *bus.Event, content *event.MessageEventContent, target id.EventID) {
	anchor := n.anchorOfLocked(target)
	if content.NewContent != nil {
		if newRelates := content.NewContent.GetRelatesTo(); newRelates != nil {
			if threadParent := newRelates.GetThreadParent(); threadParent != "" {
				anchor = n.anchorOfLocked(threadParent)
			} else if replyTo := newRelates.GetReplyTo(); replyTo != "" {
				anchor = n.anchorOfLocked(replyTo)
			}
		}
	}
	n.trackLocked(target, anchor)
	n.content[target] = ev.Content
	n.bindLocked(ev.ID, anchor, ev.Content)
}

func (n *Normalizer) normalizeReaction(raw RawEvent) *bus.Event {
	evt := raw.Event
	content := evt.Content.AsReaction()
	ev := bus.Event{
		ID:           evt.ID,
		RoomID:       evt.RoomID,
		Sender:       evt.Sender,
		SenderDevice: raw.SenderDevice,
		Kind:         bus.KindReaction,
		Encryption:   encryptionStatus(raw),
		SentAt:       time.UnixMilli(evt.Timestamp).UTC(),
	}
	if content != nil {
		ev.ReplyTo = content.RelatesTo.EventID
		ev.Content = content.RelatesTo.Key
	}
	return &ev
}

func (n *Normalizer) normalizeMembership(raw RawEvent) *bus.Event {
	evt := raw.Event
	ev := bus.Event{
		ID:         evt.ID,
		RoomID:     evt.RoomID,
		Sender:     evt.Sender,
		Kind:       bus.KindMembership,
		Encryption: bus.EncryptionPlaintext,
		SentAt:     time.UnixMilli(evt.Timestamp).UTC(),
	}
	if content := evt.Content.AsMember(); content != nil {
		ev.Content = string(content.Membership)
	}
	return &ev
}

// AnchorOf resolves an event id to its current anchor. Unknown events
// anchor to themselves.
func (n *Normalizer) AnchorOf(eventID id.EventID) bus.Anchor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.anchorOfLocked(eventID)
}

// VisibleContent returns the current (post-edit) content of a seen
// event.
func (n *Normalizer) VisibleContent(eventID id.EventID) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	text, ok := n.content[eventID]
	return text, ok
}

// Sweep expires pending edits past the retention window. Each expired
// edit is returned as a standalone message anchored to itself and the
// continuity gap is logged; the caller routes them like fresh events.
func (n *Normalizer) Sweep() []bus.Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := n.now().UTC().Add(-n.retention)
	var released []bus.Event
	for target, queue := range n.pending {
		var keep []pendingEdit
		for _, item := range queue {
			if item.queuedAt.After(cutoff) {
				keep = append(keep, item)
				continue
			}
			ev := item.event
			ev.Kind = bus.KindMessage
			ev.EditTarget = ""
			n.bindLocked(ev.ID, bus.SelfAnchor(ev.ID), ev.Content)
			released = append(released, ev)
			n.logger.Warn("continuity_gap",
				"event_id", string(ev.ID),
				"edit_target", string(target),
				"room_id", string(ev.RoomID),
			)
		}
		if len(keep) == 0 {
			delete(n.pending, target)
		} else {
			n.pending[target] = keep
		}
	}
	return released
}

// PendingCount reports queued edits awaiting their target.
func (n *Normalizer) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, queue := range n.pending {
		count += len(queue)
	}
	return count
}

func (n *Normalizer) anchorOfLocked(eventID id.EventID) bus.Anchor {
	if anchor, ok := n.anchors[eventID]; ok {
		return anchor
	}
	return bus.SelfAnchor(eventID)
}

func (n *Normalizer) bindLocked(eventID id.EventID, anchor bus.Anchor, content string) {
	n.trackLocked(eventID, anchor)
	if content != "" {
		n.content[eventID] = content
	}
}

// trackLocked records the event's anchor and holds the index under its
// cap, evicting the oldest tracked events first.
func (n *Normalizer) trackLocked(eventID id.EventID, anchor bus.Anchor) {
	if _, tracked := n.anchors[eventID]; !tracked {
		n.order = append(n.order, eventID)
	}
	n.anchors[eventID] = anchor
	for len(n.order) > n.maxTracked {
		evict := n.order[0]
		n.order = n.order[1:]
		delete(n.anchors, evict)
		delete(n.content, evict)
	}
}

// releaseLocked resolves edits that were queued against the event that
// just arrived.
func (n *Normalizer) releaseLocked(arrived id.EventID) []bus.Event {
	queue, ok := n.pending[arrived]
	if !ok {
		return nil
	}
	delete(n.pending, arrived)
	released := make([]bus.Event, 0, len(queue))
	for _, item := range queue {
		ev := item.event
		anchor := n.anchorOfLocked(arrived)
		n.trackLocked(arrived, anchor)
		n.content[arrived] = ev.Content
		n.bindLocked(ev.ID, anchor, ev.Content)
		released = append(released, ev)
		n.logger.Debug("normalize_edit_released",
			"event_id", string(ev.ID),
			"edit_target", string(arrived),
		)
	}
	return released
}

func encryptionStatus(raw RawEvent) bus.EncryptionStatus {
	switch {
	case raw.DecryptFailed:
		return bus.EncryptionFailed
	case raw.Encrypted:
		return bus.EncryptionPending
	default:
		return bus.EncryptionPlaintext
	}
}

func visibleText(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format == event.FormatHTML && strings.TrimSpace(content.FormattedBody) != "" {
		if text := flattenHTML(content.FormattedBody); text != "" {
			return text
		}
	}
	return strings.TrimSpace(content.Body)
}
