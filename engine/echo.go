package engine

import (
	"context"
	"fmt"

	"github.com/quailyquaily/morphbridge/internal/bus"
)

// Echo is the placeholder engine registered for declared engine ids
// that have no external backend attached. It acknowledges every event
// with its session id, which keeps the routing and continuity paths
// exercisable end to end.
type Echo struct {
	id string
}

func NewEcho(id string) *Echo {
	return &Echo{id: id}
}

func (e *Echo) ID() string {
	return e.id
}

func (e *Echo) Handle(_ context.Context, session Session, ev bus.Event) (Response, error) {
	text := fmt.Sprintf("[%s %s] %s", e.id, session.ID, ev.Content)
	return Response{Text: text, ReplyTo: string(ev.ID)}, nil
}
