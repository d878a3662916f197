package hub

import (
	"context"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

type subscription struct {
	handle    store.Handle
	sessionID string
	players   bool
	onSession func(engine.Session)
	handlers  store.PlayerHandlers
	queue     chan store.Change
	done      chan struct{}
}

func (s *subscription) wants(c store.Change) bool {
	if c.SessionID != s.sessionID {
		return false
	}
	return (c.Kind == store.ChangeSession) != s.players
}

// run delivers queued changes in order on the subscriber's own goroutine so
// a slow callback never blocks the hub.
func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case c := <-s.queue:
			c.Dispatch(s.onSession, s.handlers)
		}
	}
}

func (s *subscription) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (h *Hub) SubscribeSession(ctx context.Context, id string, fn func(engine.Session)) (store.Handle, error) {
	return h.subscribe(ctx, &subscription{sessionID: id, onSession: fn})
}

func (h *Hub) SubscribePlayers(ctx context.Context, id string, handlers store.PlayerHandlers) (store.Handle, error) {
	return h.subscribe(ctx, &subscription{sessionID: id, players: true, handlers: handlers})
}

func (h *Hub) subscribe(ctx context.Context, sub *subscription) (store.Handle, error) {
	sub.handle = newHandle()
	sub.queue = make(chan store.Change, h.buffer)
	sub.done = make(chan struct{})

	reply := make(chan store.Handle, 1)
	select {
	case h.inbox <- subscribe{sub: sub, reply: reply}:
	case <-ctx.Done():
		return "", store.Transient("subscribe", ctx.Err())
	case <-h.ctx.Done():
		return "", ErrClosed
	}
	select {
	case handle := <-reply:
		return handle, nil
	case <-ctx.Done():
		return "", store.Transient("subscribe", ctx.Err())
	case <-h.ctx.Done():
		return "", ErrClosed
	}
}

func (h *Hub) Unsubscribe(handle store.Handle) {
	select {
	case h.inbox <- unsubscribe{handle: handle}:
	case <-h.ctx.Done():
	}
}

// Done reports when handle stops delivering. A subscriber dropped for a full
// queue sees its channel closed the same way an unsubscribed one does.
func (h *Hub) Done(handle store.Handle) <-chan struct{} {
	done := store.ClosedDone()
	_ = h.do(context.Background(), "done", func() error {
		if sub := h.subs[handle]; sub != nil {
			done = sub.done
		}
		return nil
	})
	return done
}
