// Package hub is the in-memory session store. A single goroutine owns every
// session, so each store procedure runs atomically with respect to the
// others, and each change it makes is fanned out to feed subscribers.
package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

var ErrClosed = errors.New("hub is shut down")

const roomCodeAttempts = 32

type HubMsg interface{ isHubMsg() }

type GetStats struct {
	Reply chan Stats
}

type Shutdown struct{}

type txn struct {
	fn    func() error
	reply chan error
}

type subscribe struct {
	sub   *subscription
	reply chan store.Handle
}

type unsubscribe struct {
	handle store.Handle
}

func (GetStats) isHubMsg()    {}
func (Shutdown) isHubMsg()    {}
func (txn) isHubMsg()         {}
func (subscribe) isHubMsg()   {}
func (unsubscribe) isHubMsg() {}

type Stats struct {
	Sessions    int
	Subscribers int
}

type room struct {
	session engine.Session
	players []engine.Player
	// seq versions both the session and its players.
	seq int64
}

func (r *room) next() int64 {
	r.seq++
	return r.seq
}

func (r *room) playerIndex(name string) int {
	key := engine.NameKey(name)
	for i, p := range r.players {
		if engine.NameKey(p.Name) == key {
			return i
		}
	}
	return -1
}

type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*room
	codes    map[string]string
	subs     map[store.Handle]*subscription
	buffer   int
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Hub)

// WithFeedBuffer sets how many undelivered changes a subscriber may queue
// before it is dropped.
func WithFeedBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHub(parent context.Context, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*room),
		codes:    make(map[string]string),
		subs:     make(map[store.Handle]*subscription),
		buffer:   256,
		log:      zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Close() {
	select {
	case h.inbox <- Shutdown{}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case txn:
				msg.reply <- msg.fn()

			case subscribe:
				h.subs[msg.sub.handle] = msg.sub
				go msg.sub.run(h.ctx)
				msg.reply <- msg.sub.handle

			case unsubscribe:
				if sub := h.subs[msg.handle]; sub != nil {
					sub.stop()
					delete(h.subs, msg.handle)
				}

			case GetStats:
				msg.Reply <- Stats{Sessions: len(h.sessions), Subscribers: len(h.subs)}

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for handle, sub := range h.subs {
		sub.stop()
		delete(h.subs, handle)
	}
	clear(h.sessions)
	clear(h.codes)
	h.cancel()
}

// do runs fn on the hub goroutine. fn may touch hub state freely.
func (h *Hub) do(ctx context.Context, op string, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case h.inbox <- txn{fn: fn, reply: reply}:
	case <-ctx.Done():
		return store.Transient(op, ctx.Err())
	case <-h.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return store.Transient(op, ctx.Err())
	case <-h.ctx.Done():
		return ErrClosed
	}
}

func (h *Hub) room(id string) (*room, error) {
	r := h.sessions[id]
	if r == nil {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

// publish fans c out to matching subscribers. A subscriber whose queue is
// full is dropped rather than stalling the hub.
func (h *Hub) publish(c store.Change) {
	for handle, sub := range h.subs {
		if !sub.wants(c) {
			continue
		}
		select {
		case sub.queue <- c:
		default:
			h.log.Warn("dropping slow feed subscriber",
				zap.String("session", sub.sessionID),
				zap.String("handle", string(handle)))
			sub.stop()
			delete(h.subs, handle)
		}
	}
}

func (h *Hub) touchSession(r *room) {
	r.session.Version = r.next()
	h.publish(store.SessionChange(engine.CloneSession(r.session)))
}

func (h *Hub) touchPlayer(r *room, i int, kind store.ChangeKind) {
	r.players[i].Version = r.next()
	h.publish(store.PlayerChange(kind, r.session.ID, engine.ClonePlayer(r.players[i])))
}

func newHandle() store.Handle {
	return store.Handle(uuid.NewString())
}

func (h *Hub) newCode() (string, error) {
	for range roomCodeAttempts {
		code, err := engine.GenerateRoomCode()
		if err != nil {
			return "", err
		}
		if _, taken := h.codes[code]; !taken {
			return code, nil
		}
	}
	return "", errors.New("no free room code")
}
