package remote

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
	"github.com/DoyleJ11/traitors-session/internal/types"
	"github.com/DoyleJ11/traitors-session/internal/ws"
)

const (
	readLimit       = 1 << 20
	reconnectWindow = 5 * time.Minute
)

var errFeedClosed = errors.New("feed closed by server")

type feedSub struct {
	session   string
	stream    string
	onSession func(engine.Session)
	handlers  store.PlayerHandlers
	// known holds the players this subscription has delivered, so a resync
	// can report the deletes it missed while disconnected.
	known map[string]engine.Player
}

func (c *Client) SubscribeSession(ctx context.Context, id string, fn func(engine.Session)) (store.Handle, error) {
	return c.subscribe(ctx, &feedSub{session: id, stream: ws.StreamSession, onSession: fn})
}

func (c *Client) SubscribePlayers(ctx context.Context, id string, h store.PlayerHandlers) (store.Handle, error) {
	return c.subscribe(ctx, &feedSub{session: id, stream: ws.StreamPlayers, handlers: h, known: map[string]engine.Player{}})
}

func (c *Client) Unsubscribe(h store.Handle) {
	c.mu.Lock()
	sub := c.subs[h]
	delete(c.subs, h)
	c.mu.Unlock()
	if sub.cancel != nil {
		sub.cancel()
	}
}

// Done is closed when the subscription is unsubscribed, the client is
// closed or the feed gives up reconnecting.
func (c *Client) Done(h store.Handle) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[h]; ok {
		return sub.done
	}
	return store.ClosedDone()
}

func (c *Client) subscribe(ctx context.Context, sub *feedSub) (store.Handle, error) {
	if c.ctx.Err() != nil {
		return "", store.Transient("subscribe", c.ctx.Err())
	}
	conn, err := c.dial(ctx, sub)
	if err != nil {
		return "", err
	}

	if sub.known != nil {
		if _, players, err := c.FetchSession(ctx, sub.session); err == nil {
			for _, p := range players {
				sub.known[engine.NameKey(p.Name)] = p
			}
		}
	}

	sctx, cancel := context.WithCancel(c.ctx)
	h := store.Handle(uuid.NewString())
	c.mu.Lock()
	c.subs[h] = liveSub{cancel: cancel, done: sctx.Done()}
	c.mu.Unlock()

	go func() {
		defer cancel()
		c.pump(sctx, conn, sub)
	}()
	return h, nil
}

func (c *Client) feedURL(sub *feedSub) string {
	q := url.Values{}
	q.Set("session", sub.session)
	q.Set("stream", sub.stream)
	return c.base + "/ws?" + q.Encode()
}

// dial opens a feed connection and waits until the server confirms the
// subscription, so no change made after dial returns is missed.
func (c *Client) dial(ctx context.Context, sub *feedSub) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.feedURL(sub), nil)
	if err != nil {
		return nil, store.Transient("subscribe", err)
	}
	conn.SetReadLimit(readLimit)

	var msg types.ServerMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		conn.CloseNow()
		return nil, store.Transient("subscribe", err)
	}
	if msg.Type != "Subscribed" {
		conn.CloseNow()
		reason := msg.Error
		if reason == "" {
			reason = "unexpected " + msg.Type
		}
		return nil, store.Transient("subscribe", errors.New(reason))
	}
	return conn, nil
}

// pump reads changes until ctx ends. A dropped connection is redialed with
// backoff and followed by a resync from a fresh fetch.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn, sub *feedSub) {
	log := c.log.With(zap.String("session", sub.session), zap.String("stream", sub.stream))
	for {
		err := c.read(ctx, conn, sub)
		conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		log.Warn("feed connection lost", zap.Error(err))

		conn, err = backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx, sub)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(reconnectWindow))
		if err != nil {
			if ctx.Err() == nil {
				log.Error("feed gave up reconnecting", zap.Error(err))
			}
			return
		}
		if err := c.resync(ctx, sub); err != nil {
			log.Warn("feed resync failed", zap.Error(err))
		}
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn, sub *feedSub) error {
	for {
		var msg types.ServerMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case "Change":
			if msg.Change != nil {
				sub.deliver(*msg.Change)
			}
		case "Error":
			return errors.Join(errFeedClosed, errors.New(msg.Error))
		}
	}
}

func (s *feedSub) deliver(ch store.Change) {
	if s.known != nil {
		switch ch.Kind {
		case store.ChangePlayerInsert, store.ChangePlayerUpdate:
			if ch.Player != nil {
				s.known[engine.NameKey(ch.Name)] = *ch.Player
			}
		case store.ChangePlayerDelete:
			delete(s.known, engine.NameKey(ch.Name))
		}
	}
	ch.Dispatch(s.onSession, s.handlers)
}

// resync replays the current record through the subscriber's callbacks.
// Receivers gate on versions, so anything already seen is ignored.
func (c *Client) resync(ctx context.Context, sub *feedSub) error {
	sess, players, err := c.FetchSession(ctx, sub.session)
	if errors.Is(err, store.ErrNotFound) && sub.stream == ws.StreamPlayers {
		players, err = nil, nil
	}
	if err != nil {
		return err
	}
	if sub.stream == ws.StreamSession {
		sub.deliver(store.SessionChange(sess))
		return nil
	}

	present := make(map[string]bool, len(players))
	for _, p := range players {
		present[engine.NameKey(p.Name)] = true
		sub.deliver(store.PlayerChange(store.ChangePlayerInsert, sub.session, p))
	}
	// A missed delete is replayed at the version last seen for that player,
	// which is as new as anything the receiver can hold for it.
	var gone []engine.Player
	for key, p := range sub.known {
		if !present[key] {
			gone = append(gone, p)
		}
	}
	for _, p := range gone {
		sub.deliver(store.DeleteChange(sub.session, p.Name, p.Version))
	}
	return nil
}
