package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

type subscription struct {
	sessionID string
	players   bool
	onSession func(engine.Session)
	handlers  store.PlayerHandlers
	queue     chan store.Change
	done      chan struct{}
}

func (s *subscription) run() {
	for {
		select {
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

func (s *Store) SubscribeSession(ctx context.Context, id string, fn func(engine.Session)) (store.Handle, error) {
	return s.subscribe(ctx, &subscription{sessionID: id, onSession: fn})
}

func (s *Store) SubscribePlayers(ctx context.Context, id string, h store.PlayerHandlers) (store.Handle, error) {
	return s.subscribe(ctx, &subscription{sessionID: id, players: true, handlers: h})
}

func (s *Store) subscribe(ctx context.Context, sub *subscription) (store.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", store.Transient("subscribe", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		lctx, cancel := context.WithCancel(context.Background())
		s.listener = cancel
		s.done = make(chan struct{})
		go s.listen(lctx, s.done)
	}
	h := store.Handle(uuid.NewString())
	sub.queue = make(chan store.Change, s.buffer)
	sub.done = make(chan struct{})
	s.subs[h] = sub
	go sub.run()
	return h, nil
}

func (s *Store) Unsubscribe(h store.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub := s.subs[h]; sub != nil {
		sub.stop()
		delete(s.subs, h)
	}
}

func (s *Store) Done(h store.Handle) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub := s.subs[h]; sub != nil {
		return sub.done
	}
	return store.ClosedDone()
}

// listen holds one dedicated connection in LISTEN mode and reconnects with
// exponential backoff when it drops.
func (s *Store) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		conn, err := backoff.Retry(ctx, func() (*pgx.Conn, error) {
			conn, err := pgx.Connect(ctx, s.dsn)
			if err != nil {
				return nil, err
			}
			if _, err := conn.Exec(ctx, "LISTEN "+feedChannel); err != nil {
				_ = conn.Close(ctx)
				return nil, err
			}
			return conn, nil
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0))
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("feed listener gave up", zap.Error(err))
			}
			return
		}

		err = s.pump(ctx, conn)
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Close(closeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("feed connection lost, reconnecting", zap.Error(err))
	}
}

func (s *Store) pump(ctx context.Context, conn *pgx.Conn) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var c store.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			s.log.Warn("bad feed payload", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		s.route(ctx, c)
	}
}

// route loads the current row for a notification and queues it for every
// interested subscriber. Payloads only carry keys because NOTIFY payloads
// are size limited.
func (s *Store) route(ctx context.Context, c store.Change) {
	if !s.hasSubscribers(c) {
		return
	}
	switch c.Kind {
	case store.ChangeSession:
		sess, err := s.session(ctx, c.SessionID)
		if err != nil {
			s.log.Warn("feed: load session", zap.String("session", c.SessionID), zap.Error(err))
			return
		}
		c.Session = &sess
	case store.ChangePlayerInsert, store.ChangePlayerUpdate:
		p, err := s.player(ctx, c.SessionID, c.Name)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted since; the delete notification follows.
			return
		}
		if err != nil {
			s.log.Warn("feed: load player", zap.String("session", c.SessionID), zap.Error(err))
			return
		}
		c.Player = &p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for h, sub := range s.subs {
		if sub.sessionID != c.SessionID || (c.Kind == store.ChangeSession) == sub.players {
			continue
		}
		select {
		case sub.queue <- c:
		default:
			s.log.Warn("dropping slow feed subscriber", zap.String("session", sub.sessionID))
			sub.stop()
			delete(s.subs, h)
		}
	}
}

func (s *Store) hasSubscribers(c store.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.sessionID == c.SessionID {
			return true
		}
	}
	return false
}
