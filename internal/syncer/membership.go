package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

// creating marks the engine as busy while the store assigns a session id.
const creating = "\x00creating"

// CreateGame opens a new room hosted by this device. Nil settings use the
// ones edited while in setup. A room this device hosted before and reset
// for the next game is reopened under the same code.
func (e *Engine) CreateGame(ctx context.Context, host string, settings *engine.Settings) error {
	cur, err := e.State(ctx)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(host)
	set := cur.Session.Settings
	if settings != nil {
		set = settings.Clone()
	}
	draft := engine.Session{Stage: engine.StageWaiting, HostName: name, Settings: set}
	cmd := engine.Command{Type: engine.CmdCreate, Actor: name, Session: &draft}
	prev, err := e.pendingInvitation(ctx)
	if err != nil {
		return err
	}
	if err := e.reserve(ctx, cmd, creating); err != nil {
		return err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if prev.host {
		ok, err := e.reopen(sctx, prev.sessionID, draft)
		if err != nil {
			e.release()
			return err
		}
		if ok {
			e.log.Info("reopened session", zap.String("session", prev.sessionID), zap.String("room", prev.room))
			if err := e.send(ctx, execMsg{fn: func() { e.pending = prev.sessionID }}); err != nil {
				return err
			}
			return e.attach(sctx, prev.sessionID, cmd)
		}
	}
	id, code, err := e.cfg.Store.Create(sctx, draft, engine.NewPlayer(name))
	if err != nil {
		e.release()
		return err
	}
	e.log.Info("created session", zap.String("session", id), zap.String("room", code))
	if err := e.send(ctx, execMsg{fn: func() { e.pending = id }}); err != nil {
		return err
	}
	return e.attach(sctx, id, cmd)
}

// JoinGame enters the room with the given code. A name already on the
// roster reconnects as that player.
func (e *Engine) JoinGame(ctx context.Context, code, name string) error {
	name = strings.TrimSpace(name)
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	sess, roster, err := e.cfg.Store.FetchByRoomCode(sctx, code)
	if err != nil {
		return err
	}
	cmd := engine.Command{Type: engine.CmdJoin, Actor: name, Session: &sess, Roster: roster}
	if err := e.reserve(ctx, cmd, sess.ID); err != nil {
		return err
	}

	known := engine.State{Roster: roster}
	if _, ok := known.Player(name); !ok {
		inserted, err := e.cfg.Store.InsertPlayer(sctx, sess.ID, engine.NewPlayer(name))
		if err != nil {
			e.release()
			return err
		}
		if !inserted {
			// Taken between the fetch and the insert: reconnect as that player.
			e.log.Debug("name taken concurrently", zap.String("session", sess.ID), zap.String("player", name))
		}
	}
	return e.attach(sctx, sess.ID, cmd)
}

// attach subscribes to the session, loads it fresh and completes cmd with
// the loaded copy. Changes that arrive in between are replayed afterwards.
func (e *Engine) attach(ctx context.Context, id string, cmd engine.Command) error {
	handles, err := e.subscribe(ctx, id)
	if err != nil {
		e.release()
		return err
	}
	sess, roster, err := e.cfg.Store.FetchSession(ctx, id)
	if err != nil {
		e.unsubscribe(handles)
		e.release()
		return err
	}
	cmd.Session = &sess
	cmd.Roster = roster
	ferr, err := request(ctx, e, func(r chan error) msg {
		return finishMsg{cmd: cmd, handles: handles, reply: r}
	})
	if err = multierr.Append(err, ferr); err != nil {
		e.unsubscribe(handles)
		e.release()
		return err
	}
	return nil
}

func (e *Engine) subscribe(ctx context.Context, id string) ([]store.Handle, error) {
	sh, err := e.cfg.Feed.SubscribeSession(ctx, id, func(s engine.Session) {
		e.ApplyRemote(store.SessionChange(s))
	})
	if err != nil {
		return nil, err
	}
	ph, err := e.cfg.Feed.SubscribePlayers(ctx, id, store.PlayerHandlers{
		OnInsert: func(p engine.Player) { e.ApplyRemote(store.PlayerChange(store.ChangePlayerInsert, id, p)) },
		OnUpdate: func(p engine.Player) { e.ApplyRemote(store.PlayerChange(store.ChangePlayerUpdate, id, p)) },
		OnDelete: func(name string, v int64) { e.ApplyRemote(store.DeleteChange(id, name, v)) },
	})
	if err != nil {
		e.cfg.Feed.Unsubscribe(sh)
		return nil, err
	}
	return []store.Handle{sh, ph}, nil
}

func (e *Engine) unsubscribe(handles []store.Handle) {
	for _, h := range handles {
		e.cfg.Feed.Unsubscribe(h)
	}
}

func (e *Engine) reserve(ctx context.Context, cmd engine.Command, pending string) error {
	berr, err := request(ctx, e, func(r chan error) msg {
		return beginMsg{cmd: cmd, pending: pending, reply: r}
	})
	if err != nil {
		return err
	}
	return berr
}

func (e *Engine) release() {
	_ = e.send(context.Background(), execMsg{fn: func() {
		e.pending = ""
		e.backlog = nil
	}})
}

func (e *Engine) begin(cmd engine.Command, pending string) error {
	if e.pending != "" || e.state.Session.ID != "" {
		return fmt.Errorf("%w: already in a session", engine.ErrInvalidTransition)
	}
	if err := engine.Validate(e.state, cmd); err != nil {
		return err
	}
	e.dropInvitation()
	e.pending = pending
	e.backlog = nil
	return nil
}

func (e *Engine) finish(cmd engine.Command, handles []store.Handle) error {
	backlog := e.backlog
	e.pending = ""
	e.backlog = nil

	evs, next, err := engine.Apply(e.state, cmd)
	if err != nil {
		return err
	}
	e.handles = handles
	e.commit(evs, next)
	for _, c := range backlog {
		e.onRemote(c)
	}
	if !next.IsHost() {
		e.startPolling(next.Session.ID, next.Self)
	}
	return nil
}

// Leave removes this device's player and returns to the menu. Nobody else
// can run the room, so when the host leaves the room is reset and every
// other device goes back to the menu too.
func (e *Engine) Leave(ctx context.Context) error {
	s, err := e.State(ctx)
	if err != nil {
		return err
	}
	return e.leave(ctx, s.IsHost())
}

// ReturnToMenu is Leave from whatever screen the device is on; at the menu
// it does nothing.
func (e *Engine) ReturnToMenu(ctx context.Context) error {
	s, err := e.State(ctx)
	if err != nil {
		return err
	}
	if s.Session.ID == "" {
		return nil
	}
	return e.Leave(ctx)
}

func (e *Engine) leave(ctx context.Context, reset bool) error {
	p, err := request(ctx, e, func(r chan prepared) msg {
		return prepareMsg{cmd: engine.Command{Type: engine.CmdLeave}, reply: r}
	})
	if err != nil {
		return err
	}
	if p.err != nil {
		return p.err
	}

	id := p.before.Session.ID
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if reset {
		err = e.cfg.Store.ResetSession(sctx, id, p.before.Session.Settings)
	} else {
		me, _ := p.before.Me()
		err = e.cfg.Store.DeletePlayer(sctx, id, me.Name)
	}
	if err != nil {
		// The device leaves regardless; other devices notice through the
		// membership poll.
		e.log.Warn("leave not recorded", zap.String("session", id), zap.Error(err))
	}

	_, rerr := request(ctx, e, func(r chan struct{}) msg {
		return execMsg{fn: func() {
			e.leaveLocal(id)
			if reset {
				e.remember(p.before)
			} else {
				e.dropInvitation()
			}
			r <- struct{}{}
		}}
	})
	return rerr
}

func (e *Engine) leaveLocal(id string) {
	if e.state.Session.ID != id {
		return
	}
	from := e.state.Session.Stage
	next := engine.NewEmptyState()
	next.Session.Settings = e.state.Session.Settings.Clone()
	e.commit([]engine.Event{{Type: engine.EvtStageChanged, From: from, To: engine.StageSetup}}, next)
}

func (e *Engine) startPolling(id, self string) {
	e.stopPolling()
	ctx, cancel := context.WithCancel(e.ctx)
	e.stopKick = cancel
	go e.pollMembership(ctx, id, self)
}

func (e *Engine) stopPolling() {
	if e.stopKick != nil {
		e.stopKick()
		e.stopKick = nil
	}
}

// pollMembership backs up the delete notification, which a device can miss
// while its feed is reconnecting. Errors talking to the store are never
// taken as a removal.
func (e *Engine) pollMembership(ctx context.Context, id, self string) {
	grace := time.NewTimer(e.cfg.KickGrace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return
	case <-grace.C:
	}

	ticker := time.NewTicker(e.cfg.KickInterval)
	defer ticker.Stop()
	for {
		sess, present, err := e.isMember(ctx, id, self)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			e.log.Warn("membership check failed", zap.String("session", id), zap.Error(err))
		case !present && sess.Stage == engine.StageSetup:
			// Reset for the next game while the feed was away.
			e.ApplyRemote(store.SessionChange(sess))
			return
		case !present:
			_ = e.send(ctx, absentMsg{sessionID: id, self: self})
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) isMember(ctx context.Context, id, self string) (engine.Session, bool, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.KickInterval)
	defer cancel()
	sess, roster, err := e.cfg.Store.FetchSession(sctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return engine.Session{}, false, nil
	}
	if err != nil {
		return engine.Session{}, false, err
	}
	_, ok := engine.State{Roster: roster}.Player(self)
	return sess, ok, nil
}
