package syncer

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

var ErrNoInvitation = errors.New("no pending invitation")

// invitation is the room a device was returned to the menu from. A guest
// watches its session record; once the host reopens it for the next game
// the guest is offered to rejoin. The host keeps it to reopen the same room.
type invitation struct {
	sessionID string
	room      string
	name      string
	host      bool
	// since is the session version the device last saw in the room.
	since   int64
	handle  store.Handle
	offered bool
}

type watchedMsg struct{ session engine.Session }

func (watchedMsg) isSyncMsg() {}

// remember records prev as the room to come back to. Kicked players and
// players who left on their own are never invited back.
func (e *Engine) remember(prev engine.State) {
	e.dropInvitation()
	if prev.Session.ID == "" || prev.Self == "" {
		return
	}
	inv := &invitation{
		sessionID: prev.Session.ID,
		room:      prev.Session.RoomCode,
		name:      prev.Self,
		host:      prev.IsHost(),
		since:     prev.Session.Version,
	}
	e.invite = inv
	if !inv.host {
		go e.watch(inv)
	}
}

// watch subscribes to the room's session record off the engine goroutine,
// then checks the current record in case the host already reopened it.
func (e *Engine) watch(inv *invitation) {
	ctx, cancel := context.WithTimeout(e.ctx, storeTimeout)
	defer cancel()
	h, err := e.cfg.Feed.SubscribeSession(ctx, inv.sessionID, func(s engine.Session) {
		_ = e.send(context.Background(), watchedMsg{session: s})
	})
	if err != nil {
		e.log.Warn("cannot watch for the next game", zap.String("session", inv.sessionID), zap.Error(err))
		return
	}
	err = e.send(ctx, execMsg{fn: func() {
		if e.invite != inv {
			e.cfg.Feed.Unsubscribe(h)
			return
		}
		inv.handle = h
	}})
	if err != nil {
		e.cfg.Feed.Unsubscribe(h)
		return
	}
	if sess, _, err := e.cfg.Store.FetchSession(ctx, inv.sessionID); err == nil {
		_ = e.send(ctx, watchedMsg{session: sess})
	}
}

func (e *Engine) onWatched(s engine.Session) {
	inv := e.invite
	switch {
	case inv == nil || inv.host || inv.offered:
		return
	case s.ID != inv.sessionID || s.Version <= inv.since || s.Stage != engine.StageWaiting:
		return
	case e.state.Session.ID != "" || e.pending != "":
		return
	}
	inv.offered = true
	e.log.Info("invited to the next game", zap.String("session", inv.sessionID), zap.String("room", inv.room))
	e.emit(Notice{
		Kind:   NoticeInvitation,
		From:   engine.StageSetup,
		To:     engine.StageWaiting,
		Player: inv.name,
		Room:   inv.room,
		State:  e.state.Clone(),
	})
}

func (e *Engine) dropInvitation() {
	if e.invite == nil {
		return
	}
	if e.invite.handle != "" {
		e.cfg.Feed.Unsubscribe(e.invite.handle)
	}
	e.invite = nil
}

func (e *Engine) pendingInvitation(ctx context.Context) (invitation, error) {
	return request(ctx, e, func(r chan invitation) msg {
		return execMsg{fn: func() {
			if e.invite == nil {
				r <- invitation{}
				return
			}
			r <- *e.invite
		}}
	})
}

// AcceptInvitation joins the room named by the last invitation notice. An
// empty name keeps the one used in the previous game. Until it is accepted
// or declined the invitation stays open, so a player can come back to it
// later.
func (e *Engine) AcceptInvitation(ctx context.Context, name string) error {
	inv, err := e.pendingInvitation(ctx)
	if err != nil {
		return err
	}
	if !inv.offered {
		return ErrNoInvitation
	}
	if strings.TrimSpace(name) == "" {
		name = inv.name
	}
	return e.JoinGame(ctx, inv.room, name)
}

// DeclineInvitation stops watching the previous room.
func (e *Engine) DeclineInvitation(ctx context.Context) error {
	_, err := request(ctx, e, func(r chan struct{}) msg {
		return execMsg{fn: func() {
			e.dropInvitation()
			r <- struct{}{}
		}}
	})
	return err
}

// reopen brings a room this device hosted back from setup to the lobby under
// the new settings, so the previous players can be invited into it. It
// reports false when the room is gone or no longer in setup.
func (e *Engine) reopen(ctx context.Context, id string, draft engine.Session) (bool, error) {
	st := e.cfg.Store
	sess, _, err := st.FetchSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.Stage != engine.StageSetup {
		return false, nil
	}
	if _, err := st.InsertPlayer(ctx, id, engine.NewPlayer(draft.HostName)); err != nil {
		return false, err
	}
	host, stage, set := draft.HostName, engine.StageWaiting, draft.Settings
	err = st.UpdateSessionFields(ctx, id, store.SessionPatch{HostName: &host, Stage: &stage, Settings: &set})
	return err == nil, err
}
