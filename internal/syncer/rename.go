package syncer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

// Rename changes this device's player name while the room is in the lobby.
func (e *Engine) Rename(ctx context.Context, name string) error {
	return e.Propose(ctx, engine.Command{Type: engine.CmdRename, Target: name})
}

// rename registers the player under the new name before dropping the old
// record, so the membership poll never finds this device missing.
func (e *Engine) rename(ctx context.Context, cmd engine.Command) error {
	p, err := request(ctx, e, func(r chan prepared) msg { return prepareMsg{cmd: cmd, reply: r} })
	if err != nil {
		return err
	}
	if p.err != nil || p.noop {
		return p.err
	}
	old, ok := p.before.Me()
	if !ok || !engine.SameName(actorName(p.before, p.cmd), old.Name) {
		return fmt.Errorf("%w: only this device's player can be renamed", engine.ErrUnknownPlayer)
	}

	id := p.before.Session.ID
	host := p.before.IsHost()
	rec := old
	rec.Name = p.after.Self
	rec.Version = 0

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	st := e.cfg.Store
	inserted, err := st.InsertPlayer(sctx, id, rec)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: %q", engine.ErrNameTaken, rec.Name)
	}

	_, err = request(ctx, e, func(r chan struct{}) msg {
		return execMsg{fn: func() {
			if e.state.Session.ID == id && engine.SameName(e.state.Self, old.Name) {
				next := e.state.Clone()
				next.Self = rec.Name
				e.commit(nil, next)
				if !host {
					e.startPolling(id, rec.Name)
				}
			}
			r <- struct{}{}
		}}
	})
	if err != nil {
		return err
	}

	if host {
		if err := st.UpdateSessionFields(sctx, id, store.SessionPatch{HostName: &rec.Name}); err != nil {
			e.log.Warn("host rename not recorded", zap.String("session", id), zap.Error(err))
			return err
		}
	}
	if err := st.DeletePlayer(sctx, id, old.Name); err != nil {
		e.log.Warn("old name not removed", zap.String("session", id), zap.String("player", old.Name), zap.Error(err))
		return err
	}
	e.log.Info("renamed player", zap.String("session", id), zap.String("from", old.Name), zap.String("to", rec.Name))
	return nil
}
