package syncer

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

// Propose validates cmd against the local state and writes its effect to
// the store. The local state follows once the change comes back through the
// feed, so every device, this one included, sees the same sequence.
func (e *Engine) Propose(ctx context.Context, cmd engine.Command) error {
	switch cmd.Type {
	case engine.CmdCreate, engine.CmdJoin:
		return fmt.Errorf("%w: %s goes through CreateGame or JoinGame", engine.ErrUnsupportedCommand, cmd.Type)
	case engine.CmdLeave:
		return e.Leave(ctx)
	case engine.CmdRename:
		return e.rename(ctx, cmd)
	}

	p, err := request(ctx, e, func(r chan prepared) msg { return prepareMsg{cmd: cmd, reply: r} })
	if err != nil {
		return err
	}
	if p.err != nil || p.noop {
		return p.err
	}
	if localOnly(p) {
		lerr, err := request(ctx, e, func(r chan error) msg { return localMsg{cmd: p.cmd, reply: r} })
		if err != nil {
			return err
		}
		return lerr
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.write(sctx, p); err != nil {
		e.log.Warn("proposal not written",
			zap.String("session", p.before.Session.ID),
			zap.String("command", string(cmd.Type)),
			zap.Error(err))
		return err
	}
	return nil
}

func (e *Engine) prepare(cmd engine.Command) prepared {
	if e.halted != nil && cmd.Type != engine.CmdLeave {
		return prepared{err: e.halted}
	}
	if e.pending != "" {
		return prepared{err: fmt.Errorf("%w: joining a session", engine.ErrInvalidTransition)}
	}
	if cmd.Type == engine.CmdStart && cmd.Assignment == nil {
		if err := engine.CheckStart(e.state); err != nil {
			return prepared{err: err}
		}
		names := make([]string, len(e.state.Roster))
		for i, p := range e.state.Roster {
			names[i] = p.Name
		}
		set := e.state.Session.Settings
		a, err := engine.Assign(e.cfg.Rand, names, set.TraitorCount, set.TasksPerPlayer, set.Catalog)
		if err != nil {
			return prepared{err: err}
		}
		cmd.Assignment = a
	}

	evs, after, err := engine.Apply(e.state, cmd)
	if err != nil {
		if engine.IsIntegrity(err) {
			e.halt(err)
		}
		return prepared{err: err}
	}
	if cmd.Type == engine.CmdLeave {
		e.exiting = true
		e.stopPolling()
	}
	return prepared{before: e.state.Clone(), after: after, cmd: cmd, noop: len(evs) == 0}
}

// localOnly reports commands with nothing to write: settings edited before
// a room exists, and the host ruling out a player who already left during
// the meeting so the remaining votes can complete.
func localOnly(p prepared) bool {
	switch p.cmd.Type {
	case engine.CmdEditSettings:
		return p.before.Session.Stage == engine.StageSetup
	case engine.CmdSetAlive:
		return slices.ContainsFunc(p.before.Deferred, func(name string) bool {
			return engine.SameName(name, p.cmd.Target)
		})
	}
	return false
}

func (e *Engine) applyLocal(cmd engine.Command) error {
	evs, next, err := engine.Apply(e.state, cmd)
	if err != nil {
		if engine.IsIntegrity(err) {
			e.halt(err)
		}
		return err
	}
	e.commit(evs, next)
	if engine.ContainsEvent(evs, engine.EvtGameEnded) && next.IsHost() {
		e.endAsHost(outcomeOf(next))
		return nil
	}
	e.hostDuties(evs)
	return nil
}

// write maps an accepted command onto store operations. Per-player and
// session header fields have one writer and are patched; the meeting ledger
// and readiness map go through the store's merge procedures.
func (e *Engine) write(ctx context.Context, p prepared) error {
	id := p.before.Session.ID
	s := p.after
	st := e.cfg.Store

	switch p.cmd.Type {
	case engine.CmdStart:
		return e.writeStart(ctx, id, s)

	case engine.CmdCallMeeting:
		meta := s.Session.Meeting.MeetingMeta
		if meta.Type == engine.MeetingEmergency {
			caller, _ := s.Player(meta.Caller)
			used := caller.EmergencyMeetingsUsed
			if err := st.UpdatePlayerFields(ctx, id, caller.Name, store.PlayerPatch{EmergencyMeetingsUsed: &used}); err != nil {
				return err
			}
		}
		if err := st.ClearMeetingState(ctx, id, meta); err != nil {
			return err
		}
		stage := engine.StageMeeting
		return st.UpdateSessionFields(ctx, id, store.SessionPatch{Stage: &stage})

	case engine.CmdMarkReady:
		_, err := st.MergeMeetingReady(ctx, id, actorName(p.before, p.cmd))
		return err

	case engine.CmdStartVoting:
		meta := s.Session.Meeting.MeetingMeta
		return st.UpdateSessionFields(ctx, id, store.SessionPatch{Meeting: &meta})

	case engine.CmdVote:
		voter := actorName(p.before, p.cmd)
		return e.submitVote(ctx, id, s.Session.Meeting.ID, voter, s.Session.Meeting.Votes[voter])

	case engine.CmdTally:
		// The win check follows when the elimination comes back on the feed.
		res := *s.Session.Meeting.Result
		_, err := st.CompleteTally(ctx, id, res.MeetingID, res)
		return err

	case engine.CmdResume:
		if s.Session.Stage == engine.StageEnded {
			return e.writeEnd(ctx, id, outcomeOf(s))
		}
		if err := st.ClearMeetingState(ctx, id, engine.MeetingMeta{ID: s.Session.Meeting.ID}); err != nil {
			return err
		}
		stage := engine.StagePlaying
		return st.UpdateSessionFields(ctx, id, store.SessionPatch{Stage: &stage})

	case engine.CmdEndGame:
		return e.writeEnd(ctx, id, outcomeOf(s))

	case engine.CmdNewGame:
		return st.ResetSession(ctx, id, s.Session.Settings)

	case engine.CmdCompleteTask, engine.CmdUncompleteTask:
		me, _ := s.Player(actorName(p.before, p.cmd))
		n := me.TasksCompleted
		return st.UpdatePlayerFields(ctx, id, me.Name, store.PlayerPatch{TasksCompleted: &n})

	case engine.CmdSetAlive:
		t, _ := s.Player(p.cmd.Target)
		alive := t.Alive
		return st.UpdatePlayerFields(ctx, id, t.Name, store.PlayerPatch{Alive: &alive})

	case engine.CmdKick:
		t, _ := p.before.Player(p.cmd.Target)
		return st.DeletePlayer(ctx, id, t.Name)

	case engine.CmdEditSettings:
		set := s.Session.Settings
		return st.UpdateSessionFields(ctx, id, store.SessionPatch{Settings: &set})
	}
	return engine.ErrUnsupportedCommand
}

// writeStart deals roles before flipping the stage so no device sees the
// game start without its role.
func (e *Engine) writeStart(ctx context.Context, id string, s engine.State) error {
	updates := make([]store.PlayerUpdate, 0, len(s.Roster))
	for _, pl := range s.Roster {
		role, alive, tasks := pl.Role, true, pl.Tasks
		zero, ready := 0, false
		updates = append(updates, store.PlayerUpdate{Name: pl.Name, Patch: store.PlayerPatch{
			Role:                  &role,
			Alive:                 &alive,
			Tasks:                 &tasks,
			TasksCompleted:        &zero,
			EmergencyMeetingsUsed: &zero,
			Ready:                 &ready,
		}})
	}
	if err := e.cfg.Store.BatchUpdatePlayers(ctx, id, updates); err != nil {
		return err
	}
	if err := e.cfg.Store.ClearMeetingState(ctx, id, engine.MeetingMeta{}); err != nil {
		return err
	}
	stage, winner, reason := engine.StagePlaying, engine.WinnerNone, ""
	return e.cfg.Store.UpdateSessionFields(ctx, id, store.SessionPatch{Stage: &stage, Winner: &winner, WinReason: &reason})
}

func (e *Engine) writeEnd(ctx context.Context, id string, out engine.Outcome) error {
	stage := engine.StageEnded
	return e.cfg.Store.UpdateSessionFields(ctx, id, store.SessionPatch{
		Stage:     &stage,
		Winner:    &out.Winner,
		WinReason: &out.Reason,
	})
}

func outcomeOf(s engine.State) engine.Outcome {
	return engine.Outcome{Winner: s.Session.Winner, Reason: s.Session.WinReason}
}

// actorName resolves the acting player's name as stored on the roster.
func actorName(s engine.State, cmd engine.Command) string {
	name := cmd.Actor
	if name == "" {
		name = s.Self
	}
	if p, ok := s.Player(name); ok {
		return p.Name
	}
	return name
}
