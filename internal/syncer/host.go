package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

// hostDuties runs after every merged remote change on the host's device. The
// host is the only writer of tally results and of the game end.
func (e *Engine) hostDuties(evs []engine.Event) {
	s := e.state
	if e.halted != nil || e.exiting || !s.IsHost() {
		return
	}
	if s.Session.Stage != engine.StagePlaying && s.Session.Stage != engine.StageMeeting {
		return
	}

	if !e.ending && (engine.ContainsEvent(evs, engine.EvtPlayerEliminated) || engine.ContainsEvent(evs, engine.EvtVotesTallied)) {
		out, won, err := engine.CheckWin(s.Roster)
		if err != nil {
			e.halt(err)
			return
		}
		if won {
			e.endAsHost(out)
			return
		}
	}
	if !e.ending && s.Session.Stage == engine.StagePlaying && engine.ContainsEvent(evs, engine.EvtTaskProgress) {
		if out, won := engine.CheckTaskWin(s.Roster); won {
			e.endAsHost(out)
			return
		}
	}
	if s.Session.Stage == engine.StageMeeting {
		e.electTally()
	}
}

// electTally publishes the result once the last alive player has voted. The
// store keeps the first result per meeting, so a repeat is harmless.
func (e *Engine) electTally() {
	s := e.state
	m := s.Session.Meeting
	if !m.VotingStarted || m.Tallied || e.tallying == m.ID {
		return
	}
	if engine.VotesSubmitted(m.Votes, s.Roster) < engine.CountAlive(s.Roster) {
		return
	}
	res, err := engine.Tally(m.Votes, s.Roster, m.ID)
	if err != nil {
		e.log.Warn("tally", zap.Int("meeting", m.ID), zap.Error(err))
		return
	}
	e.tallying = m.ID
	id := s.Session.ID
	go func() {
		err := e.retry(func(ctx context.Context) error {
			_, err := e.cfg.Store.CompleteTally(ctx, id, res.MeetingID, res)
			return err
		})
		switch {
		case err == nil:
			e.log.Info("votes tallied", zap.String("session", id), zap.Int("meeting", res.MeetingID),
				zap.String("eliminated", res.Eliminated), zap.Bool("tie", res.IsTie))
		case errors.Is(err, store.ErrStaleMeeting):
		default:
			e.log.Error("tally not published", zap.String("session", id), zap.Error(err))
			_ = e.send(context.Background(), execMsg{fn: func() {
				if e.tallying == res.MeetingID {
					e.tallying = 0
				}
			}})
		}
	}()
}

func (e *Engine) endAsHost(out engine.Outcome) {
	e.ending = true
	id := e.state.Session.ID
	go func() {
		err := e.retry(func(ctx context.Context) error { return e.writeEnd(ctx, id, out) })
		if err == nil {
			e.log.Info("game over", zap.String("session", id), zap.String("winner", string(out.Winner)), zap.String("reason", out.Reason))
			return
		}
		e.log.Error("game end not published", zap.String("session", id), zap.Error(err))
		_ = e.send(context.Background(), execMsg{fn: func() { e.ending = false }})
	}()
}

// retry runs op until it succeeds, fails with a non-transient error or the
// engine closes.
func (e *Engine) retry(op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(e.ctx, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(e.ctx, storeTimeout)
		defer cancel()
		err := op(ctx)
		if err != nil && !store.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(time.Minute))
	return err
}
