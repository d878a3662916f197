package syncer

import (
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
)

type NoticeKind string

const (
	NoticeStage      NoticeKind = "stage"
	NoticeRoster     NoticeKind = "roster"
	NoticeMeeting    NoticeKind = "meeting"
	NoticeSettings   NoticeKind = "settings"
	NoticeVoteResult NoticeKind = "vote_result"
	NoticeKicked     NoticeKind = "kicked"
	NoticeHalted     NoticeKind = "halted"
	NoticeInvitation NoticeKind = "invitation"
)

// Notice tells the presentation layer that something it renders changed.
// State is the projection right after the change.
type Notice struct {
	Kind    NoticeKind
	From    engine.Stage
	To      engine.Stage
	Player  string
	Room    string
	Result  *engine.TallyResult
	Outcome *engine.Outcome
	Err     error
	State   engine.State
}

// notify turns one batch of events into notices. Roster, meeting and
// settings notices are coalesced to one per batch.
func (e *Engine) notify(evs []engine.Event) {
	if len(evs) == 0 {
		return
	}
	snap := e.state.Clone()
	var outcome *engine.Outcome
	for _, ev := range evs {
		if ev.Type == engine.EvtGameEnded {
			outcome = ev.Outcome
		}
	}

	seen := map[NoticeKind]bool{}
	once := func(n Notice) {
		if seen[n.Kind] {
			return
		}
		seen[n.Kind] = true
		e.emit(n)
	}
	for _, ev := range evs {
		switch ev.Type {
		case engine.EvtStageChanged:
			n := Notice{Kind: NoticeStage, From: ev.From, To: ev.To, State: snap}
			if ev.To == engine.StageEnded {
				n.Outcome = outcome
			}
			e.emit(n)
		case engine.EvtVotesTallied:
			e.emit(Notice{Kind: NoticeVoteResult, Result: ev.Result, State: snap})
		case engine.EvtRosterChanged, engine.EvtPlayerEliminated, engine.EvtTaskProgress, engine.EvtPlayerKicked:
			once(Notice{Kind: NoticeRoster, Player: ev.Player, State: snap})
		case engine.EvtMeetingCalled, engine.EvtPlayerReady, engine.EvtVotingStarted, engine.EvtVoteCast:
			once(Notice{Kind: NoticeMeeting, Player: ev.Player, State: snap})
		case engine.EvtSettingsChanged:
			once(Notice{Kind: NoticeSettings, State: snap})
		}
	}
}

func (e *Engine) emit(n Notice) {
	if e.cfg.Outbox == nil {
		return
	}
	select {
	case e.cfg.Outbox <- n:
	default:
		e.log.Warn("outbox full, dropping notice", zap.String("kind", string(n.Kind)))
	}
}
