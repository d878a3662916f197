package engine

import (
	"reflect"
	"slices"
)

// MergeSession folds a session record delivered by the store into s.
// Records are versioned by the store, so a redelivered or out-of-order
// record at or below the local version changes nothing.
func MergeSession(s State, in Session) ([]Event, State) {
	if s.Session.ID == "" || in.ID != s.Session.ID {
		return nil, s
	}
	if in.Version <= s.Session.Version {
		return nil, s
	}

	old := s.Session
	if in.Stage == StageSetup && old.Stage != StageSetup {
		// The host reset the room for a new game; this device goes back to the menu.
		next := NewEmptyState()
		next.Session.Settings = in.Settings.Clone()
		return []Event{{Type: EvtStageChanged, From: old.Stage, To: StageSetup}}, next
	}

	next := s.Clone()
	next.Session = CloneSession(in)
	if next.Session.Meeting.Votes == nil {
		next.Session.Meeting.Votes = VoteLedger{}
	}
	if next.Session.Meeting.Ready == nil {
		next.Session.Meeting.Ready = map[string]bool{}
	}
	m, om := next.Session.Meeting, old.Meeting

	var evs []Event
	if in.Stage == StageMeeting && (old.Stage != StageMeeting || m.ID != om.ID) {
		evs = append(evs, Event{Type: EvtMeetingCalled, Player: m.Caller})
	}
	if old.Stage != in.Stage {
		evs = append(evs, Event{Type: EvtStageChanged, From: old.Stage, To: in.Stage})
	}
	if m.ID == om.ID || in.Stage == StageMeeting {
		for name := range m.Ready {
			if m.Ready[name] && !om.Ready[name] {
				evs = append(evs, Event{Type: EvtPlayerReady, Player: name})
			}
		}
		if m.VotingStarted && !om.VotingStarted {
			evs = append(evs, Event{Type: EvtVotingStarted})
		}
		for voter, target := range m.Votes {
			if om.Votes[voter] != target {
				evs = append(evs, Event{Type: EvtVoteCast, Player: voter})
			}
		}
		if m.Tallied && !om.Tallied && m.Result != nil {
			res := cloneResult(*m.Result)
			evs = append(evs, Event{Type: EvtVotesTallied, Result: &res})
		}
	}
	if in.Winner != WinnerNone && old.Winner == WinnerNone {
		out := Outcome{Winner: in.Winner, Reason: in.WinReason}
		evs = append(evs, Event{Type: EvtGameEnded, Outcome: &out})
	}
	if !reflect.DeepEqual(old.Settings, in.Settings) {
		evs = append(evs, Event{Type: EvtSettingsChanged})
	}

	if old.Stage == StageMeeting && in.Stage != StageMeeting {
		evs, next = flushDeferred(next, evs)
	}
	return evs, next
}

// MergePlayer folds a player record into the roster. Updates for players the
// device does not know are dropped so a late update cannot resurrect a
// removed player; only inserts add to the roster, and only when they are
// newer than the last removal of that name.
func MergePlayer(s State, p Player, inserted bool) ([]Event, State) {
	if s.Session.ID == "" {
		return nil, s
	}
	key := NameKey(p.Name)
	if gone, ok := s.Deleted[key]; ok && p.Version <= gone {
		return nil, s
	}
	i := s.playerIndex(p.Name)
	if i < 0 {
		if !inserted {
			return nil, s
		}
		next := s.Clone()
		next.Roster = append(next.Roster, ClonePlayer(p))
		next.Deferred = dropName(next.Deferred, p.Name)
		delete(next.Deleted, key)
		return []Event{{Type: EvtRosterChanged, Player: p.Name}}, next
	}

	cur := s.Roster[i]
	if p.Version <= cur.Version {
		return nil, s
	}
	next := s.Clone()
	next.Roster[i] = ClonePlayer(p)
	if inserted {
		next.Deferred = dropName(next.Deferred, p.Name)
		delete(next.Deleted, key)
	}

	evs := []Event{{Type: EvtRosterChanged, Player: p.Name}}
	if cur.Alive && !p.Alive {
		evs = append(evs, Event{Type: EvtPlayerEliminated, Player: p.Name})
	}
	if cur.TasksCompleted != p.TasksCompleted {
		evs = append(evs, Event{Type: EvtTaskProgress, Player: p.Name})
	}
	return evs, next
}

// RemovePlayer drops another player from the roster. version is the store's
// stamp on the removal; a removal older than the roster record belongs to an
// earlier player of the same name and is ignored. During a meeting the
// removal waits in Deferred until the meeting ends. Removing this device's
// own player is not handled here.
func RemovePlayer(s State, name string, version int64) ([]Event, State) {
	if s.Session.ID == "" || SameName(name, s.Self) {
		return nil, s
	}
	i := s.playerIndex(name)
	if i >= 0 && s.Roster[i].Version > version {
		return nil, s
	}
	key := NameKey(name)
	gone, seen := s.Deleted[key]
	newer := !seen || version > gone
	waiting := slices.ContainsFunc(s.Deferred, func(d string) bool { return SameName(d, name) })
	if !newer && (i < 0 || waiting) {
		return nil, s
	}

	next := s.Clone()
	if newer {
		if next.Deleted == nil {
			next.Deleted = map[string]int64{}
		}
		next.Deleted[key] = version
	}
	switch {
	case i < 0 || waiting:
		return nil, next
	case s.Session.Stage == StageMeeting:
		next.Deferred = append(next.Deferred, s.Roster[i].Name)
		return nil, next
	}
	removed := next.Roster[i].Name
	next.Roster = append(next.Roster[:i], next.Roster[i+1:]...)
	return []Event{{Type: EvtRosterChanged, Player: removed}}, next
}

func flushDeferred(next State, evs []Event) ([]Event, State) {
	for _, name := range next.Deferred {
		if i := next.playerIndex(name); i >= 0 {
			next.Roster = append(next.Roster[:i], next.Roster[i+1:]...)
			evs = append(evs, Event{Type: EvtRosterChanged, Player: name})
		}
	}
	next.Deferred = nil
	return evs, next
}

func dropName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if !SameName(n, name) {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
