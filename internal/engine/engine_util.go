package engine

import "maps"

func NewEmptyState() State {
	return State{
		Session: Session{Stage: StageSetup, Settings: DefaultSettings()},
	}
}

func NewPlayer(name string) Player {
	return Player{Name: name, Alive: true}
}

func NewMeeting(meta MeetingMeta) MeetingState {
	return MeetingState{
		MeetingMeta: meta,
		Votes:       VoteLedger{},
		Ready:       map[string]bool{},
	}
}

// ResetSession returns sess back in setup with the given settings. Identity
// fields stay; everything a game wrote is dropped.
func ResetSession(sess Session, settings Settings) Session {
	return Session{
		ID:       sess.ID,
		RoomCode: sess.RoomCode,
		HostName: sess.HostName,
		Stage:    StageSetup,
		Settings: settings.Clone(),
		Version:  sess.Version,
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func (s State) Clone() State {
	return State{
		Session:  CloneSession(s.Session),
		Roster:   CloneRoster(s.Roster),
		Self:     s.Self,
		Deferred: append([]string(nil), s.Deferred...),
		Deleted:  maps.Clone(s.Deleted),
	}
}

func CloneSession(sess Session) Session {
	sess.Settings = sess.Settings.Clone()
	sess.Meeting = cloneMeeting(sess.Meeting)
	return sess
}

func cloneMeeting(m MeetingState) MeetingState {
	votes := make(VoteLedger, len(m.Votes))
	for k, v := range m.Votes {
		votes[k] = v
	}
	ready := make(map[string]bool, len(m.Ready))
	for k, v := range m.Ready {
		ready[k] = v
	}
	m.Votes = votes
	m.Ready = ready
	if m.Result != nil {
		r := cloneResult(*m.Result)
		m.Result = &r
	}
	return m
}

func cloneResult(r TallyResult) TallyResult {
	counts := make(map[string]int, len(r.VoteCounts))
	for k, v := range r.VoteCounts {
		counts[k] = v
	}
	r.VoteCounts = counts
	return r
}

func CloneRoster(roster []Player) []Player {
	if roster == nil {
		return nil
	}
	out := make([]Player, len(roster))
	for i, p := range roster {
		out[i] = ClonePlayer(p)
	}
	return out
}

func ClonePlayer(p Player) Player {
	p.Tasks = append([]TaskRef(nil), p.Tasks...)
	return p
}
