package engine

import (
	"fmt"
	"strings"
)

type CommandType string

const (
	CmdCreate         CommandType = "Create"
	CmdJoin           CommandType = "Join"
	CmdStart          CommandType = "Start"
	CmdCallMeeting    CommandType = "CallMeeting"
	CmdMarkReady      CommandType = "MarkReady"
	CmdStartVoting    CommandType = "StartVoting"
	CmdVote           CommandType = "Vote"
	CmdTally          CommandType = "Tally"
	CmdResume         CommandType = "Resume"
	CmdEndGame        CommandType = "EndGame"
	CmdNewGame        CommandType = "NewGame"
	CmdCompleteTask   CommandType = "CompleteTask"
	CmdUncompleteTask CommandType = "UncompleteTask"
	CmdSetAlive       CommandType = "SetAlive"
	CmdKick           CommandType = "Kick"
	CmdLeave          CommandType = "Leave"
	CmdEditSettings   CommandType = "EditSettings"
	CmdRename         CommandType = "Rename"
)

/*
	CmdCreate, CmdJoin -> EvtStageChanged(setup->waiting) + EvtRosterChanged
	CmdStart           -> EvtStageChanged(waiting->playing) + EvtRosterChanged
	CmdCallMeeting     -> EvtMeetingCalled + EvtStageChanged(playing->meeting)
	CmdTally           -> EvtVotesTallied [+ EvtPlayerEliminated] [+ EvtGameEnded + EvtStageChanged]
	CmdResume          -> EvtStageChanged(meeting->playing), or ->ended when a win is already true
	CmdNewGame         -> EvtStageChanged(ended->setup)
	CmdRename          -> EvtRosterChanged
*/

type Command struct {
	Type CommandType
	// Actor defaults to State.Self.
	Actor        string
	Target       string
	MeetingType  MeetingType
	Alive        bool
	KeepSettings bool
	Settings     *Settings
	Assignment   Assignment
	Outcome      Outcome
	// Session and Roster carry the store's copy for Create and Join.
	Session *Session
	Roster  []Player
}

type EventType string

const (
	EvtStageChanged     EventType = "StageChanged"
	EvtRosterChanged    EventType = "RosterChanged"
	EvtMeetingCalled    EventType = "MeetingCalled"
	EvtPlayerReady      EventType = "PlayerReady"
	EvtVotingStarted    EventType = "VotingStarted"
	EvtVoteCast         EventType = "VoteCast"
	EvtVotesTallied     EventType = "VotesTallied"
	EvtPlayerEliminated EventType = "PlayerEliminated"
	EvtTaskProgress     EventType = "TaskProgress"
	EvtGameEnded        EventType = "GameEnded"
	EvtSettingsChanged  EventType = "SettingsChanged"
	EvtPlayerKicked     EventType = "PlayerKicked"
)

type Event struct {
	Type    EventType
	Player  string
	From    Stage
	To      Stage
	Result  *TallyResult
	Outcome *Outcome
}

// Validate runs the guards of cmd against s without keeping the result.
func Validate(s State, cmd Command) error {
	_, _, err := Apply(s, cmd)
	return err
}

// Apply is the session state machine. It never mutates s; on error the
// input state is returned unchanged.
func Apply(s State, cmd Command) ([]Event, State, error) {
	actor := cmd.Actor
	if actor == "" {
		actor = s.Self
	}
	next := s.Clone()

	switch cmd.Type {
	case CmdCreate:
		return applyCreate(s, next, actor, cmd)
	case CmdJoin:
		return applyJoin(s, next, actor, cmd)
	case CmdStart:
		return applyStart(s, next, cmd)
	case CmdCallMeeting:
		return applyCallMeeting(s, next, actor, cmd)
	case CmdMarkReady:
		return applyMarkReady(s, next, actor)
	case CmdStartVoting:
		return applyStartVoting(s, next)
	case CmdVote:
		return applyVote(s, next, actor, cmd)
	case CmdTally:
		return applyTally(s, next)
	case CmdResume:
		return applyResume(s, next)
	case CmdEndGame:
		return applyEndGame(s, next, cmd.Outcome)
	case CmdNewGame:
		return applyNewGame(s, next, cmd)
	case CmdCompleteTask, CmdUncompleteTask:
		return applyTaskProgress(s, next, actor, cmd.Type == CmdCompleteTask)
	case CmdSetAlive:
		return applySetAlive(s, next, cmd)
	case CmdKick:
		return applyKick(s, next, cmd)
	case CmdLeave:
		return applyLeave(s, next, actor)
	case CmdEditSettings:
		return applyEditSettings(s, next, cmd)
	case CmdRename:
		return applyRename(s, next, actor, cmd.Target)
	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func wrongStage(s State, want ...Stage) error {
	return fmt.Errorf("%w: stage is %s, need %v", ErrInvalidTransition, s.Session.Stage, want)
}

func applyCreate(s, next State, actor string, cmd Command) ([]Event, State, error) {
	if s.Session.Stage != StageSetup {
		return nil, s, wrongStage(s, StageSetup)
	}
	if cmd.Session == nil {
		return nil, s, configErr("session", "missing session")
	}
	if err := cmd.Session.Settings.Validate(); err != nil {
		return nil, s, err
	}
	if strings.TrimSpace(actor) == "" {
		return nil, s, configErr("name", "a host name is required")
	}

	next.Session = CloneSession(*cmd.Session)
	next.Session.Stage = StageWaiting
	if next.Session.HostName == "" {
		next.Session.HostName = actor
	}
	next.Roster = CloneRoster(cmd.Roster)
	next.Self = actor
	next.Deferred = nil
	if next.playerIndex(actor) < 0 {
		next.Roster = append(next.Roster, NewPlayer(actor))
	}
	return []Event{
		{Type: EvtStageChanged, From: StageSetup, To: StageWaiting},
		{Type: EvtRosterChanged},
	}, next, nil
}

func applyJoin(s, next State, actor string, cmd Command) ([]Event, State, error) {
	if s.Session.Stage != StageSetup {
		return nil, s, wrongStage(s, StageSetup)
	}
	if cmd.Session == nil {
		return nil, s, configErr("session", "missing session")
	}
	name := strings.TrimSpace(actor)
	if name == "" {
		return nil, s, configErr("name", "a player name is required")
	}
	if strings.EqualFold(name, SkipVote) {
		return nil, s, fmt.Errorf("%w: %q is reserved", ErrNameTaken, name)
	}

	next.Session = CloneSession(*cmd.Session)
	next.Roster = CloneRoster(cmd.Roster)
	next.Deferred = nil

	// A known name reconnects as that player in whatever stage the room is.
	if p, ok := next.Player(name); ok {
		next.Self = p.Name
		evs := []Event{{Type: EvtRosterChanged}}
		if next.Session.Stage != StageSetup {
			evs = append([]Event{{Type: EvtStageChanged, From: StageSetup, To: next.Session.Stage}}, evs...)
		}
		return evs, next, nil
	}

	if next.Session.Stage != StageWaiting {
		return nil, s, fmt.Errorf("%w: room is %s, new players can only join while waiting", ErrInvalidTransition, next.Session.Stage)
	}
	if max := next.Session.Settings.MaxPlayers; max > 0 && len(next.Roster) >= max {
		return nil, s, ErrRoomFull
	}
	next.Self = name
	next.Roster = append(next.Roster, NewPlayer(name))
	return []Event{
		{Type: EvtStageChanged, From: StageSetup, To: StageWaiting},
		{Type: EvtRosterChanged, Player: name},
	}, next, nil
}

func applyStart(s, next State, cmd Command) ([]Event, State, error) {
	if err := CheckStart(s); err != nil {
		return nil, s, err
	}
	set := s.Session.Settings
	if cmd.Assignment == nil {
		return nil, s, configErr("assignment", "missing role assignment")
	}

	traitors := 0
	for i, p := range next.Roster {
		a, ok := cmd.Assignment[p.Name]
		if !ok {
			return nil, s, configErr("assignment", "no assignment for %q", p.Name)
		}
		if a.Role == RoleTraitor {
			traitors++
		}
		next.Roster[i] = Player{
			Name:    p.Name,
			Role:    a.Role,
			Alive:   true,
			Tasks:   append([]TaskRef(nil), a.Tasks...),
			Ready:   p.Ready,
			Version: p.Version,
		}
	}
	if traitors != set.TraitorCount {
		return nil, s, configErr("assignment", "assignment has %d traitors, settings want %d", traitors, set.TraitorCount)
	}

	next.Session.Stage = StagePlaying
	next.Session.Winner = WinnerNone
	next.Session.WinReason = ""
	next.Session.Meeting = MeetingState{}
	return []Event{
		{Type: EvtStageChanged, From: StageWaiting, To: StagePlaying},
		{Type: EvtRosterChanged},
	}, next, nil
}

// CheckStart reports whether s may leave the lobby, before any roles are
// dealt.
func CheckStart(s State) error {
	if s.Session.Stage != StageWaiting {
		return wrongStage(s, StageWaiting)
	}
	if !s.IsHost() {
		return &AuthorizationError{Action: "start the game"}
	}
	set := s.Session.Settings
	n := len(s.Roster)
	if n < set.MinPlayers || n > set.MaxPlayers {
		return configErr("roster", "need between %d and %d players, have %d", set.MinPlayers, set.MaxPlayers, n)
	}
	if set.TraitorCount < 1 || set.TraitorCount >= n {
		return configErr("traitor_count", "need 1 <= traitors < players (%d), got %d", n, set.TraitorCount)
	}
	return nil
}

func applyCallMeeting(s, next State, actor string, cmd Command) ([]Event, State, error) {
	if s.Session.Stage != StagePlaying {
		return nil, s, wrongStage(s, StagePlaying)
	}
	i := next.playerIndex(actor)
	if i < 0 {
		return nil, s, fmt.Errorf("%w: %q", ErrUnknownPlayer, actor)
	}
	caller := next.Roster[i]
	if !caller.Alive && !s.IsHost() {
		return nil, s, ErrNotAlive
	}

	switch cmd.MeetingType {
	case MeetingEmergency:
		if caller.EmergencyMeetingsUsed >= s.Session.Settings.MeetingLimit {
			return nil, s, ErrMeetingLimit
		}
		next.Roster[i].EmergencyMeetingsUsed++
	case MeetingReport:
	default:
		return nil, s, fmt.Errorf("%w: meeting type %q", ErrUnsupportedCommand, cmd.MeetingType)
	}

	next.Session.Meeting = NewMeeting(MeetingMeta{
		ID:     s.Session.Meeting.ID + 1,
		Type:   cmd.MeetingType,
		Caller: caller.Name,
	})
	next.Session.Stage = StageMeeting
	return []Event{
		{Type: EvtMeetingCalled, Player: caller.Name},
		{Type: EvtStageChanged, From: StagePlaying, To: StageMeeting},
	}, next, nil
}

func applyMarkReady(s, next State, actor string) ([]Event, State, error) {
	if s.Session.Stage != StageMeeting {
		return nil, s, wrongStage(s, StageMeeting)
	}
	p, ok := s.Player(actor)
	if !ok {
		return nil, s, fmt.Errorf("%w: %q", ErrUnknownPlayer, actor)
	}
	if s.Session.Meeting.Ready[p.Name] {
		return nil, s, nil
	}
	next.Session.Meeting.Ready[p.Name] = true
	return []Event{{Type: EvtPlayerReady, Player: p.Name}}, next, nil
}

func applyStartVoting(s, next State) ([]Event, State, error) {
	if s.Session.Stage != StageMeeting {
		return nil, s, wrongStage(s, StageMeeting)
	}
	if !s.IsHost() {
		return nil, s, &AuthorizationError{Action: "start voting"}
	}
	m := s.Session.Meeting
	if m.VotingStarted {
		return nil, s, nil
	}
	if ReadyCount(m.Ready, s.Roster) != CountAlive(s.Roster) {
		return nil, s, ErrPlayersNotReady
	}
	next.Session.Meeting.VotingStarted = true
	next.Session.Meeting.Votes = VoteLedger{}
	return []Event{{Type: EvtVotingStarted}}, next, nil
}

func applyVote(s, next State, actor string, cmd Command) ([]Event, State, error) {
	if s.Session.Stage != StageMeeting {
		return nil, s, wrongStage(s, StageMeeting)
	}
	m := s.Session.Meeting
	if !m.VotingStarted || m.Tallied {
		return nil, s, ErrVotingClosed
	}
	voter, ok := s.Player(actor)
	if !ok {
		return nil, s, fmt.Errorf("%w: %q", ErrUnknownPlayer, actor)
	}
	if !voter.Alive {
		return nil, s, ErrNotAlive
	}
	target := SkipVote
	if t := strings.TrimSpace(cmd.Target); t != "" && !strings.EqualFold(t, SkipVote) {
		p, ok := s.Player(t)
		if !ok || !p.Alive {
			return nil, s, fmt.Errorf("%w: cannot vote for %q", ErrUnknownPlayer, t)
		}
		target = p.Name
	}
	if m.Votes[voter.Name] == target {
		return nil, s, nil
	}
	next.Session.Meeting.Votes[voter.Name] = target
	return []Event{{Type: EvtVoteCast, Player: voter.Name}}, next, nil
}

// applyTally is gated by Meeting.Tallied: once set, the stored result stands
// and nothing is re-eliminated.
func applyTally(s, next State) ([]Event, State, error) {
	if s.Session.Stage != StageMeeting {
		return nil, s, wrongStage(s, StageMeeting)
	}
	if !s.IsHost() {
		return nil, s, &AuthorizationError{Action: "tally votes"}
	}
	m := s.Session.Meeting
	if m.Tallied {
		return nil, s, nil
	}
	if !m.VotingStarted {
		return nil, s, ErrVotingClosed
	}
	res, err := Tally(m.Votes, s.Roster, m.ID)
	if err != nil {
		return nil, s, err
	}
	return applyTallyResult(s, res)
}

// applyTallyResult folds a computed result into s: the ledger freezes, the
// eliminated player dies and the win check runs.
func applyTallyResult(s State, res TallyResult) ([]Event, State, error) {
	if s.Session.Meeting.Tallied {
		return nil, s, nil
	}
	next := s.Clone()
	next.Session.Meeting.Tallied = true
	next.Session.Meeting.Result = &res
	evs := []Event{{Type: EvtVotesTallied, Result: &res}}

	if res.Eliminated == "" {
		return evs, next, nil
	}
	if i := next.playerIndex(res.Eliminated); i >= 0 && next.Roster[i].Alive {
		next.Roster[i].Alive = false
		evs = append(evs, Event{Type: EvtPlayerEliminated, Player: next.Roster[i].Name})
	}
	out, won, err := CheckWin(next.Roster)
	if err != nil {
		return nil, s, err
	}
	if won {
		var end []Event
		end, next = endGame(next, out)
		evs = append(evs, end...)
	}
	return evs, next, nil
}

func applyResume(s, next State) ([]Event, State, error) {
	if s.Session.Stage != StageMeeting {
		return nil, s, wrongStage(s, StageMeeting)
	}
	if !s.IsHost() {
		return nil, s, &AuthorizationError{Action: "resume the game"}
	}
	m := s.Session.Meeting
	if m.VotingStarted && !m.Tallied {
		return nil, s, ErrVotingIncomplete
	}

	out, won, err := CheckWin(next.Roster)
	if err != nil {
		return nil, s, err
	}
	if won {
		evs, next := endGame(next, out)
		return evs, next, nil
	}

	next.Session.Stage = StagePlaying
	next.Session.Meeting = MeetingState{MeetingMeta: MeetingMeta{ID: m.ID}}
	evs := []Event{{Type: EvtStageChanged, From: StageMeeting, To: StagePlaying}}
	evs, next = flushDeferred(next, evs)
	return evs, next, nil
}

func applyEndGame(s, next State, out Outcome) ([]Event, State, error) {
	if s.Session.Stage == StageEnded {
		return nil, s, nil
	}
	if s.Session.Stage != StagePlaying && s.Session.Stage != StageMeeting {
		return nil, s, wrongStage(s, StagePlaying, StageMeeting)
	}
	if out.Winner == WinnerNone {
		return nil, s, configErr("winner", "an outcome is required to end the game")
	}
	evs, next := endGame(next, out)
	return evs, next, nil
}

func endGame(next State, out Outcome) ([]Event, State) {
	from := next.Session.Stage
	next.Session.Stage = StageEnded
	next.Session.Winner = out.Winner
	next.Session.WinReason = out.Reason
	evs := []Event{
		{Type: EvtGameEnded, Outcome: &out},
		{Type: EvtStageChanged, From: from, To: StageEnded},
	}
	return flushDeferred(next, evs)
}

func applyNewGame(s, next State, cmd Command) ([]Event, State, error) {
	if s.Session.Stage != StageEnded {
		return nil, s, wrongStage(s, StageEnded)
	}
	if !s.IsHost() {
		return nil, s, &AuthorizationError{Action: "start a new game"}
	}
	settings := DefaultSettings()
	if cmd.KeepSettings {
		settings = next.Session.Settings
	}
	next.Session = ResetSession(next.Session, settings)
	next.Roster = nil
	next.Deferred = nil
	return []Event{
		{Type: EvtStageChanged, From: StageEnded, To: StageSetup},
		{Type: EvtRosterChanged},
	}, next, nil
}

func applyTaskProgress(s, next State, actor string, done bool) ([]Event, State, error) {
	if s.Session.Stage != StagePlaying {
		return nil, s, wrongStage(s, StagePlaying)
	}
	i := next.playerIndex(actor)
	if i < 0 {
		return nil, s, fmt.Errorf("%w: %q", ErrUnknownPlayer, actor)
	}
	p := &next.Roster[i]
	switch {
	case done && p.TasksCompleted < len(p.Tasks):
		p.TasksCompleted++
	case !done && p.TasksCompleted > 0:
		p.TasksCompleted--
	default:
		return nil, s, nil
	}
	// The win itself is decided by the host, which sees every player's progress.
	return []Event{{Type: EvtTaskProgress, Player: p.Name}}, next, nil
}

func applySetAlive(s, next State, cmd Command) ([]Event, State, error) {
	if s.Session.Stage != StagePlaying && s.Session.Stage != StageMeeting {
		return nil, s, wrongStage(s, StagePlaying, StageMeeting)
	}
	if !s.IsHost() {
		return nil, s, &AuthorizationError{Action: "change who is eliminated"}
	}
	i := next.playerIndex(cmd.Target)
	if i < 0 {
		return nil, s, fmt.Errorf("%w: %q", ErrUnknownPlayer, cmd.Target)
	}
	if next.Roster[i].Alive == cmd.Alive {
		return nil, s, nil
	}
	next.Roster[i].Alive = cmd.Alive
	evs := []Event{{Type: EvtRosterChanged, Player: next.Roster[i].Name}}
	if !cmd.Alive {
		evs = append(evs, Event{Type: EvtPlayerEliminated, Player: next.Roster[i].Name})
	}

	out, won, err := CheckWin(next.Roster)
	if err != nil {
		return nil, s, err
	}
	if won {
		var end []Event
		end, next = endGame(next, out)
		evs = append(evs, end...)
	}
	return evs, next, nil
}

func applyKick(s, next State, cmd Command) ([]Event, State, error) {
	if s.Session.Stage == StageSetup {
		return nil, s, wrongStage(s, StageWaiting, StagePlaying, StageMeeting, StageEnded)
	}
	if !s.IsHost() {
		return nil, s, &AuthorizationError{Action: "kick players"}
	}
	p, ok := s.Player(cmd.Target)
	if !ok {
		return nil, s, fmt.Errorf("%w: %q", ErrUnknownPlayer, cmd.Target)
	}
	if SameName(p.Name, s.Self) {
		return nil, s, fmt.Errorf("%w: the host cannot kick themselves", ErrUnsupportedCommand)
	}
	evs, next := RemovePlayer(next, p.Name, p.Version)
	return append([]Event{{Type: EvtPlayerKicked, Player: p.Name}}, evs...), next, nil
}

// applyLeave takes the local device back to the menu. The departure is
// immediate for the leaver even mid-meeting.
func applyLeave(s, next State, actor string) ([]Event, State, error) {
	if _, ok := s.Player(actor); !ok {
		return nil, s, fmt.Errorf("%w: %q", ErrUnknownPlayer, actor)
	}
	from := s.Session.Stage
	next = NewEmptyState()
	return []Event{{Type: EvtStageChanged, From: from, To: StageSetup}}, next, nil
}

// applyRename changes the actor's name in the lobby. A change of case only
// is no change, since names compare case-insensitively.
func applyRename(s, next State, actor, name string) ([]Event, State, error) {
	if s.Session.Stage != StageWaiting {
		return nil, s, wrongStage(s, StageWaiting)
	}
	i := s.playerIndex(actor)
	if i < 0 {
		return nil, s, fmt.Errorf("%w: %q", ErrUnknownPlayer, actor)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, s, configErr("name", "a player name is required")
	}
	if strings.EqualFold(name, SkipVote) {
		return nil, s, fmt.Errorf("%w: %q is reserved", ErrNameTaken, name)
	}
	old := s.Roster[i].Name
	if SameName(old, name) {
		return nil, s, nil
	}
	if _, taken := s.Player(name); taken {
		return nil, s, fmt.Errorf("%w: %q", ErrNameTaken, name)
	}

	next.Roster[i].Name = name
	if SameName(s.Self, old) {
		next.Self = name
	}
	if SameName(s.Session.HostName, old) {
		next.Session.HostName = name
	}
	return []Event{{Type: EvtRosterChanged, Player: name}}, next, nil
}

func applyEditSettings(s, next State, cmd Command) ([]Event, State, error) {
	if s.Session.Stage != StageSetup && s.Session.Stage != StageWaiting {
		return nil, s, wrongStage(s, StageSetup, StageWaiting)
	}
	if s.Session.Stage == StageWaiting && !s.IsHost() {
		return nil, s, &AuthorizationError{Action: "edit settings"}
	}
	if cmd.Settings == nil {
		return nil, s, configErr("settings", "missing settings")
	}
	if err := cmd.Settings.Validate(); err != nil {
		return nil, s, err
	}
	if s.Session.Stage == StageWaiting && len(s.Roster) > cmd.Settings.MaxPlayers {
		return nil, s, configErr("max_players", "%d players already joined", len(s.Roster))
	}
	next.Session.Settings = cmd.Settings.Clone()
	return []Event{{Type: EvtSettingsChanged}}, next, nil
}
