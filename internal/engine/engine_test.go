package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitingState(self string, names ...string) State {
	s := NewEmptyState()
	s.Session.ID = "s1"
	s.Session.RoomCode = "ABCD"
	s.Session.HostName = names[0]
	s.Session.Stage = StageWaiting
	s.Session.Version = 1
	s.Self = self
	for _, n := range names {
		p := NewPlayer(n)
		p.Version = 1
		s.Roster = append(s.Roster, p)
	}
	return s
}

// playingState has host A and traitor D unless traitors are named.
func playingState(self string, traitors ...string) State {
	s := waitingState(self, "A", "B", "C", "D")
	if len(traitors) == 0 {
		traitors = []string{"D"}
	}
	for i := range s.Roster {
		s.Roster[i].Role = RoleAlly
		s.Roster[i].Tasks = []TaskRef{{Room: "Kitchen", Name: "t1"}, {Room: "Garage", Name: "t2"}}
		for _, t := range traitors {
			if s.Roster[i].Name == t {
				s.Roster[i].Role = RoleTraitor
			}
		}
	}
	s.Session.Stage = StagePlaying
	return s
}

func meetingState(self string) State {
	s := playingState(self)
	s.Session.Stage = StageMeeting
	s.Session.Meeting = NewMeeting(MeetingMeta{ID: 1, Type: MeetingEmergency, Caller: "B"})
	return s
}

func votingState(self string, votes VoteLedger) State {
	s := meetingState(self)
	s.Session.Meeting.VotingStarted = true
	s.Session.Meeting.Votes = votes
	return s
}

func assignmentFor(s State, traitors ...string) Assignment {
	a := Assignment{}
	for _, p := range s.Roster {
		a[p.Name] = PlayerAssignment{Role: RoleAlly, Tasks: []TaskRef{{Room: "Office", Name: "read"}}}
	}
	for _, t := range traitors {
		a[t] = PlayerAssignment{Role: RoleTraitor}
	}
	return a
}

func TestCreateAndJoin(t *testing.T) {
	sess := Session{ID: "s1", RoomCode: "WXYZ", Stage: StageWaiting, Settings: DefaultSettings(), Version: 1}

	evs, s, err := Apply(NewEmptyState(), Command{Type: CmdCreate, Actor: "Host", Session: &sess})
	require.NoError(t, err)
	assert.Equal(t, StageWaiting, s.Session.Stage)
	assert.Equal(t, "Host", s.Session.HostName)
	assert.True(t, s.IsHost())
	assert.Len(t, s.Roster, 1)
	assert.True(t, ContainsEvent(evs, EvtStageChanged))

	joined := sess
	joined.HostName = "Host"
	evs, s, err = Apply(NewEmptyState(), Command{
		Type: CmdJoin, Actor: "Guest", Session: &joined,
		Roster: []Player{NewPlayer("Host")},
	})
	require.NoError(t, err)
	assert.False(t, s.IsHost())
	assert.Equal(t, "Guest", s.Self)
	assert.Len(t, s.Roster, 2)
	assert.True(t, ContainsEvent(evs, EvtRosterChanged))
}

func TestJoinGuards(t *testing.T) {
	full := DefaultSettings()
	full.MinPlayers, full.MaxPlayers = 1, 2
	roster := []Player{NewPlayer("Host"), NewPlayer("Bob")}

	cases := []struct {
		name    string
		stage   Stage
		actor   string
		wantErr error
	}{
		{name: "room full", stage: StageWaiting, actor: "Cara", wantErr: ErrRoomFull},
		{name: "reserved skip", stage: StageWaiting, actor: "SKIP", wantErr: ErrNameTaken},
		{name: "new name mid-game", stage: StagePlaying, actor: "Cara", wantErr: ErrInvalidTransition},
		{name: "reconnect mid-game", stage: StagePlaying, actor: "bob"},
		{name: "reconnect while full", stage: StageWaiting, actor: " BOB "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := Session{ID: "s1", HostName: "Host", Stage: tc.stage, Settings: full, Version: 3}
			_, s, err := Apply(NewEmptyState(), Command{Type: CmdJoin, Actor: tc.actor, Session: &sess, Roster: roster})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, StageSetup, s.Session.Stage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Bob", s.Self)
			assert.Len(t, s.Roster, 2)
			assert.Equal(t, tc.stage, s.Session.Stage)
		})
	}
}

func TestStartGuards(t *testing.T) {
	cases := []struct {
		name      string
		setup     func() State
		traitors  []string
		wantAuth  bool
		wantCfg   bool
		wantStage Stage
	}{
		{
			name:      "host starts with one traitor",
			setup:     func() State { return waitingState("A", "A", "B", "C", "D") },
			traitors:  []string{"C"},
			wantStage: StagePlaying,
		},
		{
			name:      "non-host cannot start",
			setup:     func() State { return waitingState("B", "A", "B", "C", "D") },
			traitors:  []string{"C"},
			wantAuth:  true,
			wantStage: StageWaiting,
		},
		{
			name: "traitors must be fewer than players",
			setup: func() State {
				s := waitingState("A", "A", "B")
				s.Session.Settings.MinPlayers = 2
				s.Session.Settings.TraitorCount = 2
				return s
			},
			traitors:  []string{"A", "B"},
			wantCfg:   true,
			wantStage: StageWaiting,
		},
		{
			name:      "below minimum players",
			setup:     func() State { return waitingState("A", "A", "B", "C") },
			traitors:  []string{"C"},
			wantCfg:   true,
			wantStage: StageWaiting,
		},
		{
			name:      "assignment disagrees with settings",
			setup:     func() State { return waitingState("A", "A", "B", "C", "D") },
			traitors:  []string{"C", "D"},
			wantCfg:   true,
			wantStage: StageWaiting,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := tc.setup()
			_, next, err := Apply(s, Command{Type: CmdStart, Assignment: assignmentFor(s, tc.traitors...)})
			assert.Equal(t, tc.wantAuth, IsAuthorization(err), "err: %v", err)
			assert.Equal(t, tc.wantCfg, IsConfiguration(err), "err: %v", err)
			assert.Equal(t, tc.wantStage, next.Session.Stage)
			if err == nil {
				for _, p := range next.Roster {
					assert.True(t, p.Alive)
					assert.NotEqual(t, RoleUnassigned, p.Role)
				}
			}
		})
	}
}

func TestCallMeeting(t *testing.T) {
	t.Run("emergency uses the caller's allowance", func(t *testing.T) {
		s := playingState("B")
		evs, next, err := Apply(s, Command{Type: CmdCallMeeting, MeetingType: MeetingEmergency})
		require.NoError(t, err)
		assert.Equal(t, StageMeeting, next.Session.Stage)
		assert.Equal(t, 1, next.Session.Meeting.ID)
		assert.Equal(t, "B", next.Session.Meeting.Caller)
		b, _ := next.Player("B")
		assert.Equal(t, 1, b.EmergencyMeetingsUsed)
		assert.True(t, ContainsEvent(evs, EvtMeetingCalled))

		// Original state untouched.
		b, _ = s.Player("B")
		assert.Equal(t, 0, b.EmergencyMeetingsUsed)
	})

	t.Run("emergency limit reached", func(t *testing.T) {
		s := playingState("B")
		s.Roster[1].EmergencyMeetingsUsed = 1
		_, next, err := Apply(s, Command{Type: CmdCallMeeting, MeetingType: MeetingEmergency})
		require.ErrorIs(t, err, ErrMeetingLimit)
		assert.Equal(t, StagePlaying, next.Session.Stage)
	})

	t.Run("reports are unlimited", func(t *testing.T) {
		s := playingState("B")
		s.Roster[1].EmergencyMeetingsUsed = 5
		_, next, err := Apply(s, Command{Type: CmdCallMeeting, MeetingType: MeetingReport})
		require.NoError(t, err)
		assert.Equal(t, StageMeeting, next.Session.Stage)
	})

	t.Run("eliminated players cannot call", func(t *testing.T) {
		s := playingState("B")
		s.Roster[1].Alive = false
		_, _, err := Apply(s, Command{Type: CmdCallMeeting, MeetingType: MeetingReport})
		require.ErrorIs(t, err, ErrNotAlive)
	})

	t.Run("eliminated host still can", func(t *testing.T) {
		s := playingState("A")
		s.Roster[0].Alive = false
		_, next, err := Apply(s, Command{Type: CmdCallMeeting, MeetingType: MeetingReport})
		require.NoError(t, err)
		assert.Equal(t, StageMeeting, next.Session.Stage)
	})
}

func TestReadyAndStartVoting(t *testing.T) {
	s := meetingState("A")

	_, _, err := Apply(s, Command{Type: CmdStartVoting})
	require.ErrorIs(t, err, ErrPlayersNotReady)

	for _, name := range []string{"A", "B", "C", "D"} {
		var evs []Event
		evs, s, err = Apply(s, Command{Type: CmdMarkReady, Actor: name})
		require.NoError(t, err)
		assert.True(t, ContainsEvent(evs, EvtPlayerReady))
	}

	evs, again, err := Apply(s, Command{Type: CmdMarkReady, Actor: "B"})
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, s, again)

	notHost := s
	notHost.Self = "B"
	_, _, err = Apply(notHost, Command{Type: CmdStartVoting})
	assert.True(t, IsAuthorization(err))

	evs, s, err = Apply(s, Command{Type: CmdStartVoting})
	require.NoError(t, err)
	assert.True(t, s.Session.Meeting.VotingStarted)
	assert.True(t, ContainsEvent(evs, EvtVotingStarted))
}

func TestVote(t *testing.T) {
	s := votingState("B", VoteLedger{})

	_, next, err := Apply(s, Command{Type: CmdVote, Target: "c"})
	require.NoError(t, err)
	assert.Equal(t, "C", next.Session.Meeting.Votes["B"])

	_, next, err = Apply(next, Command{Type: CmdVote, Target: ""})
	require.NoError(t, err)
	assert.Equal(t, SkipVote, next.Session.Meeting.Votes["B"], "a vote may change until the tally")

	dead := s
	dead.Roster = CloneRoster(s.Roster)
	dead.Roster[2].Alive = false
	_, _, err = Apply(dead, Command{Type: CmdVote, Target: "C"})
	require.ErrorIs(t, err, ErrUnknownPlayer, "eliminated players cannot be voted for")

	_, _, err = Apply(dead, Command{Type: CmdVote, Actor: "C", Target: "A"})
	require.ErrorIs(t, err, ErrNotAlive)

	closed := meetingState("B")
	_, _, err = Apply(closed, Command{Type: CmdVote, Target: "A"})
	require.ErrorIs(t, err, ErrVotingClosed)
}

func TestTallyOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		votes      VoteLedger
		eliminated string
		tie        bool
		wantStage  Stage
	}{
		{
			name:      "two way tie eliminates no one",
			votes:     VoteLedger{"A": "B", "B": "A", "C": "B", "D": "A"},
			tie:       true,
			wantStage: StageMeeting,
		},
		{
			name:       "clear majority",
			votes:      VoteLedger{"A": "C", "B": "C", "C": "A", "D": "C"},
			eliminated: "C",
			wantStage:  StageMeeting,
		},
		{
			name:      "everyone skips",
			votes:     VoteLedger{"A": SkipVote, "B": SkipVote, "C": SkipVote, "D": SkipVote},
			wantStage: StageMeeting,
		},
		{
			name:       "voting out the last traitor ends the game",
			votes:      VoteLedger{"A": "D", "B": "D", "C": SkipVote, "D": "A"},
			eliminated: "D",
			wantStage:  StageEnded,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := votingState("A", tc.votes)
			evs, next, err := Apply(s, Command{Type: CmdTally})
			require.NoError(t, err)
			require.True(t, next.Session.Meeting.Tallied)

			res := next.Session.Meeting.Result
			require.NotNil(t, res)
			assert.Equal(t, tc.eliminated, res.Eliminated)
			assert.Equal(t, tc.tie, res.IsTie)
			assert.Equal(t, tc.wantStage, next.Session.Stage)
			assert.True(t, ContainsEvent(evs, EvtVotesTallied))

			alive := CountAlive(next.Roster)
			if tc.eliminated == "" {
				assert.Equal(t, 4, alive)
			} else {
				assert.Equal(t, 3, alive)
			}

			// A second tally returns the stored result and eliminates no one else.
			evs2, again, err := Apply(next, Command{Type: CmdTally})
			require.NoError(t, err)
			assert.Empty(t, evs2)
			assert.Equal(t, next, again)
		})
	}
}

func TestTallyRequiresEveryAliveVote(t *testing.T) {
	s := votingState("A", VoteLedger{"A": "B", "B": "A", "C": "B"})
	_, next, err := Apply(s, Command{Type: CmdTally})
	require.ErrorIs(t, err, ErrVotingIncomplete)
	assert.False(t, next.Session.Meeting.Tallied)
}

func TestResume(t *testing.T) {
	t.Run("blocked until tallied", func(t *testing.T) {
		s := votingState("A", VoteLedger{"A": "B"})
		_, next, err := Apply(s, Command{Type: CmdResume})
		require.ErrorIs(t, err, ErrVotingIncomplete)
		assert.Equal(t, StageMeeting, next.Session.Stage)
	})

	t.Run("non-host cannot resume", func(t *testing.T) {
		_, _, err := Apply(meetingState("C"), Command{Type: CmdResume})
		assert.True(t, IsAuthorization(err))
	})

	t.Run("discussion only meeting resumes", func(t *testing.T) {
		evs, next, err := Apply(meetingState("A"), Command{Type: CmdResume})
		require.NoError(t, err)
		assert.Equal(t, StagePlaying, next.Session.Stage)
		assert.Equal(t, 1, next.Session.Meeting.ID, "meeting numbering continues")
		assert.True(t, ContainsEvent(evs, EvtStageChanged))
	})

	t.Run("win short-circuits to ended", func(t *testing.T) {
		s := meetingState("A")
		s.Roster[1].Alive = false
		s.Roster[2].Alive = false
		_, next, err := Apply(s, Command{Type: CmdResume})
		require.NoError(t, err)
		assert.Equal(t, StageEnded, next.Session.Stage)
		assert.Equal(t, WinnerTraitors, next.Session.Winner)
	})
}

func TestEndAndNewGame(t *testing.T) {
	s := playingState("A")
	_, ended, err := Apply(s, Command{Type: CmdEndGame, Outcome: Outcome{Winner: WinnerAllies, Reason: ReasonTasksCompleted}})
	require.NoError(t, err)
	assert.Equal(t, StageEnded, ended.Session.Stage)
	assert.Equal(t, ReasonTasksCompleted, ended.Session.WinReason)

	evs, again, err := Apply(ended, Command{Type: CmdEndGame, Outcome: Outcome{Winner: WinnerTraitors}})
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, WinnerAllies, again.Session.Winner, "first outcome stands")

	guest := ended
	guest.Self = "B"
	_, _, err = Apply(guest, Command{Type: CmdNewGame})
	assert.True(t, IsAuthorization(err))

	custom := ended
	custom.Session.Settings.TasksPerPlayer = 7

	_, kept, err := Apply(custom, Command{Type: CmdNewGame, KeepSettings: true})
	require.NoError(t, err)
	assert.Equal(t, StageSetup, kept.Session.Stage)
	assert.Empty(t, kept.Roster)
	assert.Equal(t, 7, kept.Session.Settings.TasksPerPlayer)

	_, reset, err := Apply(custom, Command{Type: CmdNewGame})
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings().TasksPerPlayer, reset.Session.Settings.TasksPerPlayer)
}

func TestTaskProgressIsClamped(t *testing.T) {
	s := playingState("B")
	var err error
	for range 5 {
		_, s, err = Apply(s, Command{Type: CmdCompleteTask})
		require.NoError(t, err)
	}
	me, _ := s.Me()
	assert.Equal(t, 2, me.TasksCompleted)

	for range 5 {
		_, s, err = Apply(s, Command{Type: CmdUncompleteTask})
		require.NoError(t, err)
	}
	me, _ = s.Me()
	assert.Equal(t, 0, me.TasksCompleted)
}

func TestSetAliveRunsWinCheck(t *testing.T) {
	s := playingState("A")
	evs, next, err := Apply(s, Command{Type: CmdSetAlive, Target: "D", Alive: false})
	require.NoError(t, err)
	assert.True(t, ContainsEvent(evs, EvtPlayerEliminated))
	assert.True(t, ContainsEvent(evs, EvtGameEnded))
	assert.Equal(t, WinnerAllies, next.Session.Winner)
	assert.Equal(t, ReasonTraitorsEliminated, next.Session.WinReason)
}

func TestKick(t *testing.T) {
	t.Run("removes immediately outside a meeting", func(t *testing.T) {
		evs, next, err := Apply(playingState("A"), Command{Type: CmdKick, Target: "c"})
		require.NoError(t, err)
		assert.True(t, ContainsEvent(evs, EvtPlayerKicked))
		assert.Len(t, next.Roster, 3)
	})

	t.Run("deferred during a meeting", func(t *testing.T) {
		_, next, err := Apply(meetingState("A"), Command{Type: CmdKick, Target: "C"})
		require.NoError(t, err)
		assert.Len(t, next.Roster, 4)
		assert.Equal(t, []string{"C"}, next.Deferred)

		_, resumed, err := Apply(next, Command{Type: CmdResume})
		require.NoError(t, err)
		assert.Len(t, resumed.Roster, 3)
		assert.Empty(t, resumed.Deferred)
	})

	t.Run("host only", func(t *testing.T) {
		_, _, err := Apply(playingState("B"), Command{Type: CmdKick, Target: "C"})
		assert.True(t, IsAuthorization(err))
	})

	t.Run("not self", func(t *testing.T) {
		_, _, err := Apply(playingState("A"), Command{Type: CmdKick, Target: "A"})
		require.ErrorIs(t, err, ErrUnsupportedCommand)
	})
}

func TestEditSettings(t *testing.T) {
	bad := DefaultSettings()
	bad.MinPlayers = 8
	bad.MaxPlayers = 6

	s := waitingState("A", "A", "B", "C", "D")
	_, next, err := Apply(s, Command{Type: CmdEditSettings, Settings: &bad})
	assert.True(t, IsConfiguration(err))
	assert.Equal(t, s.Session.Settings, next.Session.Settings)

	small := DefaultSettings()
	small.MinPlayers, small.MaxPlayers = 2, 3
	_, _, err = Apply(s, Command{Type: CmdEditSettings, Settings: &small})
	assert.True(t, IsConfiguration(err), "roster already exceeds the new maximum")

	guest := s
	guest.Self = "B"
	ok := DefaultSettings()
	_, _, err = Apply(guest, Command{Type: CmdEditSettings, Settings: &ok})
	assert.True(t, IsAuthorization(err))

	ok.TasksPerPlayer = 2
	evs, next, err := Apply(s, Command{Type: CmdEditSettings, Settings: &ok})
	require.NoError(t, err)
	assert.True(t, ContainsEvent(evs, EvtSettingsChanged))
	assert.Equal(t, 2, next.Session.Settings.TasksPerPlayer)

	_, _, err = Apply(playingState("A"), Command{Type: CmdEditSettings, Settings: &ok})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLeave(t *testing.T) {
	evs, next, err := Apply(meetingState("B"), Command{Type: CmdLeave})
	require.NoError(t, err)
	assert.Equal(t, StageSetup, next.Session.Stage)
	assert.Empty(t, next.Self)
	assert.True(t, ContainsEvent(evs, EvtStageChanged))
}

func TestRejectedCommandsLeaveStateUnchanged(t *testing.T) {
	s := playingState("B")
	for _, cmd := range []Command{
		{Type: CmdStart},
		{Type: CmdResume},
		{Type: CmdTally},
		{Type: CmdNewGame},
		{Type: CmdKick, Target: "C"},
		{Type: "Bogus"},
	} {
		_, next, err := Apply(s, cmd)
		require.Error(t, err, string(cmd.Type))
		assert.Equal(t, s, next, string(cmd.Type))
		assert.Equal(t, err, Validate(s, cmd))
	}

	_, _, err := Apply(s, Command{Type: "Bogus"})
	assert.True(t, errors.Is(err, ErrUnsupportedCommand))
}

func TestEveryAppliedTransitionIsDeclared(t *testing.T) {
	s := waitingState("A", "A", "B", "C", "D")
	steps := []Command{
		{Type: CmdStart, Assignment: assignmentFor(s, "D")},
		{Type: CmdCallMeeting, MeetingType: MeetingReport},
		{Type: CmdResume},
		{Type: CmdSetAlive, Target: "D", Alive: false},
		{Type: CmdNewGame},
	}
	for _, cmd := range steps {
		evs, next, err := Apply(s, cmd)
		require.NoError(t, err, string(cmd.Type))
		for _, ev := range evs {
			if ev.Type == EvtStageChanged {
				assert.True(t, CanTransition(ev.From, ev.To), "%s -> %s", ev.From, ev.To)
			}
		}
		s = next
	}
	assert.Equal(t, StageSetup, s.Session.Stage)
}

func TestRename(t *testing.T) {
	t.Run("renames self in the lobby", func(t *testing.T) {
		s := waitingState("B", "A", "B", "C")
		evs, next, err := Apply(s, Command{Type: CmdRename, Target: " Bea "})
		require.NoError(t, err)
		assert.True(t, ContainsEvent(evs, EvtRosterChanged))
		assert.Equal(t, "Bea", next.Self)
		_, ok := next.Player("Bea")
		assert.True(t, ok)
		_, ok = next.Player("B")
		assert.False(t, ok)
	})

	t.Run("host rename moves the host", func(t *testing.T) {
		next := waitingState("A", "A", "B")
		_, next, err := Apply(next, Command{Type: CmdRename, Target: "Ada"})
		require.NoError(t, err)
		assert.Equal(t, "Ada", next.Session.HostName)
		assert.True(t, next.IsHost())
	})

	t.Run("case only is no change", func(t *testing.T) {
		s := waitingState("B", "A", "B")
		evs, next, err := Apply(s, Command{Type: CmdRename, Target: "b"})
		require.NoError(t, err)
		assert.Empty(t, evs)
		assert.Equal(t, s, next)
	})

	cases := []struct {
		name string
		s    State
		to   string
		want error
	}{
		{"taken", waitingState("B", "A", "B"), "a", ErrNameTaken},
		{"reserved", waitingState("B", "A", "B"), "Skip", ErrNameTaken},
		{"not in the lobby", playingState("B"), "Bea", ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, next, err := Apply(tc.s, Command{Type: CmdRename, Target: tc.to})
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.s, next)
		})
	}

	_, _, err := Apply(waitingState("B", "A", "B"), Command{Type: CmdRename, Target: "  "})
	assert.True(t, IsConfiguration(err))
}
