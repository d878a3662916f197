package engine

import (
	"strings"

	"golang.org/x/text/cases"
)

type Stage string

const (
	StageSetup   Stage = "setup"
	StageWaiting Stage = "waiting"
	StagePlaying Stage = "playing"
	StageMeeting Stage = "meeting"
	StageEnded   Stage = "ended"
)

type Role string

const (
	RoleUnassigned Role = ""
	RoleAlly       Role = "ally"
	RoleTraitor    Role = "traitor"
)

type Winner string

const (
	WinnerNone     Winner = ""
	WinnerAllies   Winner = "allies"
	WinnerTraitors Winner = "traitors"
)

type MeetingType string

const (
	MeetingEmergency MeetingType = "emergency"
	MeetingReport    MeetingType = "report"
)

// SkipVote is the ledger target for an abstaining voter.
const SkipVote = "skip"

type TaskRef struct {
	Room string `json:"room"`
	Name string `json:"task"`
}

type Settings struct {
	MinPlayers             int     `json:"min_players"`
	MaxPlayers             int     `json:"max_players"`
	TraitorCount           int     `json:"traitor_count"`
	TasksPerPlayer         int     `json:"tasks_per_player"`
	MeetingLimit           int     `json:"meeting_limit"`
	MeetingTimerSec        int     `json:"meeting_timer_sec"`
	MeetingRoom            string  `json:"meeting_room"`
	EliminationCooldownSec int     `json:"elimination_cooldown_sec"`
	CooldownReductionSec   int     `json:"cooldown_reduction_sec"`
	AdditionalRules        string  `json:"additional_rules,omitempty"`
	Catalog                Catalog `json:"catalog"`
}

// VoteLedger maps voter name to target name or SkipVote.
type VoteLedger map[string]string

type TallyResult struct {
	MeetingID  int            `json:"meeting_id"`
	VoteCounts map[string]int `json:"vote_counts"`
	Eliminated string         `json:"eliminated,omitempty"`
	IsTie      bool           `json:"is_tie"`
}

// MeetingMeta is the single-writer part of a meeting: whoever opens or
// advances the meeting writes it whole.
type MeetingMeta struct {
	ID            int         `json:"id"`
	Type          MeetingType `json:"type,omitempty"`
	Caller        string      `json:"caller,omitempty"`
	VotingStarted bool        `json:"voting_started"`
}

type MeetingState struct {
	MeetingMeta
	Votes   VoteLedger      `json:"votes"`
	Ready   map[string]bool `json:"ready"`
	Tallied bool            `json:"tallied"`
	Result  *TallyResult    `json:"result,omitempty"`
}

type Session struct {
	ID        string       `json:"id"`
	RoomCode  string       `json:"room_code"`
	HostName  string       `json:"host_name"`
	Stage     Stage        `json:"stage"`
	Settings  Settings     `json:"settings"`
	Winner    Winner       `json:"winner,omitempty"`
	WinReason string       `json:"win_reason,omitempty"`
	Meeting   MeetingState `json:"meeting"`
	Version   int64        `json:"version"`
}

type Player struct {
	Name                  string    `json:"name"`
	Role                  Role      `json:"role"`
	Alive                 bool      `json:"alive"`
	Tasks                 []TaskRef `json:"tasks"`
	TasksCompleted        int       `json:"tasks_completed"`
	EmergencyMeetingsUsed int       `json:"emergency_meetings_used"`
	Ready                 bool      `json:"ready"`
	Version               int64     `json:"version"`
}

// State is one device's projection of a session.
type State struct {
	Session Session
	Roster  []Player
	Self    string
	// Deferred holds players removed during a meeting. They stay in Roster
	// until the meeting ends so the vote denominators do not move.
	Deferred []string
	// Deleted maps the NameKey of each removed player to the version of its
	// removal, so a redelivered record older than the removal stays out.
	Deleted map[string]int64
}

// NameKey is the comparison key for player names: trimmed and case folded.
// A Caser is stateful, so each call gets its own.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

func SameName(a, b string) bool {
	return NameKey(a) == NameKey(b)
}

func (s State) IsHost() bool {
	return s.Self != "" && s.Session.HostName != "" && SameName(s.Self, s.Session.HostName)
}

func (s State) Player(name string) (Player, bool) {
	if i := s.playerIndex(name); i >= 0 {
		return s.Roster[i], true
	}
	return Player{}, false
}

func (s State) playerIndex(name string) int {
	key := NameKey(name)
	for i, p := range s.Roster {
		if NameKey(p.Name) == key {
			return i
		}
	}
	return -1
}

func (s State) Me() (Player, bool) {
	if s.Self == "" {
		return Player{}, false
	}
	return s.Player(s.Self)
}

func CountAlive(roster []Player) int {
	n := 0
	for _, p := range roster {
		if p.Alive {
			n++
		}
	}
	return n
}

// VotesSubmitted counts ledger entries that belong to currently alive players.
func VotesSubmitted(ledger VoteLedger, roster []Player) int {
	alive := make(map[string]bool, len(roster))
	for _, p := range roster {
		if p.Alive {
			alive[NameKey(p.Name)] = true
		}
	}
	n := 0
	for voter := range ledger {
		if alive[NameKey(voter)] {
			n++
		}
	}
	return n
}

// ReadyCount counts readiness entries that belong to currently alive players.
func ReadyCount(ready map[string]bool, roster []Player) int {
	n := 0
	for _, p := range roster {
		if !p.Alive {
			continue
		}
		for name, ok := range ready {
			if ok && SameName(name, p.Name) {
				n++
				break
			}
		}
	}
	return n
}
