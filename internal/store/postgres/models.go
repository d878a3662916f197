package postgres

import (
	"time"

	"github.com/DoyleJ11/traitors-session/internal/engine"
)

type sessionRow struct {
	ID            string              `gorm:"primaryKey;type:uuid"`
	RoomCode      string              `gorm:"size:4;not null;uniqueIndex"`
	HostName      string              `gorm:"not null"`
	Stage         string              `gorm:"not null"`
	Settings      engine.Settings     `gorm:"type:jsonb;serializer:json;not null"`
	Winner        string              `gorm:"not null;default:''"`
	WinReason     string              `gorm:"not null;default:''"`
	MeetingID     int                 `gorm:"not null;default:0"`
	MeetingType   string              `gorm:"not null;default:''"`
	MeetingCaller string              `gorm:"not null;default:''"`
	VotingStarted bool                `gorm:"not null;default:false"`
	Votes         engine.VoteLedger   `gorm:"type:jsonb;serializer:json;not null"`
	Ready         map[string]bool     `gorm:"type:jsonb;serializer:json;not null"`
	Tallied       bool                `gorm:"not null;default:false"`
	Result        *engine.TallyResult `gorm:"type:jsonb;serializer:json"`
	Version       int64               `gorm:"not null;default:nextval('change_versions')"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type playerRow struct {
	SessionID             string           `gorm:"primaryKey;type:uuid"`
	NameKey               string           `gorm:"primaryKey"`
	Name                  string           `gorm:"not null"`
	Role                  string           `gorm:"not null;default:''"`
	Alive                 bool             `gorm:"not null"`
	Tasks                 []engine.TaskRef `gorm:"type:jsonb;serializer:json;not null"`
	TasksCompleted        int              `gorm:"not null;default:0"`
	EmergencyMeetingsUsed int              `gorm:"not null;default:0"`
	Ready                 bool             `gorm:"not null;default:false"`
	Version               int64            `gorm:"not null;default:nextval('change_versions')"`
	CreatedAt             time.Time        `gorm:"index"`
	UpdatedAt             time.Time
}

func (playerRow) TableName() string { return "players" }

func newSessionRow(s engine.Session) sessionRow {
	votes, ready := s.Meeting.Votes, s.Meeting.Ready
	if votes == nil {
		votes = engine.VoteLedger{}
	}
	if ready == nil {
		ready = map[string]bool{}
	}
	return sessionRow{
		ID:            s.ID,
		RoomCode:      s.RoomCode,
		HostName:      s.HostName,
		Stage:         string(s.Stage),
		Settings:      s.Settings,
		Winner:        string(s.Winner),
		WinReason:     s.WinReason,
		MeetingID:     s.Meeting.ID,
		MeetingType:   string(s.Meeting.Type),
		MeetingCaller: s.Meeting.Caller,
		VotingStarted: s.Meeting.VotingStarted,
		Votes:         votes,
		Ready:         ready,
		Tallied:       s.Meeting.Tallied,
		Result:        s.Meeting.Result,
	}
}

func (r sessionRow) session() engine.Session {
	s := engine.Session{
		ID:        r.ID,
		RoomCode:  r.RoomCode,
		HostName:  r.HostName,
		Stage:     engine.Stage(r.Stage),
		Settings:  r.Settings,
		Winner:    engine.Winner(r.Winner),
		WinReason: r.WinReason,
		Meeting: engine.NewMeeting(engine.MeetingMeta{
			ID:            r.MeetingID,
			Type:          engine.MeetingType(r.MeetingType),
			Caller:        r.MeetingCaller,
			VotingStarted: r.VotingStarted,
		}),
		Version: r.Version,
	}
	for k, v := range r.Votes {
		s.Meeting.Votes[k] = v
	}
	for k, v := range r.Ready {
		s.Meeting.Ready[k] = v
	}
	s.Meeting.Tallied = r.Tallied
	s.Meeting.Result = r.Result
	return s
}

func newPlayerRow(sessionID string, p engine.Player) playerRow {
	tasks := p.Tasks
	if tasks == nil {
		tasks = []engine.TaskRef{}
	}
	return playerRow{
		SessionID:             sessionID,
		NameKey:               engine.NameKey(p.Name),
		Name:                  p.Name,
		Role:                  string(p.Role),
		Alive:                 p.Alive,
		Tasks:                 tasks,
		TasksCompleted:        p.TasksCompleted,
		EmergencyMeetingsUsed: p.EmergencyMeetingsUsed,
		Ready:                 p.Ready,
	}
}

func (r playerRow) player() engine.Player {
	return engine.Player{
		Name:                  r.Name,
		Role:                  engine.Role(r.Role),
		Alive:                 r.Alive,
		Tasks:                 r.Tasks,
		TasksCompleted:        r.TasksCompleted,
		EmergencyMeetingsUsed: r.EmergencyMeetingsUsed,
		Ready:                 r.Ready,
		Version:               r.Version,
	}
}
