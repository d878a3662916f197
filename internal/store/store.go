// Package store defines the contract between a device's sync engine and the
// authoritative session record: plain field writes, atomic merge procedures
// for the shared meeting aggregates, and an at-least-once change feed.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/DoyleJ11/traitors-session/internal/engine"
)

var ErrNotFound = errors.New("session or player not found")

// ErrStaleMeeting is returned when a tally names a meeting that is no longer
// the current one.
var ErrStaleMeeting = errors.New("meeting is no longer current")

// TransientStoreError wraps a failure that may succeed on retry, such as a
// dropped connection or a timeout.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var target *TransientStoreError
	return errors.As(err, &target)
}

// SessionPatch lists the single-writer session fields. Nil fields are left
// alone. The room code is not patchable.
type SessionPatch struct {
	HostName  *string             `json:"host_name,omitempty"`
	Stage     *engine.Stage       `json:"stage,omitempty"`
	Winner    *engine.Winner      `json:"winner,omitempty"`
	WinReason *string             `json:"win_reason,omitempty"`
	Settings  *engine.Settings    `json:"settings,omitempty"`
	Meeting   *engine.MeetingMeta `json:"meeting,omitempty"`
}

func (p SessionPatch) Apply(s *engine.Session) {
	if p.HostName != nil {
		s.HostName = *p.HostName
	}
	if p.Stage != nil {
		s.Stage = *p.Stage
	}
	if p.Winner != nil {
		s.Winner = *p.Winner
	}
	if p.WinReason != nil {
		s.WinReason = *p.WinReason
	}
	if p.Settings != nil {
		s.Settings = p.Settings.Clone()
	}
	if p.Meeting != nil {
		s.Meeting.MeetingMeta = *p.Meeting
	}
}

type PlayerPatch struct {
	Role                  *engine.Role      `json:"role,omitempty"`
	Alive                 *bool             `json:"alive,omitempty"`
	Tasks                 *[]engine.TaskRef `json:"tasks,omitempty"`
	TasksCompleted        *int              `json:"tasks_completed,omitempty"`
	EmergencyMeetingsUsed *int              `json:"emergency_meetings_used,omitempty"`
	Ready                 *bool             `json:"ready,omitempty"`
}

func (p PlayerPatch) Apply(pl *engine.Player) {
	if p.Role != nil {
		pl.Role = *p.Role
	}
	if p.Alive != nil {
		pl.Alive = *p.Alive
	}
	if p.Tasks != nil {
		pl.Tasks = append([]engine.TaskRef(nil), (*p.Tasks)...)
	}
	if p.TasksCompleted != nil {
		pl.TasksCompleted = *p.TasksCompleted
	}
	if p.EmergencyMeetingsUsed != nil {
		pl.EmergencyMeetingsUsed = *p.EmergencyMeetingsUsed
	}
	if p.Ready != nil {
		pl.Ready = *p.Ready
	}
}

type PlayerUpdate struct {
	Name  string      `json:"name"`
	Patch PlayerPatch `json:"patch"`
}

type SessionStore interface {
	// Create stores a new session with host as its first player and returns
	// the assigned id and room code.
	Create(ctx context.Context, sess engine.Session, host engine.Player) (id, code string, err error)
	FetchByRoomCode(ctx context.Context, code string) (engine.Session, []engine.Player, error)
	FetchSession(ctx context.Context, id string) (engine.Session, []engine.Player, error)

	UpdateSessionFields(ctx context.Context, id string, patch SessionPatch) error
	UpdatePlayerFields(ctx context.Context, id, name string, patch PlayerPatch) error
	// InsertPlayer reports false without error when the name is already taken
	// case-insensitively.
	InsertPlayer(ctx context.Context, id string, p engine.Player) (inserted bool, err error)
	DeletePlayer(ctx context.Context, id, name string) error

	// MergeVote sets exactly one ledger entry of meeting meetingID and
	// returns the whole ledger. It fails with engine.ErrVotingClosed unless
	// voting has started and the meeting is not yet tallied, and with
	// ErrStaleMeeting when another meeting is current.
	MergeVote(ctx context.Context, id string, meetingID int, voter, target string) (engine.VoteLedger, error)
	// MergeMeetingReady marks exactly one player ready and returns the map.
	MergeMeetingReady(ctx context.Context, id, name string) (map[string]bool, error)
	// ClearMeetingState starts a fresh meeting: ledger, readiness and result
	// are dropped and meta replaces the meeting header.
	ClearMeetingState(ctx context.Context, id string, meta engine.MeetingMeta) error
	BatchUpdatePlayers(ctx context.Context, id string, updates []PlayerUpdate) error
	// CompleteTally records res for meetingID once and marks the eliminated
	// player dead in the same step. Later calls for the same meeting return
	// the stored result.
	CompleteTally(ctx context.Context, id string, meetingID int, res engine.TallyResult) (engine.TallyResult, error)
	// ResetSession returns the session to setup, drops every player and
	// replaces the settings.
	ResetSession(ctx context.Context, id string, settings engine.Settings) error
}

type Handle string

type PlayerHandlers struct {
	OnInsert func(engine.Player)
	OnUpdate func(engine.Player)
	// OnDelete receives the version the store stamped on the removal. It is
	// above every version the removed record ever carried and below any
	// later insert under the same name.
	OnDelete func(name string, version int64)
}

// ChangeFeed delivers at least once. Session and player subscriptions are
// not ordered relative to each other.
type ChangeFeed interface {
	SubscribeSession(ctx context.Context, id string, fn func(engine.Session)) (Handle, error)
	SubscribePlayers(ctx context.Context, id string, h PlayerHandlers) (Handle, error)
	Unsubscribe(h Handle)
	// Done is closed once the subscription stops delivering, whether it was
	// unsubscribed or dropped by the feed for falling behind. Unknown
	// handles return a closed channel.
	Done(h Handle) <-chan struct{}
}

// Backend is a store that also publishes its own changes.
type Backend interface {
	SessionStore
	ChangeFeed
}
