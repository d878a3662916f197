package store

import "github.com/DoyleJ11/traitors-session/internal/engine"

type ChangeKind string

const (
	ChangeSession      ChangeKind = "session"
	ChangePlayerInsert ChangeKind = "player_insert"
	ChangePlayerUpdate ChangeKind = "player_update"
	ChangePlayerDelete ChangeKind = "player_delete"
)

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// ClosedDone is the Done channel for an unknown or finished subscription.
func ClosedDone() <-chan struct{} { return closed }

// Change is one feed notification in transport form.
type Change struct {
	Kind      ChangeKind      `json:"kind"`
	SessionID string          `json:"session_id"`
	Session   *engine.Session `json:"session,omitempty"`
	Player    *engine.Player  `json:"player,omitempty"`
	Name      string          `json:"name,omitempty"`
	// Version is set on deletes, which carry no record.
	Version   int64           `json:"version,omitempty"`
}

func SessionChange(s engine.Session) Change {
	return Change{Kind: ChangeSession, SessionID: s.ID, Session: &s}
}

func PlayerChange(kind ChangeKind, sessionID string, p engine.Player) Change {
	return Change{Kind: kind, SessionID: sessionID, Player: &p, Name: p.Name}
}

func DeleteChange(sessionID, name string, version int64) Change {
	return Change{Kind: ChangePlayerDelete, SessionID: sessionID, Name: name, Version: version}
}

// Dispatch routes c to the matching callback. Callbacks may be nil.
func (c Change) Dispatch(onSession func(engine.Session), h PlayerHandlers) {
	switch c.Kind {
	case ChangeSession:
		if onSession != nil && c.Session != nil {
			onSession(*c.Session)
		}
	case ChangePlayerInsert:
		if h.OnInsert != nil && c.Player != nil {
			h.OnInsert(*c.Player)
		}
	case ChangePlayerUpdate:
		if h.OnUpdate != nil && c.Player != nil {
			h.OnUpdate(*c.Player)
		}
	case ChangePlayerDelete:
		if h.OnDelete != nil {
			h.OnDelete(c.Name, c.Version)
		}
	}
}
