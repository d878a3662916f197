package hub

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

var _ store.Backend = (*Hub)(nil)

func (h *Hub) Create(ctx context.Context, sess engine.Session, host engine.Player) (string, string, error) {
	if strings.TrimSpace(host.Name) == "" {
		return "", "", &engine.ConfigurationError{Field: "name", Reason: "a host name is required"}
	}
	var id, code string
	err := h.do(ctx, "create", func() error {
		c, err := h.newCode()
		if err != nil {
			return err
		}
		r := &room{session: engine.CloneSession(sess)}
		r.session.ID = uuid.NewString()
		r.session.RoomCode = c
		if r.session.HostName == "" {
			r.session.HostName = host.Name
		}
		if r.session.Stage == "" {
			r.session.Stage = engine.StageWaiting
		}
		r.session.Meeting = engine.NewMeeting(r.session.Meeting.MeetingMeta)
		r.session.Version = r.next()

		p := engine.ClonePlayer(host)
		p.Version = r.next()
		r.players = []engine.Player{p}

		h.sessions[r.session.ID] = r
		h.codes[c] = r.session.ID
		id, code = r.session.ID, c
		h.log.Info("session created", zap.String("session", id), zap.String("room", code))
		return nil
	})
	return id, code, err
}

func (h *Hub) FetchByRoomCode(ctx context.Context, code string) (engine.Session, []engine.Player, error) {
	norm, ok := engine.NormalizeRoomCode(code)
	if !ok {
		return engine.Session{}, nil, fmt.Errorf("room %q: %w", code, store.ErrNotFound)
	}
	var sess engine.Session
	var players []engine.Player
	err := h.do(ctx, "fetch_by_room_code", func() error {
		id, found := h.codes[norm]
		if !found {
			return fmt.Errorf("room %q: %w", norm, store.ErrNotFound)
		}
		r := h.sessions[id]
		sess, players = engine.CloneSession(r.session), engine.CloneRoster(r.players)
		return nil
	})
	return sess, players, err
}

func (h *Hub) FetchSession(ctx context.Context, id string) (engine.Session, []engine.Player, error) {
	var sess engine.Session
	var players []engine.Player
	err := h.do(ctx, "fetch_session", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		sess, players = engine.CloneSession(r.session), engine.CloneRoster(r.players)
		return nil
	})
	return sess, players, err
}

func (h *Hub) UpdateSessionFields(ctx context.Context, id string, patch store.SessionPatch) error {
	return h.do(ctx, "update_session", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		patch.Apply(&r.session)
		h.touchSession(r)
		return nil
	})
}

func (h *Hub) UpdatePlayerFields(ctx context.Context, id, name string, patch store.PlayerPatch) error {
	return h.do(ctx, "update_player", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		i := r.playerIndex(name)
		if i < 0 {
			return fmt.Errorf("player %q: %w", name, store.ErrNotFound)
		}
		patch.Apply(&r.players[i])
		h.touchPlayer(r, i, store.ChangePlayerUpdate)
		return nil
	})
}

func (h *Hub) InsertPlayer(ctx context.Context, id string, p engine.Player) (bool, error) {
	inserted := false
	err := h.do(ctx, "insert_player", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		if r.playerIndex(p.Name) >= 0 {
			return nil
		}
		r.players = append(r.players, engine.ClonePlayer(p))
		h.touchPlayer(r, len(r.players)-1, store.ChangePlayerInsert)
		inserted = true
		return nil
	})
	return inserted, err
}

func (h *Hub) DeletePlayer(ctx context.Context, id, name string) error {
	return h.do(ctx, "delete_player", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		i := r.playerIndex(name)
		if i < 0 {
			return nil
		}
		removed := r.players[i].Name
		r.players = append(r.players[:i], r.players[i+1:]...)
		h.publish(store.DeleteChange(id, removed, r.next()))
		return nil
	})
}

func (h *Hub) MergeVote(ctx context.Context, id string, meetingID int, voter, target string) (engine.VoteLedger, error) {
	var ledger engine.VoteLedger
	err := h.do(ctx, "merge_vote", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		m := &r.session.Meeting
		if m.ID != meetingID {
			return fmt.Errorf("vote for meeting %d, current is %d: %w", meetingID, m.ID, store.ErrStaleMeeting)
		}
		if !m.VotingStarted || m.Tallied {
			return fmt.Errorf("meeting %d: %w", meetingID, engine.ErrVotingClosed)
		}
		if m.Votes[voter] != target {
			m.Votes[voter] = target
			h.touchSession(r)
		}
		ledger = engine.CloneSession(r.session).Meeting.Votes
		return nil
	})
	return ledger, err
}

func (h *Hub) MergeMeetingReady(ctx context.Context, id, name string) (map[string]bool, error) {
	var ready map[string]bool
	err := h.do(ctx, "merge_ready", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		if m := &r.session.Meeting; !m.Ready[name] {
			m.Ready[name] = true
			h.touchSession(r)
		}
		ready = engine.CloneSession(r.session).Meeting.Ready
		return nil
	})
	return ready, err
}

func (h *Hub) ClearMeetingState(ctx context.Context, id string, meta engine.MeetingMeta) error {
	return h.do(ctx, "clear_meeting", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		r.session.Meeting = engine.NewMeeting(meta)
		h.touchSession(r)
		return nil
	})
}

// BatchUpdatePlayers applies all updates or none.
func (h *Hub) BatchUpdatePlayers(ctx context.Context, id string, updates []store.PlayerUpdate) error {
	return h.do(ctx, "batch_update_players", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		idx := make([]int, len(updates))
		for n, u := range updates {
			if idx[n] = r.playerIndex(u.Name); idx[n] < 0 {
				return fmt.Errorf("player %q: %w", u.Name, store.ErrNotFound)
			}
		}
		for n, u := range updates {
			u.Patch.Apply(&r.players[idx[n]])
			h.touchPlayer(r, idx[n], store.ChangePlayerUpdate)
		}
		return nil
	})
}

func (h *Hub) CompleteTally(ctx context.Context, id string, meetingID int, res engine.TallyResult) (engine.TallyResult, error) {
	var stored engine.TallyResult
	err := h.do(ctx, "complete_tally", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		m := &r.session.Meeting
		if m.ID != meetingID {
			return fmt.Errorf("tally for meeting %d, current is %d: %w", meetingID, m.ID, store.ErrStaleMeeting)
		}
		if m.Tallied && m.Result != nil {
			stored = *engine.CloneSession(r.session).Meeting.Result
			return nil
		}

		if res.Eliminated != "" {
			if i := r.playerIndex(res.Eliminated); i >= 0 && r.players[i].Alive {
				r.players[i].Alive = false
				h.touchPlayer(r, i, store.ChangePlayerUpdate)
			}
		}
		counts := make(map[string]int, len(res.VoteCounts))
		for k, v := range res.VoteCounts {
			counts[k] = v
		}
		res.VoteCounts = counts
		m.Tallied = true
		m.Result = &res
		h.touchSession(r)
		stored = *engine.CloneSession(r.session).Meeting.Result
		return nil
	})
	return stored, err
}

func (h *Hub) ResetSession(ctx context.Context, id string, settings engine.Settings) error {
	return h.do(ctx, "reset_session", func() error {
		r, err := h.room(id)
		if err != nil {
			return err
		}
		// The reset goes out ahead of the deletes so guests read their
		// removal as a return to the menu.
		r.session = engine.ResetSession(r.session, settings)
		r.session.Meeting = engine.NewMeeting(engine.MeetingMeta{})
		h.touchSession(r)
		for _, p := range r.players {
			h.publish(store.DeleteChange(id, p.Name, r.next()))
		}
		r.players = nil
		return nil
	})
}
