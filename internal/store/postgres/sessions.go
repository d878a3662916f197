package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

const roomCodeAttempts = 16

var bumpVersion = gorm.Expr("nextval('" + versionSeq + "')")

func (s *Store) Create(ctx context.Context, sess engine.Session, host engine.Player) (string, string, error) {
	if host.Name == "" {
		return "", "", &engine.ConfigurationError{Field: "name", Reason: "a host name is required"}
	}
	if sess.HostName == "" {
		sess.HostName = host.Name
	}
	if sess.Stage == "" {
		sess.Stage = engine.StageWaiting
	}

	for range roomCodeAttempts {
		code, err := engine.GenerateRoomCode()
		if err != nil {
			return "", "", err
		}
		sess.ID = uuid.NewString()
		sess.RoomCode = code

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row := newSessionRow(sess)
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			p := newPlayerRow(sess.ID, host)
			return tx.Create(&p).Error
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return "", "", classify("create", err)
		}
		s.log.Info("session created", zap.String("session", sess.ID), zap.String("room", code))
		return sess.ID, code, nil
	}
	return "", "", errors.New("create: no free room code")
}

func (s *Store) FetchByRoomCode(ctx context.Context, code string) (engine.Session, []engine.Player, error) {
	norm, ok := engine.NormalizeRoomCode(code)
	if !ok {
		return engine.Session{}, nil, fmt.Errorf("room %q: %w", code, store.ErrNotFound)
	}
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("room_code = ?", norm).Take(&row).Error; err != nil {
		return engine.Session{}, nil, classify("fetch_by_room_code", err)
	}
	players, err := s.players(ctx, row.ID)
	if err != nil {
		return engine.Session{}, nil, err
	}
	return row.session(), players, nil
}

func (s *Store) FetchSession(ctx context.Context, id string) (engine.Session, []engine.Player, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return engine.Session{}, nil, err
	}
	players, err := s.players(ctx, id)
	if err != nil {
		return engine.Session{}, nil, err
	}
	return sess, players, nil
}

func (s *Store) session(ctx context.Context, id string) (engine.Session, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return engine.Session{}, classify("fetch_session", err)
	}
	return row.session(), nil
}

func (s *Store) player(ctx context.Context, id, name string) (engine.Player, error) {
	var row playerRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND name_key = ?", id, engine.NameKey(name)).
		Take(&row).Error
	if err != nil {
		return engine.Player{}, classify("fetch_player", err)
	}
	return row.player(), nil
}

func (s *Store) players(ctx context.Context, id string) ([]engine.Player, error) {
	var rows []playerRow
	err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, classify("fetch_players", err)
	}
	out := make([]engine.Player, len(rows))
	for i, r := range rows {
		out[i] = r.player()
	}
	return out, nil
}

func sessionUpdates(p store.SessionPatch) (map[string]any, error) {
	u := map[string]any{"version": bumpVersion}
	if p.HostName != nil {
		u["host_name"] = *p.HostName
	}
	if p.Stage != nil {
		u["stage"] = string(*p.Stage)
	}
	if p.Winner != nil {
		u["winner"] = string(*p.Winner)
	}
	if p.WinReason != nil {
		u["win_reason"] = *p.WinReason
	}
	if p.Settings != nil {
		b, err := json.Marshal(p.Settings)
		if err != nil {
			return nil, err
		}
		u["settings"] = gorm.Expr("?::jsonb", string(b))
	}
	if m := p.Meeting; m != nil {
		u["meeting_id"] = m.ID
		u["meeting_type"] = string(m.Type)
		u["meeting_caller"] = m.Caller
		u["voting_started"] = m.VotingStarted
	}
	return u, nil
}

func playerUpdates(p store.PlayerPatch) (map[string]any, error) {
	u := map[string]any{"version": bumpVersion}
	if p.Role != nil {
		u["role"] = string(*p.Role)
	}
	if p.Alive != nil {
		u["alive"] = *p.Alive
	}
	if p.Tasks != nil {
		b, err := json.Marshal(*p.Tasks)
		if err != nil {
			return nil, err
		}
		u["tasks"] = gorm.Expr("?::jsonb", string(b))
	}
	if p.TasksCompleted != nil {
		u["tasks_completed"] = *p.TasksCompleted
	}
	if p.EmergencyMeetingsUsed != nil {
		u["emergency_meetings_used"] = *p.EmergencyMeetingsUsed
	}
	if p.Ready != nil {
		u["ready"] = *p.Ready
	}
	return u, nil
}

func (s *Store) UpdateSessionFields(ctx context.Context, id string, patch store.SessionPatch) error {
	u, err := sessionUpdates(patch)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", id).Updates(u)
	if res.Error != nil {
		return classify("update_session", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdatePlayerFields(ctx context.Context, id, name string, patch store.PlayerPatch) error {
	return classify("update_player", updatePlayer(s.db.WithContext(ctx), id, name, patch))
}

func updatePlayer(db *gorm.DB, id, name string, patch store.PlayerPatch) error {
	u, err := playerUpdates(patch)
	if err != nil {
		return err
	}
	res := db.Model(&playerRow{}).
		Where("session_id = ? AND name_key = ?", id, engine.NameKey(name)).
		Updates(u)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("player %q: %w", name, store.ErrNotFound)
	}
	return nil
}

func (s *Store) InsertPlayer(ctx context.Context, id string, p engine.Player) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		row := newPlayerRow(id, p)
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		inserted = res.RowsAffected == 1
		return res.Error
	})
	return inserted, classify("insert_player", err)
}

func (s *Store) DeletePlayer(ctx context.Context, id, name string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND name_key = ?", id, engine.NameKey(name)).
		Delete(&playerRow{}).Error
	return classify("delete_player", err)
}

// MergeVote adds one ledger key in place while meetingID is the open
// meeting and voting has started. Otherwise nothing is written and the
// current row says why.
func (s *Store) MergeVote(ctx context.Context, id string, meetingID int, voter, target string) (engine.VoteLedger, error) {
	var raw []byte
	err := s.db.WithContext(ctx).Raw(
		`UPDATE sessions
		    SET votes = COALESCE(votes, '{}'::jsonb) || jsonb_build_object(?::text, ?::text),
		        version = nextval('change_versions'),
		        updated_at = now()
		  WHERE id = ? AND meeting_id = ? AND voting_started AND NOT tallied
		RETURNING votes`, voter, target, id, meetingID).Row().Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		sess, err := s.session(ctx, id)
		switch {
		case err != nil:
			return nil, err
		case sess.Meeting.ID != meetingID:
			return nil, fmt.Errorf("vote for meeting %d, current is %d: %w", meetingID, sess.Meeting.ID, store.ErrStaleMeeting)
		}
		return nil, fmt.Errorf("meeting %d: %w", meetingID, engine.ErrVotingClosed)
	}
	if err != nil {
		return nil, classify("merge_vote", err)
	}
	ledger := engine.VoteLedger{}
	return ledger, json.Unmarshal(raw, &ledger)
}

func (s *Store) MergeMeetingReady(ctx context.Context, id, name string) (map[string]bool, error) {
	var raw []byte
	err := s.db.WithContext(ctx).Raw(
		`UPDATE sessions
		    SET ready = COALESCE(ready, '{}'::jsonb) || jsonb_build_object(?::text, true),
		        version = nextval('change_versions'),
		        updated_at = now()
		  WHERE id = ?
		RETURNING ready`, name, id).Row().Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, classify("merge_ready", err)
	}
	ready := map[string]bool{}
	return ready, json.Unmarshal(raw, &ready)
}

func (s *Store) ClearMeetingState(ctx context.Context, id string, meta engine.MeetingMeta) error {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
		"meeting_id":     meta.ID,
		"meeting_type":   string(meta.Type),
		"meeting_caller": meta.Caller,
		"voting_started": meta.VotingStarted,
		"votes":          gorm.Expr("'{}'::jsonb"),
		"ready":          gorm.Expr("'{}'::jsonb"),
		"tallied":        false,
		"result":         gorm.Expr("NULL"),
		"version":        bumpVersion,
	})
	if res.Error != nil {
		return classify("clear_meeting", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) BatchUpdatePlayers(ctx context.Context, id string, updates []store.PlayerUpdate) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			if err := updatePlayer(tx, id, u.Name, u.Patch); err != nil {
				return err
			}
		}
		return nil
	})
	return classify("batch_update_players", err)
}

// CompleteTally locks the session row so the first result for a meeting is
// the only one ever stored.
func (s *Store) CompleteTally(ctx context.Context, id string, meetingID int, res engine.TallyResult) (engine.TallyResult, error) {
	var stored engine.TallyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		if row.MeetingID != meetingID {
			return fmt.Errorf("tally for meeting %d, current is %d: %w", meetingID, row.MeetingID, store.ErrStaleMeeting)
		}
		if row.Tallied && row.Result != nil {
			stored = *row.Result
			return nil
		}

		if res.Eliminated != "" {
			err := tx.Model(&playerRow{}).
				Where("session_id = ? AND name_key = ? AND alive", id, engine.NameKey(res.Eliminated)).
				Updates(map[string]any{"alive": false, "version": bumpVersion}).Error
			if err != nil {
				return err
			}
		}
		b, err := json.Marshal(res)
		if err != nil {
			return err
		}
		err = tx.Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
			"tallied": true,
			"result":  gorm.Expr("?::jsonb", string(b)),
			"version": bumpVersion,
		}).Error
		stored = res
		return err
	})
	return stored, classify("complete_tally", err)
}

func (s *Store) ResetSession(ctx context.Context, id string, settings engine.Settings) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
			"stage":          string(engine.StageSetup),
			"winner":         "",
			"win_reason":     "",
			"settings":       gorm.Expr("?::jsonb", string(b)),
			"meeting_id":     0,
			"meeting_type":   "",
			"meeting_caller": "",
			"voting_started": false,
			"votes":          gorm.Expr("'{}'::jsonb"),
			"ready":          gorm.Expr("'{}'::jsonb"),
			"tallied":        false,
			"result":         gorm.Expr("NULL"),
			"version":        bumpVersion,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
		}
		// Notifications leave in statement order: the reset before the deletes.
		return tx.Where("session_id = ?", id).Delete(&playerRow{}).Error
	})
	return classify("reset_session", err)
}
