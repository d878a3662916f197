package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
	"github.com/DoyleJ11/traitors-session/internal/types"
)

const maxBody = 1 << 20

func CreateSession(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateRequest
		if !decode(w, r, log, &req) {
			return
		}
		id, code, err := st.Create(r.Context(), req.Session, req.Host)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, types.CreateResponse{ID: id, Code: code})
	}
}

func GetSession(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, players, err := st.FetchSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, types.SessionResponse{Session: sess, Players: players})
	}
}

func GetRoom(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, players, err := st.FetchByRoomCode(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, types.SessionResponse{Session: sess, Players: players})
	}
}

func PatchSession(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch store.SessionPatch
		if !decode(w, r, log, &patch) {
			return
		}
		done(w, log, st.UpdateSessionFields(r.Context(), chi.URLParam(r, "id"), patch))
	}
}

func InsertPlayer(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p engine.Player
		if !decode(w, r, log, &p) {
			return
		}
		ok, err := st.InsertPlayer(r.Context(), chi.URLParam(r, "id"), p)
		if err != nil {
			writeError(w, log, err)
			return
		}
		status := http.StatusOK
		if ok {
			status = http.StatusCreated
		}
		writeJSON(w, status, types.InsertResponse{Inserted: ok})
	}
}

func PatchPlayer(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := playerName(w, r, log)
		if !ok {
			return
		}
		var patch store.PlayerPatch
		if !decode(w, r, log, &patch) {
			return
		}
		done(w, log, st.UpdatePlayerFields(r.Context(), chi.URLParam(r, "id"), name, patch))
	}
}

func DeletePlayer(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := playerName(w, r, log)
		if !ok {
			return
		}
		done(w, log, st.DeletePlayer(r.Context(), chi.URLParam(r, "id"), name))
	}
}

func BatchUpdatePlayers(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.BatchRequest
		if !decode(w, r, log, &req) {
			return
		}
		done(w, log, st.BatchUpdatePlayers(r.Context(), chi.URLParam(r, "id"), req.Updates))
	}
}

func MergeVote(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.VoteRequest
		if !decode(w, r, log, &req) {
			return
		}
		if req.Voter == "" || req.Target == "" {
			writeError(w, log, &engine.ConfigurationError{Field: "vote", Reason: "voter and target are required"})
			return
		}
		votes, err := st.MergeVote(r.Context(), chi.URLParam(r, "id"), req.MeetingID, req.Voter, req.Target)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, types.VoteResponse{Votes: votes})
	}
}

func MergeReady(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ReadyRequest
		if !decode(w, r, log, &req) {
			return
		}
		if req.Name == "" {
			writeError(w, log, &engine.ConfigurationError{Field: "name", Reason: "a player name is required"})
			return
		}
		ready, err := st.MergeMeetingReady(r.Context(), chi.URLParam(r, "id"), req.Name)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ReadyResponse{Ready: ready})
	}
}

func ClearMeeting(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var meta engine.MeetingMeta
		if !decode(w, r, log, &meta) {
			return
		}
		done(w, log, st.ClearMeetingState(r.Context(), chi.URLParam(r, "id"), meta))
	}
}

func CompleteTally(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.TallyRequest
		if !decode(w, r, log, &req) {
			return
		}
		res, err := st.CompleteTally(r.Context(), chi.URLParam(r, "id"), req.MeetingID, req.Result)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func ResetSession(st store.SessionStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.ResetRequest
		if !decode(w, r, log, &req) {
			return
		}
		done(w, log, st.ResetSession(r.Context(), chi.URLParam(r, "id"), req.Settings))
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func playerName(w http.ResponseWriter, r *http.Request, log *zap.Logger) (string, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || name == "" {
		writeError(w, log, &engine.ConfigurationError{Field: "name", Reason: "bad player name"})
		return "", false
	}
	return name, true
}

func decode(w http.ResponseWriter, r *http.Request, log *zap.Logger, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, log, &engine.ConfigurationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

func done(w http.ResponseWriter, log *zap.Logger, err error) {
	if err != nil {
		writeError(w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusFor maps a store or engine error onto an HTTP status and the error
// code a remote client turns back into the same error value.
func StatusFor(err error) (int, string) {
	var cfgErr *engine.ConfigurationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, types.CodeNotFound
	case errors.Is(err, store.ErrStaleMeeting):
		return http.StatusConflict, types.CodeStaleMeeting
	case errors.Is(err, engine.ErrVotingClosed):
		return http.StatusConflict, types.CodeVotingClosed
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, types.CodeBadRequest
	case store.IsTransient(err):
		return http.StatusServiceUnavailable, types.CodeUnavailable
	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, types.ServerMessage{Type: "Error", Code: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
