package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/store"
	"github.com/DoyleJ11/traitors-session/internal/ws"
)

func SetupRoutes(b store.Backend, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(b, log))
	r.Get("/rooms/{code}", GetRoom(b, log))

	r.Post("/sessions", CreateSession(b, log))
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", GetSession(b, log))
		r.Patch("/", PatchSession(b, log))

		r.Post("/players", InsertPlayer(b, log))
		r.Post("/players/batch", BatchUpdatePlayers(b, log))
		r.Patch("/players/{name}", PatchPlayer(b, log))
		r.Delete("/players/{name}", DeletePlayer(b, log))

		r.Post("/votes", MergeVote(b, log))
		r.Post("/ready", MergeReady(b, log))
		r.Post("/meeting/clear", ClearMeeting(b, log))
		r.Post("/tally", CompleteTally(b, log))
		r.Post("/reset", ResetSession(b, log))
	})
	return r
}
