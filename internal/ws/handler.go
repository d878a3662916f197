// Package ws pushes a session's change feed to remote devices over a
// websocket. Each connection carries one stream: the session header or the
// player roster.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
	"github.com/DoyleJ11/traitors-session/internal/types"
)

const (
	StreamSession = "session"
	StreamPlayers = "players"
)

const (
	queueSize    = 64
	writeTimeout = 3 * time.Second
)

func Handler(feed store.ChangeFeed, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("session")
		if id == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		stream := r.URL.Query().Get("stream")
		if stream == "" {
			stream = StreamSession
		}
		if stream != StreamSession && stream != StreamPlayers {
			http.Error(w, "unknown stream", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		// Clients never send; CloseRead handles their close frames and
		// cancels ctx when the connection goes away.
		ctx := conn.CloseRead(r.Context())

		out := make(chan store.Change, queueSize)
		overflow := make(chan struct{})
		push := func(c store.Change) {
			select {
			case out <- c:
			default:
				select {
				case <-overflow:
				default:
					close(overflow)
				}
			}
		}

		var handle store.Handle
		if stream == StreamSession {
			handle, err = feed.SubscribeSession(ctx, id, func(s engine.Session) {
				push(store.SessionChange(s))
			})
		} else {
			handle, err = feed.SubscribePlayers(ctx, id, store.PlayerHandlers{
				OnInsert: func(p engine.Player) { push(store.PlayerChange(store.ChangePlayerInsert, id, p)) },
				OnUpdate: func(p engine.Player) { push(store.PlayerChange(store.ChangePlayerUpdate, id, p)) },
				OnDelete: func(name string, v int64) { push(store.DeleteChange(id, name, v)) },
			})
		}
		if err != nil {
			log.Warn("feed subscribe failed", zap.String("session", id), zap.Error(err))
			_ = write(ctx, conn, types.ServerMessage{Type: "Error", Code: types.CodeUnavailable, Error: err.Error()})
			conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
			return
		}
		defer feed.Unsubscribe(handle)
		dropped := feed.Done(handle)

		if err := write(ctx, conn, types.ServerMessage{Type: "Subscribed"}); err != nil {
			return
		}
		log.Debug("feed client attached", zap.String("session", id), zap.String("stream", stream))

		for {
			select {
			case <-ctx.Done():
				return
			case <-overflow:
				log.Warn("dropping slow feed client", zap.String("session", id), zap.String("stream", stream))
				conn.Close(websocket.StatusPolicyViolation, "feed client too slow")
				return
			case <-dropped:
				// The store stopped feeding this subscription; the client
				// reconnects and resyncs.
				log.Warn("feed subscription dropped", zap.String("session", id), zap.String("stream", stream))
				conn.Close(websocket.StatusPolicyViolation, "feed subscription dropped")
				return
			case c := <-out:
				if err := write(ctx, conn, types.ServerMessage{Type: "Change", Change: &c}); err != nil {
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
