package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), " ", nil)
	require.Error(t, err)
}

func TestCreateFetchRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, code, err := s.Create(ctx, engine.Session{Settings: engine.DefaultSettings()}, engine.NewPlayer("Host"))
	require.NoError(t, err)

	sess, players, err := s.FetchByRoomCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, engine.StageWaiting, sess.Stage)
	assert.Equal(t, engine.DefaultSettings().TasksPerPlayer, sess.Settings.TasksPerPlayer)
	require.Len(t, players, 1)
	assert.True(t, players[0].Alive)

	ok, err := s.InsertPlayer(ctx, id, engine.NewPlayer("HOST"))
	require.NoError(t, err)
	assert.False(t, ok, "names are unique case-insensitively")

	_, _, err = s.FetchSession(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentVotesMerge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _, err := s.Create(ctx, engine.Session{Settings: engine.DefaultSettings()}, engine.NewPlayer("Host"))
	require.NoError(t, err)
	require.NoError(t, s.ClearMeetingState(ctx, id, engine.MeetingMeta{ID: 1, VotingStarted: true}))

	const voters = 20
	g, gctx := errgroup.WithContext(ctx)
	for i := range voters {
		g.Go(func() error {
			_, err := s.MergeVote(gctx, id, 1, fmt.Sprintf("v%02d", i), engine.SkipVote)
			return err
		})
	}
	require.NoError(t, g.Wait())

	sess, _, err := s.FetchSession(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sess.Meeting.Votes, voters)
}

func TestCompleteTallyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _, err := s.Create(ctx, engine.Session{Settings: engine.DefaultSettings()}, engine.NewPlayer("Host"))
	require.NoError(t, err)
	_, err = s.InsertPlayer(ctx, id, engine.NewPlayer("Ann"))
	require.NoError(t, err)
	require.NoError(t, s.ClearMeetingState(ctx, id, engine.MeetingMeta{ID: 2, VotingStarted: true}))

	first, err := s.CompleteTally(ctx, id, 2, engine.TallyResult{MeetingID: 2, Eliminated: "Ann"})
	require.NoError(t, err)
	second, err := s.CompleteTally(ctx, id, 2, engine.TallyResult{MeetingID: 2, Eliminated: "Host"})
	require.NoError(t, err)
	assert.Equal(t, first.Eliminated, second.Eliminated)

	_, players, err := s.FetchSession(ctx, id)
	require.NoError(t, err)
	for _, p := range players {
		assert.Equal(t, p.Name != "Ann", p.Alive, p.Name)
	}

	_, err = s.CompleteTally(ctx, id, 1, engine.TallyResult{MeetingID: 1})
	assert.ErrorIs(t, err, store.ErrStaleMeeting)
}

func TestFeedNotifiesSubscribers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _, err := s.Create(ctx, engine.Session{Settings: engine.DefaultSettings()}, engine.NewPlayer("Host"))
	require.NoError(t, err)

	sessions := make(chan engine.Session, 16)
	deletes := make(chan store.Change, 16)
	_, err = s.SubscribeSession(ctx, id, func(sess engine.Session) { sessions <- sess })
	require.NoError(t, err)
	_, err = s.SubscribePlayers(ctx, id, store.PlayerHandlers{OnDelete: func(name string, version int64) {
		deletes <- store.DeleteChange(id, name, version)
	}})
	require.NoError(t, err)

	// LISTEN is set up asynchronously; keep writing until a change arrives.
	stage := engine.StagePlaying
	deadline := time.After(5 * time.Second)
wait:
	for {
		require.NoError(t, s.UpdateSessionFields(ctx, id, store.SessionPatch{Stage: &stage}))
		select {
		case got := <-sessions:
			assert.Equal(t, engine.StagePlaying, got.Stage)
			break wait
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("no session notification")
		}
	}

	_, err = s.InsertPlayer(ctx, id, engine.NewPlayer("Ann"))
	require.NoError(t, err)
	_, players, err := s.FetchSession(ctx, id)
	require.NoError(t, err)
	var ann engine.Player
	for _, p := range players {
		if p.Name == "Ann" {
			ann = p
		}
	}
	require.NoError(t, s.DeletePlayer(ctx, id, "ann"))
	select {
	case c := <-deletes:
		assert.Equal(t, "Ann", c.Name)
		assert.Greater(t, c.Version, ann.Version, "a delete outranks the record it removes")
	case <-time.After(5 * time.Second):
		t.Fatal("no delete notification")
	}
}

func TestVotesOnlyWhileVotingIsOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _, err := s.Create(ctx, engine.Session{Settings: engine.DefaultSettings()}, engine.NewPlayer("Host"))
	require.NoError(t, err)
	require.NoError(t, s.ClearMeetingState(ctx, id, engine.MeetingMeta{ID: 4, Type: engine.MeetingEmergency, Caller: "Host"}))

	_, err = s.MergeVote(ctx, id, 4, "Host", engine.SkipVote)
	require.ErrorIs(t, err, engine.ErrVotingClosed)
	_, err = s.MergeVote(ctx, id, 3, "Host", engine.SkipVote)
	require.ErrorIs(t, err, store.ErrStaleMeeting)

	meta := engine.MeetingMeta{ID: 4, Type: engine.MeetingEmergency, Caller: "Host", VotingStarted: true}
	require.NoError(t, s.UpdateSessionFields(ctx, id, store.SessionPatch{Meeting: &meta}))
	ledger, err := s.MergeVote(ctx, id, 4, "Host", engine.SkipVote)
	require.NoError(t, err)
	assert.Equal(t, engine.VoteLedger{"Host": engine.SkipVote}, ledger)
}
