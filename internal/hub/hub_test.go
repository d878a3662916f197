package hub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHub(ctx, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func createRoom(t *testing.T, h *Hub, host string, guests ...string) string {
	t.Helper()
	ctx := context.Background()
	id, _, err := h.Create(ctx, engine.Session{Settings: engine.DefaultSettings()}, engine.NewPlayer(host))
	require.NoError(t, err)
	for _, g := range guests {
		ok, err := h.InsertPlayer(ctx, id, engine.NewPlayer(g))
		require.NoError(t, err)
		require.True(t, ok)
	}
	return id
}

func recvChange[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for change")
		var zero T
		return zero
	}
}

func TestHub_CreateAndFetchByRoomCode(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	id, code, err := h.Create(ctx, engine.Session{Settings: engine.DefaultSettings()}, engine.NewPlayer("Host"))
	require.NoError(t, err)
	_, ok := engine.NormalizeRoomCode(code)
	require.True(t, ok, "code %q", code)

	sess, players, err := h.FetchByRoomCode(ctx, " "+code+" ")
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "Host", sess.HostName)
	assert.Equal(t, engine.StageWaiting, sess.Stage)
	require.Len(t, players, 1)
	assert.Positive(t, sess.Version)

	_, _, err = h.FetchByRoomCode(ctx, "ZZZZ")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHub_InsertPlayerIsIdempotentByName(t *testing.T) {
	h := newTestHub(t)
	id := createRoom(t, h, "Host", "Ann")

	ok, err := h.InsertPlayer(context.Background(), id, engine.NewPlayer("ANN"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, players, err := h.FetchSession(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, players, 2)
}

func TestHub_ConcurrentVotesAreAllKept(t *testing.T) {
	h := newTestHub(t)
	id := createRoom(t, h, "Host")
	ctx := context.Background()
	require.NoError(t, h.ClearMeetingState(ctx, id, engine.MeetingMeta{ID: 1, VotingStarted: true}))

	const voters = 40
	g, gctx := errgroup.WithContext(ctx)
	for i := range voters {
		g.Go(func() error {
			_, err := h.MergeVote(gctx, id, 1, fmt.Sprintf("v%02d", i), engine.SkipVote)
			if err != nil {
				return err
			}
			_, err = h.MergeMeetingReady(gctx, id, fmt.Sprintf("v%02d", i))
			return err
		})
	}
	require.NoError(t, g.Wait())

	sess, _, err := h.FetchSession(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sess.Meeting.Votes, voters)
	assert.Len(t, sess.Meeting.Ready, voters)
}

func TestHub_CompleteTallyOnce(t *testing.T) {
	h := newTestHub(t)
	id := createRoom(t, h, "Host", "Ann", "Bo")
	ctx := context.Background()
	require.NoError(t, h.ClearMeetingState(ctx, id, engine.MeetingMeta{ID: 3, VotingStarted: true}))

	first, err := h.CompleteTally(ctx, id, 3, engine.TallyResult{MeetingID: 3, Eliminated: "Ann", VoteCounts: map[string]int{"Ann": 2}})
	require.NoError(t, err)
	assert.Equal(t, "Ann", first.Eliminated)

	second, err := h.CompleteTally(ctx, id, 3, engine.TallyResult{MeetingID: 3, Eliminated: "Bo"})
	require.NoError(t, err)
	assert.Equal(t, "Ann", second.Eliminated, "the first result stands")

	_, players, err := h.FetchSession(ctx, id)
	require.NoError(t, err)
	alive := map[string]bool{}
	for _, p := range players {
		alive[p.Name] = p.Alive
	}
	assert.False(t, alive["Ann"])
	assert.True(t, alive["Bo"])

	_, err = h.CompleteTally(ctx, id, 2, engine.TallyResult{MeetingID: 2})
	assert.ErrorIs(t, err, store.ErrStaleMeeting)

	_, err = h.MergeVote(ctx, id, 3, "Bo", "Host")
	require.ErrorIs(t, err, engine.ErrVotingClosed)
	sess, _, err := h.FetchSession(ctx, id)
	require.NoError(t, err)
	assert.NotContains(t, sess.Meeting.Votes, "Bo", "no votes after the tally")
}

func TestHub_BatchUpdateIsAllOrNothing(t *testing.T) {
	h := newTestHub(t)
	id := createRoom(t, h, "Host", "Ann")
	ctx := context.Background()

	traitor := engine.RoleTraitor
	err := h.BatchUpdatePlayers(ctx, id, []store.PlayerUpdate{
		{Name: "Ann", Patch: store.PlayerPatch{Role: &traitor}},
		{Name: "Ghost", Patch: store.PlayerPatch{Role: &traitor}},
	})
	require.True(t, errors.Is(err, store.ErrNotFound))

	_, players, err := h.FetchSession(ctx, id)
	require.NoError(t, err)
	for _, p := range players {
		assert.Equal(t, engine.RoleUnassigned, p.Role)
	}
}

func TestHub_FeedDeliversChanges(t *testing.T) {
	h := newTestHub(t)
	id := createRoom(t, h, "Host")
	ctx := context.Background()

	sessions := make(chan engine.Session, 8)
	inserts := make(chan engine.Player, 8)
	deletes := make(chan string, 8)
	var deletedAt int64
	sh, err := h.SubscribeSession(ctx, id, func(s engine.Session) { sessions <- s })
	require.NoError(t, err)
	_, err = h.SubscribePlayers(ctx, id, store.PlayerHandlers{
		OnInsert: func(p engine.Player) { inserts <- p },
		OnDelete: func(name string, version int64) {
			deletedAt = version
			deletes <- name
		},
	})
	require.NoError(t, err)

	_, err = h.InsertPlayer(ctx, id, engine.NewPlayer("Ann"))
	require.NoError(t, err)
	ann := recvChange(t, inserts, time.Second)
	assert.Equal(t, "Ann", ann.Name)

	stage := engine.StagePlaying
	require.NoError(t, h.UpdateSessionFields(ctx, id, store.SessionPatch{Stage: &stage}))
	got := recvChange(t, sessions, time.Second)
	assert.Equal(t, engine.StagePlaying, got.Stage)

	require.NoError(t, h.DeletePlayer(ctx, id, "ann"))
	assert.Equal(t, "Ann", recvChange(t, deletes, time.Second))
	assert.Greater(t, deletedAt, ann.Version, "a delete outranks the record it removes")

	_, err = h.InsertPlayer(ctx, id, engine.NewPlayer("Ann"))
	require.NoError(t, err)
	assert.Greater(t, recvChange(t, inserts, time.Second).Version, deletedAt, "a rejoin outranks the delete")

	h.Unsubscribe(sh)
	require.NoError(t, h.UpdateSessionFields(ctx, id, store.SessionPatch{Stage: &stage}))
	select {
	case s := <-sessions:
		t.Fatalf("unsubscribed handler still called: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DropSlowSubscriber(t *testing.T) {
	h := newTestHub(t, WithFeedBuffer(1))
	id := createRoom(t, h, "Host")
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)
	handle, err := h.SubscribeSession(ctx, id, func(engine.Session) { <-block })
	require.NoError(t, err)
	done := h.Done(handle)
	select {
	case <-done:
		t.Fatal("live subscription reported done")
	default:
	}

	stage := engine.StagePlaying
	for range 4 {
		require.NoError(t, h.UpdateSessionFields(ctx, id, store.SessionPatch{Stage: &stage}))
	}

	reply := make(chan Stats, 1)
	h.Inbox() <- GetStats{Reply: reply}
	stats := recvChange(t, reply, time.Second)
	assert.Equal(t, 0, stats.Subscribers)
	assert.Equal(t, 1, stats.Sessions)
	recvChange(t, done, time.Second)
	recvChange(t, h.Done("unknown"), time.Second)
}

func TestHub_VotesOnlyWhileVotingIsOpen(t *testing.T) {
	h := newTestHub(t)
	id := createRoom(t, h, "Host", "Ann", "Bo")
	ctx := context.Background()

	require.NoError(t, h.ClearMeetingState(ctx, id, engine.MeetingMeta{ID: 2, Type: engine.MeetingReport, Caller: "Ann"}))
	_, err := h.MergeVote(ctx, id, 2, "Bo", "Ann")
	require.ErrorIs(t, err, engine.ErrVotingClosed)

	_, err = h.MergeVote(ctx, id, 1, "Bo", "Ann")
	require.ErrorIs(t, err, store.ErrStaleMeeting, "a retry from the previous meeting")

	meta := engine.MeetingMeta{ID: 2, Type: engine.MeetingReport, Caller: "Ann", VotingStarted: true}
	require.NoError(t, h.UpdateSessionFields(ctx, id, store.SessionPatch{Meeting: &meta}))
	sess, _, err := h.FetchSession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, sess.Meeting.Votes, "the ledger opens empty")

	ledger, err := h.MergeVote(ctx, id, 2, "Bo", "Ann")
	require.NoError(t, err)
	assert.Equal(t, engine.VoteLedger{"Bo": "Ann"}, ledger)
}

func TestHub_ResetSessionDropsRoster(t *testing.T) {
	h := newTestHub(t)
	id := createRoom(t, h, "Host", "Ann")
	ctx := context.Background()

	settings := engine.DefaultSettings()
	settings.TasksPerPlayer = 6
	require.NoError(t, h.ResetSession(ctx, id, settings))

	sess, players, err := h.FetchSession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, players)
	assert.Equal(t, engine.StageSetup, sess.Stage)
	assert.Equal(t, 6, sess.Settings.TasksPerPlayer)
}

func TestHub_ClosedHubRejectsCalls(t *testing.T) {
	h := newTestHub(t)
	h.Close()
	_, _, err := h.FetchSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrClosed)
}
