// Package syncer keeps one device's projection of a shared session in step
// with the store. Commands are validated against the local state, written to
// the store and then observed back through the change feed; the feed is the
// only thing that moves the local state once a session is joined.
package syncer

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

var ErrClosed = errors.New("sync engine closed")

const storeTimeout = 10 * time.Second

type Config struct {
	Store  store.SessionStore
	Feed   store.ChangeFeed
	Logger *zap.Logger
	// Rand deals roles when this device hosts. It is only used on the
	// engine's own goroutine.
	Rand *rand.Rand
	// Outbox receives notices for the presentation layer. Sends never block;
	// a full outbox drops the notice.
	Outbox chan<- Notice

	KickGrace    time.Duration
	KickInterval time.Duration
	VoteAttempts int
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if c.KickGrace <= 0 {
		c.KickGrace = 3 * time.Second
	}
	if c.KickInterval <= 0 {
		c.KickInterval = 2 * time.Second
	}
	if c.VoteAttempts <= 0 {
		c.VoteAttempts = 5
	}
}

type msg interface{ isSyncMsg() }

type remoteMsg struct{ change store.Change }

func (remoteMsg) isSyncMsg() {}

type getState struct{ reply chan engine.State }

func (getState) isSyncMsg() {}

type prepareMsg struct {
	cmd   engine.Command
	reply chan prepared
}

func (prepareMsg) isSyncMsg() {}

type prepared struct {
	before engine.State
	after  engine.State
	cmd    engine.Command
	noop   bool
	err    error
}

// beginMsg reserves the engine for a create or join of session pending.
type beginMsg struct {
	cmd     engine.Command
	pending string
	reply   chan error
}

func (beginMsg) isSyncMsg() {}

// finishMsg completes a create or join with the store's copy of the room.
type finishMsg struct {
	cmd     engine.Command
	handles []store.Handle
	reply   chan error
}

func (finishMsg) isSyncMsg() {}

// localMsg applies a command that never reaches the store.
type localMsg struct {
	cmd   engine.Command
	reply chan error
}

func (localMsg) isSyncMsg() {}

type absentMsg struct {
	sessionID string
	self      string
}

func (absentMsg) isSyncMsg() {}

// execMsg runs fn on the engine goroutine.
type execMsg struct{ fn func() }

func (execMsg) isSyncMsg() {}

type Engine struct {
	cfg   Config
	log   *zap.Logger
	inbox chan msg

	// Owned by loop.
	state    engine.State
	pending  string
	backlog  []store.Change
	handles  []store.Handle
	exiting  bool
	halted   error
	tallying int
	ending   bool
	stopKick context.CancelFunc
	invite   *invitation

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(parent context.Context, cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Feed == nil {
		return nil, errors.New("syncer: store and feed are required")
	}
	cfg.defaults()
	ctx, cancel := context.WithCancel(parent)
	e := &Engine{
		cfg:    cfg,
		log:    cfg.Logger,
		inbox:  make(chan msg, 64),
		state:  engine.NewEmptyState(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.loop()
	return e, nil
}

// Close stops the engine and drops its subscriptions.
func (e *Engine) Close() {
	e.cancel()
	<-e.done
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			e.teardown()
			e.dropInvitation()
			return

		case m := <-e.inbox:
			switch msg := m.(type) {
			case remoteMsg:
				e.onRemote(msg.change)
			case getState:
				msg.reply <- e.state.Clone()
			case prepareMsg:
				msg.reply <- e.prepare(msg.cmd)
			case beginMsg:
				msg.reply <- e.begin(msg.cmd, msg.pending)
			case finishMsg:
				msg.reply <- e.finish(msg.cmd, msg.handles)
			case localMsg:
				msg.reply <- e.applyLocal(msg.cmd)
			case absentMsg:
				if e.state.Session.ID == msg.sessionID && engine.SameName(e.state.Self, msg.self) {
					e.onSelfRemoved()
				}
			case watchedMsg:
				e.onWatched(msg.session)
			case execMsg:
				msg.fn()
			}
		}
	}
}

func (e *Engine) send(ctx context.Context, m msg) error {
	select {
	case e.inbox <- m:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func request[T any](ctx context.Context, e *Engine, build func(chan T) msg) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := e.send(ctx, build(reply)); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-e.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// State returns a copy of the local projection.
func (e *Engine) State(ctx context.Context) (engine.State, error) {
	return request(ctx, e, func(r chan engine.State) msg { return getState{reply: r} })
}

// ApplyRemote folds one feed notification into the local state. Changes for
// other sessions are ignored.
func (e *Engine) ApplyRemote(c store.Change) {
	_ = e.send(context.Background(), remoteMsg{change: c})
}

func (e *Engine) onRemote(c store.Change) {
	if e.pending != "" && c.SessionID == e.pending {
		e.backlog = append(e.backlog, c)
		return
	}
	if e.state.Session.ID == "" || c.SessionID != e.state.Session.ID {
		return
	}

	var evs []engine.Event
	before, next := e.state, e.state
	switch c.Kind {
	case store.ChangeSession:
		if c.Session == nil {
			return
		}
		evs, next = engine.MergeSession(e.state, *c.Session)
	case store.ChangePlayerInsert, store.ChangePlayerUpdate:
		if c.Player == nil {
			return
		}
		evs, next = engine.MergePlayer(e.state, *c.Player, c.Kind == store.ChangePlayerInsert)
	case store.ChangePlayerDelete:
		if engine.SameName(c.Name, e.state.Self) {
			if me, ok := e.state.Me(); ok && me.Version > c.Version {
				// Removal of an earlier record under this name.
				return
			}
			if st := e.state.Session.Stage; st == engine.StageEnded || st == engine.StageSetup || e.exiting {
				e.onSelfRemoved()
				return
			}
			go e.confirmRemoval(e.state.Session.ID, e.state.Self)
			return
		}
		evs, next = engine.RemovePlayer(e.state, c.Name, c.Version)
	default:
		return
	}
	e.commit(evs, next)
	if next.Session.ID == "" {
		// The room was reset for the next game.
		e.remember(before)
		return
	}
	e.hostDuties(evs)
}

// commit replaces the local state and tells the presentation layer.
func (e *Engine) commit(evs []engine.Event, next engine.State) {
	e.state = next
	if next.Session.Stage != engine.StageEnded {
		e.ending = false
	}
	e.notify(evs)
	if next.Session.ID == "" {
		e.teardown()
	}
}

// onSelfRemoved handles this device's own player disappearing. After a game
// has ended, or once the room was reset, that is a return to the menu rather
// than a kick.
func (e *Engine) onSelfRemoved() {
	if e.exiting {
		return
	}
	prev := e.state
	from := prev.Session.Stage
	settings := prev.Session.Settings
	kicked := from != engine.StageEnded && from != engine.StageSetup

	next := engine.NewEmptyState()
	next.Session.Settings = settings
	if kicked {
		e.log.Info("removed from session", zap.String("session", e.state.Session.ID), zap.String("player", e.state.Self))
		e.emit(Notice{Kind: NoticeKicked, Player: e.state.Self, From: from, To: engine.StageSetup})
	}
	e.commit([]engine.Event{{Type: engine.EvtStageChanged, From: from, To: engine.StageSetup}}, next)
	if !kicked {
		e.remember(prev)
	}
}

// confirmRemoval tells a kick from a room reset whose session change has not
// arrived yet. The session and player feeds are not ordered against each
// other.
func (e *Engine) confirmRemoval(id, self string) {
	ctx, cancel := context.WithTimeout(e.ctx, storeTimeout)
	defer cancel()
	sess, _, err := e.cfg.Store.FetchSession(ctx, id)
	if err == nil && sess.Stage == engine.StageSetup {
		e.ApplyRemote(store.SessionChange(sess))
		return
	}
	_ = e.send(ctx, absentMsg{sessionID: id, self: self})
}

// teardown drops every subscription and stops the membership poll.
func (e *Engine) teardown() {
	for _, h := range e.handles {
		e.cfg.Feed.Unsubscribe(h)
	}
	e.handles = nil
	e.stopPolling()
	e.exiting = false
	e.halted = nil
	e.tallying = 0
	e.ending = false
}

func (e *Engine) halt(err error) {
	if e.halted != nil {
		return
	}
	e.halted = err
	e.stopPolling()
	e.log.Error("session halted", zap.String("session", e.state.Session.ID), zap.Error(err))
	e.emit(Notice{Kind: NoticeHalted, Err: err, State: e.state.Clone()})
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, storeTimeout)
}
