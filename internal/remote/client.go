// Package remote is the device side of the session server: a store.Backend
// whose store calls are JSON over HTTP and whose change feed arrives over
// websockets.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
	"github.com/DoyleJ11/traitors-session/internal/types"
)

var _ store.Backend = (*Client)(nil)

type Client struct {
	base string
	http *http.Client
	log  *zap.Logger

	mu   sync.Mutex
	subs map[store.Handle]liveSub

	ctx    context.Context
	cancel context.CancelFunc
}

type liveSub struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a client for the server at baseURL, e.g. "http://host:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url %q must be http or https", baseURL)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		base:   strings.TrimRight(u.String(), "/"),
		http:   http.DefaultClient,
		log:    zap.NewNop(),
		subs:   make(map[store.Handle]liveSub),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close ends every feed subscription. Store calls still work.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	clear(c.subs)
	c.mu.Unlock()
}

func sessionPath(id string, parts ...string) string {
	p := "/sessions/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) Create(ctx context.Context, sess engine.Session, host engine.Player) (string, string, error) {
	var resp types.CreateResponse
	err := c.do(ctx, "create", http.MethodPost, "/sessions", types.CreateRequest{Session: sess, Host: host}, &resp)
	return resp.ID, resp.Code, err
}

func (c *Client) FetchByRoomCode(ctx context.Context, code string) (engine.Session, []engine.Player, error) {
	var resp types.SessionResponse
	err := c.do(ctx, "fetch room", http.MethodGet, "/rooms/"+url.PathEscape(code), nil, &resp)
	return resp.Session, resp.Players, err
}

func (c *Client) FetchSession(ctx context.Context, id string) (engine.Session, []engine.Player, error) {
	var resp types.SessionResponse
	err := c.do(ctx, "fetch session", http.MethodGet, sessionPath(id), nil, &resp)
	return resp.Session, resp.Players, err
}

func (c *Client) UpdateSessionFields(ctx context.Context, id string, patch store.SessionPatch) error {
	return c.do(ctx, "update session", http.MethodPatch, sessionPath(id), patch, nil)
}

func (c *Client) UpdatePlayerFields(ctx context.Context, id, name string, patch store.PlayerPatch) error {
	return c.do(ctx, "update player", http.MethodPatch, sessionPath(id, "players", url.PathEscape(name)), patch, nil)
}

func (c *Client) InsertPlayer(ctx context.Context, id string, p engine.Player) (bool, error) {
	var resp types.InsertResponse
	err := c.do(ctx, "insert player", http.MethodPost, sessionPath(id, "players"), p, &resp)
	return resp.Inserted, err
}

func (c *Client) DeletePlayer(ctx context.Context, id, name string) error {
	return c.do(ctx, "delete player", http.MethodDelete, sessionPath(id, "players", url.PathEscape(name)), nil, nil)
}

func (c *Client) MergeVote(ctx context.Context, id string, meetingID int, voter, target string) (engine.VoteLedger, error) {
	var resp types.VoteResponse
	req := types.VoteRequest{MeetingID: meetingID, Voter: voter, Target: target}
	err := c.do(ctx, "vote", http.MethodPost, sessionPath(id, "votes"), req, &resp)
	return resp.Votes, err
}

func (c *Client) MergeMeetingReady(ctx context.Context, id, name string) (map[string]bool, error) {
	var resp types.ReadyResponse
	err := c.do(ctx, "ready", http.MethodPost, sessionPath(id, "ready"), types.ReadyRequest{Name: name}, &resp)
	return resp.Ready, err
}

func (c *Client) ClearMeetingState(ctx context.Context, id string, meta engine.MeetingMeta) error {
	return c.do(ctx, "clear meeting", http.MethodPost, sessionPath(id, "meeting", "clear"), meta, nil)
}

func (c *Client) BatchUpdatePlayers(ctx context.Context, id string, updates []store.PlayerUpdate) error {
	return c.do(ctx, "batch update", http.MethodPost, sessionPath(id, "players", "batch"), types.BatchRequest{Updates: updates}, nil)
}

func (c *Client) CompleteTally(ctx context.Context, id string, meetingID int, res engine.TallyResult) (engine.TallyResult, error) {
	var out engine.TallyResult
	err := c.do(ctx, "tally", http.MethodPost, sessionPath(id, "tally"), types.TallyRequest{MeetingID: meetingID, Result: res}, &out)
	return out, err
}

func (c *Client) ResetSession(ctx context.Context, id string, settings engine.Settings) error {
	return c.do(ctx, "reset", http.MethodPost, sessionPath(id, "reset"), types.ResetRequest{Settings: settings}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return store.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var msg types.ServerMessage
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil || msg.Error == "" {
			msg.Error = resp.Status
		}
		return errorFor(op, resp.StatusCode, msg)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return store.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// errorFor rebuilds the error value the server's store returned.
func errorFor(op string, status int, msg types.ServerMessage) error {
	switch msg.Code {
	case types.CodeNotFound:
		return fmt.Errorf("%s: %s: %w", op, msg.Error, store.ErrNotFound)
	case types.CodeStaleMeeting:
		return fmt.Errorf("%s: %w", op, store.ErrStaleMeeting)
	case types.CodeVotingClosed:
		return fmt.Errorf("%s: %w", op, engine.ErrVotingClosed)
	case types.CodeBadRequest:
		return &engine.ConfigurationError{Field: op, Reason: msg.Error}
	case types.CodeUnavailable:
		return store.Transient(op, errors.New(msg.Error))
	}
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", op, msg.Error, store.ErrNotFound)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return store.Transient(op, errors.New(msg.Error))
	}
	return fmt.Errorf("%s: %s", op, msg.Error)
}
