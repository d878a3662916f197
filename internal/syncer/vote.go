package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

var errVoteNotVisible = errors.New("vote not visible in the stored ledger")

// submitVote merges one ledger entry and reads the session back until the
// entry is visible. A vote is only reported submitted once it can be seen;
// after the configured attempts the caller gets a transient error and the
// local view keeps waiting for it.
func (e *Engine) submitVote(ctx context.Context, id string, meetingID int, voter, target string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		ledger, err := e.cfg.Store.MergeVote(ctx, id, meetingID, voter, target)
		if err != nil {
			return struct{}{}, classifyVote(err)
		}
		sess, _, err := e.cfg.Store.FetchSession(ctx, id)
		if err != nil {
			return struct{}{}, classifyVote(err)
		}
		stored := sess.Meeting.Votes[voter]
		switch {
		case stored == target && ledger[voter] == target:
			return struct{}{}, nil
		case sess.Meeting.ID != meetingID || sess.Meeting.Tallied || sess.Stage != engine.StageMeeting:
			return struct{}{}, backoff.Permanent(engine.ErrVotingClosed)
		}
		e.log.Debug("vote not visible yet", zap.String("voter", voter), zap.Int("attempt", attempt))
		return struct{}{}, errVoteNotVisible
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.cfg.VoteAttempts)))

	if errors.Is(err, errVoteNotVisible) {
		return store.Transient("vote", err)
	}
	return err
}

func classifyVote(err error) error {
	if store.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}
