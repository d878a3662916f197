package engine

import "strings"

// Tally turns a complete ledger into an elimination decision. Only votes
// from alive players count. Skips are counted but never win; a shared
// maximum or an all-skip ledger eliminates no one.
func Tally(ledger VoteLedger, roster []Player, meetingID int) (TallyResult, error) {
	if VotesSubmitted(ledger, roster) != CountAlive(roster) {
		return TallyResult{}, ErrVotingIncomplete
	}

	s := State{Roster: roster}
	counts := make(map[string]int)
	for voter, target := range ledger {
		p, ok := s.Player(voter)
		if !ok || !p.Alive {
			continue
		}
		counts[canonicalTarget(s, target)]++
	}

	best := 0
	var leaders []string
	for target, n := range counts {
		if target == SkipVote {
			continue
		}
		switch {
		case n > best:
			best = n
			leaders = []string{target}
		case n == best:
			leaders = append(leaders, target)
		}
	}

	res := TallyResult{MeetingID: meetingID, VoteCounts: counts}
	if best == 0 {
		return res, nil
	}
	if len(leaders) > 1 {
		res.IsTie = true
		return res, nil
	}
	res.Eliminated = leaders[0]
	return res, nil
}

func canonicalTarget(s State, target string) string {
	if strings.EqualFold(strings.TrimSpace(target), SkipVote) {
		return SkipVote
	}
	if p, ok := s.Player(target); ok {
		return p.Name
	}
	return target
}
