package engine

const (
	ReasonTraitorsEliminated = "all traitors eliminated"
	ReasonTraitorsOutnumber  = "traitors equal or outnumber allies"
	ReasonTasksCompleted     = "all tasks completed"
)

type Outcome struct {
	Winner Winner `json:"winner"`
	Reason string `json:"reason"`
}

// CheckWin evaluates the elimination-based win conditions. A roster with no
// traitors at all cannot come out of a valid start and is reported as an
// IntegrityError rather than guessed at.
func CheckWin(roster []Player) (Outcome, bool, error) {
	var aliveTraitors, aliveAllies, totalTraitors int
	for _, p := range roster {
		switch p.Role {
		case RoleTraitor:
			totalTraitors++
			if p.Alive {
				aliveTraitors++
			}
		case RoleAlly:
			if p.Alive {
				aliveAllies++
			}
		}
	}

	if totalTraitors == 0 {
		return Outcome{}, false, &IntegrityError{Reason: "roster has no traitors"}
	}
	if aliveTraitors == 0 {
		return Outcome{Winner: WinnerAllies, Reason: ReasonTraitorsEliminated}, true, nil
	}
	if aliveTraitors >= aliveAllies && aliveAllies > 0 {
		return Outcome{Winner: WinnerTraitors, Reason: ReasonTraitorsOutnumber}, true, nil
	}
	return Outcome{}, false, nil
}

// CheckTaskWin reports an ally win once allies, alive or eliminated, have
// completed every task they were dealt.
func CheckTaskWin(roster []Player) (Outcome, bool) {
	var total, done int
	for _, p := range roster {
		if p.Role != RoleAlly {
			continue
		}
		total += len(p.Tasks)
		done += p.TasksCompleted
	}
	if total > 0 && done >= total {
		return Outcome{Winner: WinnerAllies, Reason: ReasonTasksCompleted}, true
	}
	return Outcome{}, false
}
