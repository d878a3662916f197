package engine

import "slices"

// Transitions lists the session-level stage changes. Local resets (leave,
// kicked, return to menu) are not session transitions and bypass it.
var Transitions = map[Stage][]Stage{
	StageSetup:   {StageWaiting},
	StageWaiting: {StagePlaying},
	StagePlaying: {StageMeeting, StageEnded},
	StageMeeting: {StagePlaying, StageEnded},
	StageEnded:   {StageSetup},
}

func CanTransition(from, to Stage) bool {
	return slices.Contains(Transitions[from], to)
}
