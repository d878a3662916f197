// Package types holds the JSON bodies exchanged between the session server
// and remote devices.
package types

import (
	"github.com/DoyleJ11/traitors-session/internal/engine"
	"github.com/DoyleJ11/traitors-session/internal/store"
)

type CreateRequest struct {
	Session engine.Session `json:"session"`
	Host    engine.Player  `json:"host"`
}

type CreateResponse struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

type SessionResponse struct {
	Session engine.Session  `json:"session"`
	Players []engine.Player `json:"players"`
}

type InsertResponse struct {
	Inserted bool `json:"inserted"`
}

type BatchRequest struct {
	Updates []store.PlayerUpdate `json:"updates"`
}

type VoteRequest struct {
	MeetingID int    `json:"meeting_id"`
	Voter     string `json:"voter"`
	Target    string `json:"target"`
}

type VoteResponse struct {
	Votes engine.VoteLedger `json:"votes"`
}

type ReadyRequest struct {
	Name string `json:"name"`
}

type ReadyResponse struct {
	Ready map[string]bool `json:"ready"`
}

type TallyRequest struct {
	MeetingID int                `json:"meeting_id"`
	Result    engine.TallyResult `json:"result"`
}

type ResetRequest struct {
	Settings engine.Settings `json:"settings"`
}

// Error codes carried in ServerMessage.Code so a remote client can rebuild
// the store's error values.
const (
	CodeNotFound     = "not_found"
	CodeStaleMeeting = "stale_meeting"
	CodeVotingClosed = "voting_closed"
	CodeBadRequest   = "bad_request"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

type ServerMessage struct {
	Type   string        `json:"type"` // "Subscribed" | "Change" | "Error"
	Change *store.Change `json:"change,omitempty"`
	Code   string        `json:"code,omitempty"`
	Error  string        `json:"error,omitempty"`
}
