package engine

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid stage transition")
var ErrNotAlive = errors.New("player is eliminated")
var ErrMeetingLimit = errors.New("no emergency meetings remaining")
var ErrVotingClosed = errors.New("voting is not open")
var ErrPlayersNotReady = errors.New("not every alive player is ready")
var ErrVotingIncomplete = errors.New("not every alive player has voted")
var ErrUnknownPlayer = errors.New("unknown player")
var ErrRoomFull = errors.New("room is full")
var ErrNameTaken = errors.New("name already taken")
var ErrUnsupportedCommand = errors.New("unsupported command")

// ConfigurationError reports settings that cannot produce a valid game.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AuthorizationError is returned when a non-host attempts a host-only action.
type AuthorizationError struct {
	Action string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("only the host can %s", e.Action)
}

// IntegrityError means an upstream invariant was broken. It is never
// recovered from locally.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "integrity violation: " + e.Reason
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

func IsIntegrity(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}
