package engine

import "strings"

func DefaultSettings() Settings {
	return Settings{
		MinPlayers:             4,
		MaxPlayers:             10,
		TraitorCount:           1,
		TasksPerPlayer:         4,
		MeetingLimit:           1,
		MeetingTimerSec:        60,
		MeetingRoom:            "Living Room",
		EliminationCooldownSec: 30,
		CooldownReductionSec:   5,
		Catalog:                DefaultCatalog(),
	}
}

// Validate checks settings that can be judged without a roster. The
// traitor/roster relation is checked again at start.
func (s Settings) Validate() error {
	switch {
	case s.MinPlayers < 1:
		return configErr("min_players", "must be at least 1, got %d", s.MinPlayers)
	case s.MinPlayers > s.MaxPlayers:
		return configErr("min_players", "minimum players (%d) cannot exceed maximum (%d)", s.MinPlayers, s.MaxPlayers)
	case s.TraitorCount < 1:
		return configErr("traitor_count", "must be at least 1, got %d", s.TraitorCount)
	case s.TraitorCount >= s.MaxPlayers:
		return configErr("traitor_count", "must be below max players (%d), got %d", s.MaxPlayers, s.TraitorCount)
	case s.TasksPerPlayer < 0:
		return configErr("tasks_per_player", "cannot be negative")
	case s.MeetingLimit < 0:
		return configErr("meeting_limit", "cannot be negative")
	case s.MeetingTimerSec < 0:
		return configErr("meeting_timer_sec", "cannot be negative")
	case strings.TrimSpace(s.MeetingRoom) == "":
		return configErr("meeting_room", "a meeting room is required")
	}
	return nil
}

func (s Settings) Clone() Settings {
	s.Catalog = s.Catalog.Clone()
	return s
}
