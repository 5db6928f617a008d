// internal/models/mode.go
package models

import "sort"

// Mode is the lobby game mode. It decides seat capacity and whether the lobby
// may enter the matchmaking queue.
type Mode string

const (
	ModeCompetitive Mode = "competitive"
	ModeDuel        Mode = "duel"
	ModeCustom      Mode = "custom"
)

// MatchType is the map pool a lobby plays on.
type MatchType string

const (
	TypeDefault    MatchType = "default"
	TypeSafezone   MatchType = "safezone"
	TypeDeathmatch MatchType = "deathmatch"
)

// ModeSettings describes one mode.
type ModeSettings struct {
	Seats     int
	Queueable bool
	Types     []MatchType
}

// AllowsType reports whether t can be played in this mode.
func (s ModeSettings) AllowsType(t MatchType) bool {
	for _, allowed := range s.Types {
		if allowed == t {
			return true
		}
	}
	return false
}

// Modes is the mode table used by lobbies and teams.
type Modes struct {
	Default     Mode
	DefaultType MatchType
	Table       map[Mode]ModeSettings
}

// DefaultModes returns the production mode table. competitiveSeats is the
// team size of the competitive mode.
func DefaultModes(competitiveSeats int) Modes {
	return Modes{
		Default:     ModeCompetitive,
		DefaultType: TypeDefault,
		Table: map[Mode]ModeSettings{
			ModeCompetitive: {Seats: competitiveSeats, Queueable: true, Types: []MatchType{TypeDefault, TypeSafezone}},
			ModeDuel:        {Seats: 1, Queueable: true, Types: []MatchType{TypeDefault}},
			ModeCustom:      {Seats: 15, Queueable: false, Types: []MatchType{TypeDefault, TypeSafezone, TypeDeathmatch}},
		},
	}
}

// Lookup returns the settings of m.
func (m Modes) Lookup(mode Mode) (ModeSettings, bool) {
	s, ok := m.Table[mode]
	return s, ok
}

// Seats returns the capacity of mode, 0 when unknown.
func (m Modes) Seats(mode Mode) int {
	return m.Table[mode].Seats
}

// Validate checks a mode/type combination.
func (m Modes) Validate(mode Mode, t MatchType) error {
	s, ok := m.Table[mode]
	if !ok {
		return Invalid("the given mode is not valid")
	}
	if !s.AllowsType(t) {
		return Invalid("the given type is not valid for mode %s", mode)
	}
	return nil
}

// Names lists the configured modes in a stable order.
func (m Modes) Names() []Mode {
	names := make([]Mode, 0, len(m.Table))
	for name := range m.Table {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
