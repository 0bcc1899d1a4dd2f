package policy

import (
	"fmt"
	"strings"
)

// Level is the outcome class of one authorization rule. The set is closed
// and has no ordering: levels are never compared with < or >, only switched on.
type Level int

const (
	levelUnknown Level = iota
	// LevelFree runs the action without ceremony.
	LevelFree
	// LevelNotify runs the action; the audit record marks it for later review.
	LevelNotify
	// LevelPropose refuses and asks the user to register an approval first.
	LevelPropose
	// LevelNever refuses terminally.
	LevelNever
)

// Levels lists every valid level.
var Levels = []Level{LevelFree, LevelNotify, LevelPropose, LevelNever}

// String returns the wire name of the level.
func (l Level) String() string {
	switch l {
	case LevelFree:
		return "free"
	case LevelNotify:
		return "notify"
	case LevelPropose:
		return "propose"
	case LevelNever:
		return "never"
	case levelUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	switch l {
	case LevelFree, LevelNotify, LevelPropose, LevelNever:
		return true
	case levelUnknown:
		return false
	default:
		return false
	}
}

// Executes reports whether a decision at this level lets the action run.
func (l Level) Executes() bool {
	switch l {
	case LevelFree, LevelNotify:
		return true
	case LevelPropose, LevelNever, levelUnknown:
		return false
	default:
		return false
	}
}

// ParseLevel parses a level name (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free":
		return LevelFree, nil
	case "notify":
		return LevelNotify, nil
	case "propose":
		return LevelPropose, nil
	case "never":
		return LevelNever, nil
	default:
		return levelUnknown, fmt.Errorf("unknown level %q (want free, notify, propose or never)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", l)
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Posture is the global risk-appetite dial applied after rule selection.
// The zero value is PostureBalanced.
type Posture int

const (
	// PostureBalanced leaves levels unchanged.
	PostureBalanced Posture = iota
	// PostureConservative escalates notify to propose.
	PostureConservative
	// PostureAutonomous de-escalates propose to notify.
	PostureAutonomous
)

// Postures lists every valid posture.
var Postures = []Posture{PostureConservative, PostureBalanced, PostureAutonomous}

// String returns the wire name of the posture.
func (p Posture) String() string {
	switch p {
	case PostureBalanced:
		return "balanced"
	case PostureConservative:
		return "conservative"
	case PostureAutonomous:
		return "autonomous"
	default:
		return fmt.Sprintf("posture(%d)", int(p))
	}
}

// Apply transforms a selected level. free and never are fixed points under
// every posture; only notify and propose ever move.
func (p Posture) Apply(l Level) Level {
	switch p {
	case PostureConservative:
		switch l {
		case LevelNotify:
			return LevelPropose
		case LevelFree, LevelPropose, LevelNever:
			return l
		case levelUnknown:
			return LevelPropose
		}
	case PostureAutonomous:
		switch l {
		case LevelPropose:
			return LevelNotify
		case LevelFree, LevelNotify, LevelNever:
			return l
		case levelUnknown:
			return LevelPropose
		}
	case PostureBalanced:
		switch l {
		case LevelFree, LevelNotify, LevelPropose, LevelNever:
			return l
		case levelUnknown:
			return LevelPropose
		}
	}
	// Out-of-range posture or level: fail safe.
	if l == LevelNever {
		return LevelNever
	}
	return LevelPropose
}

// ParsePosture parses a posture name (case-insensitive). Empty means balanced.
func ParsePosture(s string) (Posture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "balanced", "":
		return PostureBalanced, nil
	case "conservative":
		return PostureConservative, nil
	case "autonomous":
		return PostureAutonomous, nil
	default:
		return PostureBalanced, fmt.Errorf("unknown posture %q (want conservative, balanced or autonomous)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Posture) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Posture) UnmarshalText(b []byte) error {
	parsed, err := ParsePosture(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
