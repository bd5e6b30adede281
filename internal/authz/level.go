// Package authz decides what an access level may do. It offers two
// independent checks: named actions looked up in a per-level strategy, and
// an ordinal comparison of level ranks.
package authz

import (
	"errors"
	"fmt"
)

// ErrUnknownAccessLevel is returned when a level string is not one of the
// known levels.
var ErrUnknownAccessLevel = errors.New("unknown access level")

// Level is a user's coarse role.
type Level string

const (
	Viewer        Level = "viewer"
	Manager       Level = "manager"
	Administrator Level = "administrator"
)

// Levels lists the known levels in ascending rank.
func Levels() []Level {
	return []Level{Viewer, Manager, Administrator}
}

// ParseLevel validates s as a known level.
func ParseLevel(s string) (Level, error) {
	switch l := Level(s); l {
	case Viewer, Manager, Administrator:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAccessLevel, s)
}

// Rank returns the ordinal of l: 1 for viewer, 2 for manager, 3 for
// administrator, and 0 for anything else.
func (l Level) Rank() int {
	switch l {
	case Viewer:
		return 1
	case Manager:
		return 2
	case Administrator:
		return 3
	}
	return 0
}

// Label returns a human readable name.
func (l Level) Label() string {
	switch l {
	case Viewer:
		return "Viewer"
	case Manager:
		return "Manager"
	case Administrator:
		return "Administrator"
	}
	return string(l)
}

// Description returns a one-line summary of what the level is for.
func (l Level) Description() string {
	switch l {
	case Viewer:
		return "Read-only access to tasks"
	case Manager:
		return "Manage tasks and read user accounts"
	case Administrator:
		return "Full access, including user and system administration"
	}
	return ""
}

// MeetsMinimum reports whether level ranks at or above required. Unknown
// levels rank 0 and never meet a known minimum.
func MeetsMinimum(level, required Level) bool {
	r := level.Rank()
	return r > 0 && r >= required.Rank()
}
