package authz

import "sort"

// Action is a named permission in "<resource>:<verb>" form.
type Action string

// Task record actions.
const (
	ResourceRead   Action = "resource:read"
	ResourceList   Action = "resource:list"
	ResourceCreate Action = "resource:create"
	ResourceUpdate Action = "resource:update"
	ResourceDelete Action = "resource:delete"
)

// User management actions.
const (
	UserRead        Action = "user:read"
	UserList        Action = "user:list"
	UserCreate      Action = "user:create"
	UserUpdate      Action = "user:update"
	UserDelete      Action = "user:delete"
	UserChangeLevel Action = "user:change_level"
)

// SystemAdmin covers operational endpoints.
const SystemAdmin Action = "system:admin"

// ActionSet is an immutable set of actions.
type ActionSet map[Action]struct{}

// NewActionSet builds a set from the given actions.
func NewActionSet(actions ...Action) ActionSet {
	set := make(ActionSet, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

// Has reports whether a is in the set.
func (s ActionSet) Has(a Action) bool {
	_, ok := s[a]
	return ok
}

// Sorted returns the actions in lexical order.
func (s ActionSet) Sorted() []Action {
	out := make([]Action, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
