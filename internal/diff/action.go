package diff

// Action describes what happened to a node, field or peer inside a diff window.
type Action string

const (
	ActionAdded     Action = "added"
	ActionRemoved   Action = "removed"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAdded, ActionRemoved, ActionUpdated, ActionUnchanged:
		return true
	}
	return false
}

// Merge combines two actions observed for the same field. Identical actions
// are kept, anything else becomes updated.
func (a Action) Merge(other Action) Action {
	if a == "" {
		return other
	}
	if other == "" || a == other {
		return a
	}
	return ActionUpdated
}

// ParseAction converts a stored action string. Unknown values map to unchanged.
func ParseAction(s string) Action {
	a := Action(s)
	if a.Valid() {
		return a
	}
	return ActionUnchanged
}

// Summary counts added, removed and updated contributions.
// It is only ever mutated through Inc and Add.
type Summary struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Updated int `json:"updated"`
}

// Inc increments the counter matching action. Unchanged is ignored.
func (s *Summary) Inc(action Action) {
	switch action {
	case ActionAdded:
		s.Added++
	case ActionRemoved:
		s.Removed++
	case ActionUpdated:
		s.Updated++
	}
}

// Add folds other into s.
func (s *Summary) Add(other Summary) {
	s.Added += other.Added
	s.Removed += other.Removed
	s.Updated += other.Updated
}

// Total returns the number of counted contributions.
func (s Summary) Total() int {
	return s.Added + s.Removed + s.Updated
}

// Action derives a single action from the counters: added-only is added,
// removed-only is removed, an empty summary is unchanged and anything else is updated.
func (s Summary) Action() Action {
	switch {
	case s.Total() == 0:
		return ActionUnchanged
	case s.Added > 0 && s.Removed == 0 && s.Updated == 0:
		return ActionAdded
	case s.Removed > 0 && s.Added == 0 && s.Updated == 0:
		return ActionRemoved
	}
	return ActionUpdated
}
