package verify

import "fmt"

// State is the verification session state.
type State int

const (
	Initializing State = iota
	Detecting
	Matching
	Success
	Mismatch
	AlreadyRecorded
	Error
	Closed
)

var stateNames = [...]string{
	Initializing:    "initializing",
	Detecting:       "detecting",
	Matching:        "matching",
	Success:         "success",
	Mismatch:        "mismatch",
	AlreadyRecorded: "already_recorded",
	Error:           "error",
	Closed:          "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Terminal reports whether no further user action is possible in s.
func (s State) Terminal() bool {
	switch s {
	case Success, AlreadyRecorded, Error, Closed:
		return true
	}
	return false
}
