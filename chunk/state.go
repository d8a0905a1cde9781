package chunk

import "fmt"

// State is the lifecycle state of one room's bundle.
type State uint8

const (
	StateUnloaded State = iota
	StatePreloading
	StateLoaded
	StateActive
	StateDormant
	StateDisposed
)

var stateNames = [...]string{
	StateUnloaded:   "unloaded",
	StatePreloading: "preloading",
	StateLoaded:     "loaded",
	StateActive:     "active",
	StateDormant:    "dormant",
	StateDisposed:   "disposed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("chunk: unknown state %q", text)
}

// Resident reports whether a room in state s holds a runtime entry.
func (s State) Resident() bool {
	return s == StateLoaded || s == StateActive || s == StateDormant
}

// Activatable reports whether a room in state s can become the active room.
func (s State) Activatable() bool {
	return s == StateLoaded || s == StateDormant
}

// edges is the lifecycle table. unloaded/preloading -> disposed cover a
// dispose issued before or while a load is in flight.
var edges = map[State][]State{
	StateUnloaded:   {StatePreloading, StateDisposed},
	StatePreloading: {StateLoaded, StateUnloaded, StateDisposed},
	StateLoaded:     {StateActive, StateDisposed},
	StateActive:     {StateDormant},
	StateDormant:    {StateActive, StateDisposed},
	StateDisposed:   {StatePreloading},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}
