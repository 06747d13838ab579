package pipeline

import "time"

// State is a step of a run.
type State int

const (
	StateReceived State = iota
	StateRouted
	StateContextGathered
	StateAudited
	StateDrafted
	StateEconomized
	StateStored
	StateResponded
	StateRejected
	StateUnavailable
	StateCanceled
)

var stateNames = map[State]string{
	StateReceived:        "received",
	StateRouted:          "routed",
	StateContextGathered: "context_gathered",
	StateAudited:         "audited",
	StateDrafted:         "drafted",
	StateEconomized:      "economized",
	StateStored:          "stored",
	StateResponded:       "responded",
	StateRejected:        "rejected",
	StateUnavailable:     "unavailable",
	StateCanceled:        "canceled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateResponded, StateRejected, StateUnavailable, StateCanceled:
		return true
	}
	return false
}

// next lists the legal transitions out of each state.
var next = map[State][]State{
	StateReceived:        {StateRouted, StateRejected, StateCanceled},
	StateRouted:          {StateContextGathered, StateRejected, StateCanceled},
	StateContextGathered: {StateAudited, StateRejected, StateUnavailable, StateCanceled},
	StateAudited:         {StateDrafted, StateEconomized, StateCanceled},
	StateDrafted:         {StateEconomized},
	StateEconomized:      {StateStored},
	StateStored:          {StateResponded},
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records one state change of a run.
type Transition struct {
	State   State         `json:"state"`
	At      time.Time     `json:"at"`
	Elapsed time.Duration `json:"elapsed"`
}
