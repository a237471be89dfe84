package stream

import "fmt"

// State is the processor's lifecycle state.
type State int32

const (
	// Idle: no channel started since creation or the last Reset.
	Idle State = iota
	// Running: blocks are stored and the view is refreshed.
	Running
	// Paused: blocks still arrive but are discarded before storage.
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Policy selects what a realtime read does to the realtime buffer.
type Policy string

const (
	// PolicyRing leaves the buffer intact; old packets fall off the front.
	PolicyRing Policy = "ring"
	// PolicyDrain empties the buffer on every read, so each packet is
	// delivered to the reader at most once.
	PolicyDrain Policy = "drain"
)

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyRing, PolicyDrain:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown realtime policy %q", s)
	}
}
