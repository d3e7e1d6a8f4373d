package modbus

import "fmt"

type State int

const (
	StateConstructing State = iota
	StateReady
	StateReading
	StateWriting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "CONSTRUCTING"
	case StateReady:
		return "READY"
	case StateReading:
		return "READING"
	case StateWriting:
		return "WRITING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Busy reports whether an operation is in flight.
func (s State) Busy() bool {
	return s == StateReading || s == StateWriting
}

var validTransitions = map[State][]State{
	StateConstructing: {StateReady, StateClosed},
	StateReady:        {StateReading, StateWriting, StateClosed},
	StateReading:      {StateReady},
	StateWriting:      {StateReady},
	StateClosed:       {},
}

func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
