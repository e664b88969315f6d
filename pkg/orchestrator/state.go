package orchestrator

import (
	"errors"
	"fmt"
)

// State is the loop's lifecycle state. Exactly one exists per Loop.
type State string

const (
	StateIdle          State = "Idle"
	StateRunning       State = "Running"
	StateAwaitingHuman State = "AwaitingHuman"
	StateHalted        State = "Halted"
)

var (
	// ErrHalted is returned by Submit while the recovery record is non-empty.
	ErrHalted = errors.New("loop is halted: recovery required")
	// ErrBusy is returned by Submit while another task is active or queued.
	ErrBusy = errors.New("a task is already active")
)

// Running -> Idle ends a task that completed or was abandoned.
var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateRunning: {},
	},
	StateRunning: {
		StateRunning:       {},
		StateAwaitingHuman: {},
		StateHalted:        {},
		StateIdle:          {},
	},
	StateAwaitingHuman: {
		StateRunning: {},
	},
	StateHalted: {
		StateIdle: {},
	},
}

// TransitionError reports an illegal state change. The change is never applied.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid loop transition: %s -> %s", e.From, e.To)
}

// ValidateTransition checks from -> to against the transition table.
func ValidateTransition(from, to State) error {
	if _, ok := allowedTransitions[from][to]; !ok {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
