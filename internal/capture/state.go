package capture

import "fmt"

// State is the orchestrator lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateCapturing    State = "capturing"
	StateError        State = "error"
)

// ErrBadTransition reports an illegal state change attempt.
type ErrBadTransition struct {
	From, To State
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("illegal capture state transition %s -> %s", e.From, e.To)
}

// legalTransitions enumerates every allowed state change. Anything not
// listed is a programming error, not a runtime condition.
var legalTransitions = map[State][]State{
	StateIdle:         {StateInitializing},
	StateInitializing: {StateReady, StateError},
	StateReady:        {StateCapturing, StateIdle, StateError},
	StateCapturing:    {StateReady, StateError},
	StateError:        {StateIdle},
}

func canTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
