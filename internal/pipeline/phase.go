package pipeline

import "fmt"

// Phase is the orchestrator state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseBuilding   Phase = "building"
	PhaseRotating   Phase = "rotating"
	PhaseShipping   Phase = "shipping"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
	PhaseRejected   Phase = "rejected"
)

// IsTerminal reports whether the phase ends a run.
func IsTerminal(p Phase) bool {
	switch p {
	case PhaseDone, PhaseFailed, PhaseCancelled, PhaseRejected:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to Phase) bool {
	switch from {
	case PhaseIdle:
		return to == PhaseValidating || to == PhaseRejected
	case PhaseValidating:
		return to == PhaseBuilding || to == PhaseFailed || to == PhaseCancelled
	case PhaseBuilding:
		return to == PhaseRotating || to == PhaseFailed || to == PhaseCancelled
	case PhaseRotating:
		return to == PhaseDone || to == PhaseShipping || to == PhaseFailed || to == PhaseCancelled
	case PhaseShipping:
		return to == PhaseDone || to == PhaseFailed || to == PhaseCancelled
	default:
		return false
	}
}

// tracker records the phase sequence of one run and rejects invalid transitions.
type tracker struct {
	current Phase
	history []Phase
	onEnter func(Phase)
}

func newTracker(onEnter func(Phase)) *tracker {
	return &tracker{current: PhaseIdle, history: []Phase{PhaseIdle}, onEnter: onEnter}
}

func (t *tracker) to(next Phase) error {
	if !isAllowedTransition(t.current, next) {
		return fmt.Errorf("disallowed phase transition %s -> %s", t.current, next)
	}
	t.current = next
	t.history = append(t.history, next)
	if t.onEnter != nil {
		t.onEnter(next)
	}
	return nil
}
