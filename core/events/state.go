package events

// KindStateTransitionFailed identifies a rolled back pet mode change.
const KindStateTransitionFailed Kind = "state.transition_failed"

// StateTransitionFailed reports a mode change that failed. Previous is the
// mode the pet was rolled back to.
type StateTransitionFailed struct {
	Base
	Target   string
	Previous string
	Error    string
}

func NewStateTransitionFailed(target, previous, err string) StateTransitionFailed {
	return StateTransitionFailed{Base: NewBase(KindStateTransitionFailed, ""), Target: target, Previous: previous, Error: err}
}
