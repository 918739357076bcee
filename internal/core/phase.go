package core

// Phase is one state of the cycle.
type Phase uint8

const (
	PhaseDrain Phase = iota
	PhaseAssemble
	PhaseDecide
	PhaseDispatch
	PhaseReconcile
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseDrain:
		return "drain"
	case PhaseAssemble:
		return "assemble"
	case PhaseDecide:
		return "decide"
	case PhaseDispatch:
		return "dispatch"
	case PhaseReconcile:
		return "reconcile"
	case PhaseIdle:
		return "idle"
	default:
		return "unknown"
	}
}
