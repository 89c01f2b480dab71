package engine

// Phase is a slot's position in the playout lifecycle.
type Phase int

// Slot phases.
const (
	PhaseCold Phase = iota
	PhasePreloaded
	PhasePlaying
	PhasePaused
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseCold:
		return "cold"
	case PhasePreloaded:
		return "preloaded"
	case PhasePlaying:
		return "playing"
	case PhasePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// layerPair tracks which of a slot's two layers is on air. The two values
// are always the slot's {baseLayer, baseLayer+10} in some order; they swap
// only when a resync transaction completes.
type layerPair struct {
	active  int
	standby int
}

// canonicalPair is the pair a slot starts with: active on the base layer.
func canonicalPair(baseLayer int) layerPair {
	return layerPair{active: baseLayer, standby: baseLayer + 10}
}

// swapped returns the pair with the roles exchanged.
func (p layerPair) swapped() layerPair {
	return layerPair{active: p.standby, standby: p.active}
}

// slotState is the runtime state the controller keeps per configured slot,
// keyed by the slot's stable id. currentFrame and drift hold the last
// drift-controller observations; nil until the first sample.
type slotState struct {
	phase        Phase
	pair         layerPair
	currentFrame *int64
	drift        *int64
}

func newSlotState(baseLayer int) *slotState {
	return &slotState{
		phase: PhaseCold,
		pair:  canonicalPair(baseLayer),
	}
}
