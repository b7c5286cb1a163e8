// Package component defines the three RollbackableComponent variants
// (spec §3) user code implements and registers with a System: InputEmulator,
// StateSerializer, and Simulator, plus the lifecycle callbacks common to
// all three (spec §5's fixed per-frame call order).
package component

import (
	"github.com/lixenwraith/rollback/fixedpoint"
	"github.com/lixenwraith/rollback/frame"
	"github.com/lixenwraith/rollback/savestate"
	"github.com/lixenwraith/rollback/tokenset"
)

// Lifecycle is the set of callbacks every RollbackableComponent receives
// regardless of variant, in the fixed order spec §5 lays out.
type Lifecycle interface {
	// OnActivationChange fires during the re-simulation pass that visits
	// an activation record's frame, with active reporting whether this is
	// an Activate (true) or Deactivate (false).
	OnActivationChange(active bool, f frame.Index)

	// OnRollActivationChangeBack undoes an activation applied at a frame
	// now being rolled back past, before OnDeserialize restores state.
	OnRollActivationChangeBack(f frame.Index)

	OnStarvedForInputFrame()
	OnStallAdvantageFrame()
	OnStayCurrentFrame()
	OnToNextFrame()

	// ResetAndCleanup is invoked on force_reset_and_cleanup; components
	// must drop any held state and return to a pre-registration state.
	ResetAndCleanup()
}

// InputEmulator drives the input store for one Player: it supplies local
// input on poll and is notified when a packet boundary is crossed.
type InputEmulator interface {
	Lifecycle

	// OnPollLocalInputs is called exactly once per frame for a local
	// Emulator, never for a remote one.
	OnPollLocalInputs() tokenset.Set

	// OnReadyToUpload is called once after every frame the scheduler
	// advances, right after that frame's state is saved; no packet-size
	// threshold is applied.
	OnReadyToUpload()
}

// StateSerializer serializes and deserializes one Entity's user state. It
// embeds savestate.Serializer directly so a savestate.Store can operate on
// a StateSerializer without an adapter.
type StateSerializer interface {
	Lifecycle
	savestate.Serializer
}

// Simulator advances one Entity's user state by a whole frame, and
// optionally by sub-frame ticks for continuous effects that must never
// perturb serialized state.
type Simulator interface {
	Lifecycle

	// OnSimulateFrame advances state for frame f given that frame's input
	// sets, keyed by the PlayerIdentity id supplying each.
	OnSimulateFrame(f frame.Index, inputs map[uint16]tokenset.Set)

	// OnSimulateTick advances continuous effects by delta; must not
	// modify anything OnSerialize would capture.
	OnSimulateTick(delta fixedpoint.Fixed)
}

// Kind tags which of the three variants a Handle wraps.
type Kind int

const (
	KindInputEmulator Kind = iota
	KindStateSerializer
	KindSimulator
)

func (k Kind) String() string {
	switch k {
	case KindInputEmulator:
		return "InputEmulator"
	case KindStateSerializer:
		return "StateSerializer"
	case KindSimulator:
		return "Simulator"
	default:
		return "Unknown"
	}
}

// Handle is one registered component: exactly one of Emulator, Serializer,
// or Sim is non-nil, selected by Kind. The registry dispatches a frame's
// callbacks by walking a single ordered slice of Handles rather than three
// separate typed slices, so registration order - and therefore dispatch
// order - is a single total order across all three variants.
type Handle struct {
	Kind   Kind
	Entity frame.Entity

	Emulator   InputEmulator
	Serializer StateSerializer
	Sim        Simulator
}

// Lifecycle returns the embedded Lifecycle of whichever variant this
// Handle wraps, for dispatching the callbacks common to all three.
func (h Handle) Lifecycle() Lifecycle {
	switch h.Kind {
	case KindInputEmulator:
		return h.Emulator
	case KindStateSerializer:
		return h.Serializer
	case KindSimulator:
		return h.Sim
	default:
		return nil
	}
}

// NewEmulatorHandle wraps an InputEmulator for registration.
func NewEmulatorHandle(entity frame.Entity, e InputEmulator) Handle {
	return Handle{Kind: KindInputEmulator, Entity: entity, Emulator: e}
}

// NewSerializerHandle wraps a StateSerializer for registration.
func NewSerializerHandle(entity frame.Entity, s StateSerializer) Handle {
	return Handle{Kind: KindStateSerializer, Entity: entity, Serializer: s}
}

// NewSimulatorHandle wraps a Simulator for registration.
func NewSimulatorHandle(entity frame.Entity, s Simulator) Handle {
	return Handle{Kind: KindSimulator, Entity: entity, Sim: s}
}
