// Package config holds the immutable per-run parameters of a rollback
// System (spec §6). A Config is constructed once via Default and never
// mutated afterward; every System built from it observes the same
// thresholds for the life of the run.
package config

import "github.com/lixenwraith/rollback/fixedpoint"

// Config is the full set of tunables a System needs. All fields are
// read-only after construction, mirroring how this codebase's
// network.Config is built once via DefaultConfig and handed to a
// connection rather than mutated in place.
type Config struct {
	// FrameDuration is the target wall-clock length of one simulation
	// frame, e.g. ~16667us for 60Hz.
	FrameDuration fixedpoint.Fixed

	// MinRollbackFrameCount is the width of the save-state/input window
	// kept restorable. Must be >= 1.
	MinRollbackFrameCount int

	// DelayFramesCount is how many frames ahead of "now" local input slots
	// are pre-allocated, letting local input be produced before it is
	// simulated. Must be >= 0.
	DelayFramesCount int

	// InputLeniencyFramesCount is how many frames after a remote player's
	// join frame the scheduler tolerates missing input from that player;
	// past that point any missing input for the next frame starves.
	InputLeniencyFramesCount int

	// StallTimerDuration bounds how long the scheduler will hold
	// StallAdvantage. Once it is used up the scheduler stops stalling and
	// goes on to the starvation check and the advance; it does not switch
	// to another outcome. The budget is refilled only once the frame
	// advantage drops back within the threshold.
	StallTimerDuration fixedpoint.Fixed

	// StarveTimerDuration bounds how long the scheduler will hold
	// StarvedForInput before escalating to the Fatal outcome, matching
	// spec §7's "recoverable warning then, if persistent, fatal disconnect
	// signal" and §8's scenario configuration, which names this as a
	// budget distinct from StallTimerDuration even though both default to
	// the same value.
	StarveTimerDuration fixedpoint.Fixed

	// DoubleSimulationTimerDuration is carried in the configuration but not
	// read by the scheduler: DoubleSimulation is granted whenever
	// AllowDoubleSimulation is set and two frames of delta have
	// accumulated, with no time limit.
	DoubleSimulationTimerDuration fixedpoint.Fixed

	// AllowDoubleSimulation enables consuming two frames in a single tick
	// when the accumulator has built up enough delta.
	AllowDoubleSimulation bool

	// ForcedMaxRollback, when set, makes every rollback restore from the
	// oldest frame of the window (current-MinRollbackFrameCount) instead of
	// the most recent clean frame before the dirty one, trading CPU for
	// uniform latency. It does not start a rollback by itself: a rollback
	// still runs only when a dirty frame or a checksum mismatch is found.
	ForcedMaxRollback bool
}

// Default returns production-safe defaults matching the six end-to-end
// scenarios in spec.md §8.
func Default() Config {
	return Config{
		FrameDuration:                 fixedpoint.FromFloat32(0.016667),
		MinRollbackFrameCount:         4,
		DelayFramesCount:              1,
		InputLeniencyFramesCount:      0,
		StallTimerDuration:            fixedpoint.FromFloat32(0.016),
		StarveTimerDuration:           fixedpoint.FromFloat32(0.016),
		DoubleSimulationTimerDuration: fixedpoint.FromFloat32(0.016),
		AllowDoubleSimulation:         false,
		ForcedMaxRollback:             false,
	}
}

// WindowCapacity returns the number of frame slots the input store must
// hold: [current-rollback, current+delay].
func (c Config) WindowCapacity() int {
	return c.MinRollbackFrameCount + c.DelayFramesCount + 1
}

// SaveCapacity returns the number of frame slots the save-state store must
// hold: [current-rollback, current].
func (c Config) SaveCapacity() int {
	return c.MinRollbackFrameCount + 1
}
