package rollback

import (
	"github.com/lixenwraith/rollback/activation"
	"github.com/lixenwraith/rollback/component"
	"github.com/lixenwraith/rollback/fixedpoint"
	"github.com/lixenwraith/rollback/frame"
	"github.com/lixenwraith/rollback/tokenset"
)

// stallThresholdFrames decides how far ahead of the slowest remote the
// local System is allowed to run before it deliberately stalls (spec
// §4.7 step 3's "stall_threshold_frames"). The configuration surface
// (spec §6) names no such field, so this resolves that silence: one
// frame beyond the delay window is the smallest threshold that does not
// trip on the prediction window itself, since local legitimately runs
// delay_frames_count frames ahead of what it has heard back from remotes.
func (s *System) stallThresholdFrames() int32 {
	return int32(s.cfg.DelayFramesCount) + 1
}

// TryTickingToNextFrame is the scheduler's single entry point (spec
// §4.7): integrates delta, then returns exactly one Outcome per the fixed
// decision order.
func (s *System) TryTickingToNextFrame(delta fixedpoint.Fixed) Outcome {
	if s.fatal != nil {
		return Fatal
	}
	if !s.hasActiveEmulator() {
		return NoActiveEmulator
	}

	s.tickAccumulator = fixedpoint.Add(s.tickAccumulator, delta)

	if fixedpoint.Less(s.tickAccumulator, s.cfg.FrameDuration) {
		s.dispatchSimulateTick(delta)
		s.dispatchLifecycle(func(lc component.Lifecycle) { lc.OnStayCurrentFrame() })
		return StayCurrent
	}

	if advantage, ok := s.frameAdvantage(); ok && advantage > s.stallThresholdFrames() {
		if fixedpoint.Less(s.stallElapsed, s.cfg.StallTimerDuration) {
			s.stallElapsed = fixedpoint.Add(s.stallElapsed, delta)
			s.dispatchLifecycle(func(lc component.Lifecycle) { lc.OnStallAdvantageFrame() })
			return StallAdvantage
		}
	} else {
		s.stallElapsed = fixedpoint.Zero
	}

	next := frame.Index(uint16(s.current) + 1)
	if s.requiredRemoteMissing(next) {
		if fixedpoint.Less(s.starveElapsed, s.cfg.StarveTimerDuration) {
			s.starveElapsed = fixedpoint.Add(s.starveElapsed, delta)
			s.dispatchLifecycle(func(lc component.Lifecycle) { lc.OnStarvedForInputFrame() })
			return StarvedForInput
		}
		s.fail(ErrStarvationExceeded)
		return Fatal
	}
	s.starveElapsed = fixedpoint.Zero

	twice := fixedpoint.Scale(s.cfg.FrameDuration, 2)
	if s.cfg.AllowDoubleSimulation && !fixedpoint.Less(s.tickAccumulator, twice) {
		if err := s.advanceOneFrame(); err != nil {
			s.fail(err)
			return Fatal
		}
		if err := s.advanceOneFrame(); err != nil {
			s.fail(err)
			return Fatal
		}
		s.tickAccumulator = fixedpoint.Sub(s.tickAccumulator, twice)
		return DoubleSimulation
	}

	if err := s.advanceOneFrame(); err != nil {
		s.fail(err)
		return Fatal
	}
	s.tickAccumulator = fixedpoint.Sub(s.tickAccumulator, s.cfg.FrameDuration)
	return ToNext
}

func (s *System) hasActiveEmulator() bool {
	for _, h := range s.handles {
		if h.Kind == component.KindInputEmulator {
			return true
		}
	}
	return false
}

// frameAdvantage returns how many frames ahead of the slowest remote's
// last-reported progress the local System currently is.
func (s *System) frameAdvantage() (int32, bool) {
	min, any := int32(0), false
	for id, p := range s.players {
		if p.Local {
			continue
		}
		anchor, ok := s.inputStores[id].LastAnchor()
		if !ok {
			continue
		}
		d := frame.Delta(s.current, anchor)
		if !any || d > min {
			min = d
			any = true
		}
	}
	return min, any
}

// requiredRemoteMissing reports whether any remote player whose
// join_frame has already been reached lacks authoritative input for f,
// beyond the configured leniency grace (spec §4.7 step 4).
func (s *System) requiredRemoteMissing(f frame.Index) bool {
	for id, p := range s.players {
		if p.Local || frame.After(p.JoinFrame, f) {
			continue
		}
		if _, ok := s.inputStores[id].Get(f); !ok {
			leniencyBoundary := frame.Index(uint16(p.JoinFrame) + uint16(s.cfg.InputLeniencyFramesCount))
			if !frame.After(f, leniencyBoundary) {
				continue
			}
			return true
		}
	}
	return false
}

func (s *System) dispatchLifecycle(fn func(component.Lifecycle)) {
	for _, h := range s.handles {
		if lc := h.Lifecycle(); lc != nil {
			fn(lc)
		}
	}
}

func (s *System) dispatchSimulateTick(delta fixedpoint.Fixed) {
	for _, h := range s.handles {
		if h.Kind == component.KindSimulator {
			h.Sim.OnSimulateTick(delta)
		}
	}
}

// advanceOneFrame performs the full per-frame dispatch order of spec §5
// for the next frame: activation events scheduled there, local input
// poll, simulate, a full-duration tick, serialize/save, upload
// notification, and finally OnToNextFrame.
func (s *System) advanceOneFrame() error {
	next := frame.Index(uint16(s.current) + 1)

	s.fireActivationsAt(next)
	s.pollLocalInputs(next)

	inputs := s.collectInputs(next)
	for _, h := range s.handles {
		if h.Kind == component.KindSimulator {
			h.Sim.OnSimulateFrame(next, inputs)
		}
	}
	s.dispatchSimulateTick(s.cfg.FrameDuration)

	if err := s.saveAll(next); err != nil {
		return err
	}
	s.recordChecksum(next)

	s.notifyReadyToUpload()

	s.current = next
	for _, store := range s.inputStores {
		store.AdvanceCurrent(next)
	}
	s.pruneWindow()

	s.dispatchLifecycle(func(lc component.Lifecycle) { lc.OnToNextFrame() })

	if dirtyFrame, ok := s.oldestDirtyFrame(); ok {
		return s.performRollback(dirtyFrame)
	}
	return nil
}

func (s *System) fireActivationsAt(f frame.Index) {
	for _, rec := range s.activationLog.At(f) {
		for _, h := range s.handles {
			if h.Entity != rec.Owner {
				continue
			}
			if lc := h.Lifecycle(); lc != nil {
				lc.OnActivationChange(rec.Type == activation.Activate, f)
			}
		}
	}
}

func (s *System) pollLocalInputs(f frame.Index) {
	for id, p := range s.players {
		if !p.Local {
			continue
		}
		for _, h := range s.handles {
			if h.Kind != component.KindInputEmulator || h.Entity != frame.Entity(id) {
				continue
			}
			set := h.Emulator.OnPollLocalInputs()
			s.inputStores[id].SetLocal(f, set)

			if prev, ok := s.lastLocalInputSet[id]; !ok || !prev.Equal(set) {
				s.lastInputChangeFrame = f
			}
			s.lastLocalInputSet[id] = set
		}
	}
}

func (s *System) collectInputs(f frame.Index) map[uint16]tokenset.Set {
	out := make(map[uint16]tokenset.Set, len(s.inputStores))
	for id, store := range s.inputStores {
		if set, ok := store.Get(f); ok {
			out[id] = set
		}
	}
	return out
}

func (s *System) saveAll(f frame.Index) error {
	for _, h := range s.handles {
		if h.Kind != component.KindStateSerializer {
			continue
		}
		store, ok := s.saveStores[h.Entity]
		if !ok {
			continue
		}
		if _, err := store.Save(f, h.Serializer); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) notifyReadyToUpload() {
	for _, h := range s.handles {
		if h.Kind == component.KindInputEmulator {
			h.Emulator.OnReadyToUpload()
		}
	}
}

func (s *System) pruneWindow() {
	oldest := frame.Index(uint16(s.current) - uint16(s.cfg.MinRollbackFrameCount))
	s.activationLog.Prune(oldest)
}

// oldestDirtyFrame folds together both of spec §4.6's independent rollback
// triggers: a per-player input slot that was corrected by a remote packet
// (tracked per frameinput.Store), and a System-wide checksum mismatch
// reported against a still-reachable frame (tracked by checkAnchorAgainstHistory).
func (s *System) oldestDirtyFrame() (frame.Index, bool) {
	var oldest frame.Index
	found := false
	for _, store := range s.inputStores {
		f, dirty := store.IsDirty()
		if !dirty {
			continue
		}
		if !found || frame.Before(f, oldest) {
			oldest = f
			found = true
		}
		store.ClearDirty()
	}
	if s.checksumDirtyValid {
		if !found || frame.Before(s.checksumDirtyFrom, oldest) {
			oldest = s.checksumDirtyFrom
			found = true
		}
		s.checksumDirtyValid = false
	}
	return oldest, found
}
