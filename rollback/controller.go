package rollback

import (
	"github.com/lixenwraith/rollback/activation"
	"github.com/lixenwraith/rollback/component"
	"github.com/lixenwraith/rollback/frame"
)

// performRollback runs the rollback procedure anchored at the oldest
// dirty frame D (spec §4.6). It selects the most recent clean frame C < D,
// undoes activations in (C, D] in reverse order, restores state at C, and
// re-simulates forward to current using the now-authoritative inputs.
func (s *System) performRollback(dirty frame.Index) error {
	clean, ok := s.findCleanFrameBefore(dirty)
	if !ok {
		return ErrUnrecoverableDivergence
	}

	if s.cfg.ForcedMaxRollback {
		forced := frame.Index(uint16(s.current) - uint16(s.cfg.MinRollbackFrameCount))
		if frame.Before(forced, clean) {
			clean = forced
		}
	}

	for _, rec := range reverseRecords(s.activationLog.InRange(clean, dirty)) {
		for _, h := range s.handles {
			if h.Entity != rec.Owner {
				continue
			}
			if lc := h.Lifecycle(); lc != nil {
				lc.OnRollActivationChangeBack(rec.Frame)
			}
		}
	}

	for _, h := range s.handles {
		if h.Kind != component.KindStateSerializer {
			continue
		}
		store, ok := s.saveStores[h.Entity]
		if !ok {
			continue
		}
		if err := store.Restore(clean, h.Serializer); err != nil {
			return err
		}
	}

	s.lastRolledBack = clean

	for f := frame.Index(uint16(clean) + 1); ; f = frame.Index(uint16(f) + 1) {
		s.fireActivationsAt(f)

		inputs := s.collectInputs(f)
		for _, h := range s.handles {
			if h.Kind == component.KindSimulator {
				h.Sim.OnSimulateFrame(f, inputs)
			}
		}
		s.dispatchSimulateTick(s.cfg.FrameDuration)

		if err := s.saveAll(f); err != nil {
			return err
		}
		s.recordChecksum(f)

		if f == s.current {
			break
		}
	}

	return nil
}

// findCleanFrameBefore walks backward from before, within the rollback
// window, for the most recent frame where every remote-reported checksum
// agrees with the local checksum (spec §4.6 step 1).
func (s *System) findCleanFrameBefore(before frame.Index) (frame.Index, bool) {
	oldest := frame.Index(uint16(s.current) - uint16(s.cfg.MinRollbackFrameCount))
	if !frame.After(before, oldest) {
		return 0, false
	}

	for f := frame.Index(uint16(before) - 1); ; f = frame.Index(uint16(f) - 1) {
		if s.isClean(f) {
			return f, true
		}
		if f == oldest {
			return 0, false
		}
	}
}

func (s *System) isClean(f frame.Index) bool {
	local := s.ChecksumAt(f)
	if local == 0 {
		return false
	}
	for _, store := range s.inputStores {
		if remote := store.RemoteChecksumAt(f); remote != 0 && remote != local {
			return false
		}
	}
	return true
}

// reverseRecords returns records in reverse order, for the
// OnRollActivationChangeBack pass which must undo the newest activation
// first.
func reverseRecords(records []activation.Record) []activation.Record {
	out := make([]activation.Record, len(records))
	for i, r := range records {
		out[len(records)-1-i] = r
	}
	return out
}
