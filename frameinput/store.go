// Package frameinput implements the per-(System, Player) frame-indexed
// input ring (spec §4.3): the window of local and remote InputTokenSets a
// System keeps around for prediction and rollback.
package frameinput

import (
	"github.com/lixenwraith/rollback/frame"
	"github.com/lixenwraith/rollback/packet"
	"github.com/lixenwraith/rollback/tokenset"
)

// Result classifies the outcome of ApplyRemotePacket, mirroring the
// {Success, Stale, OutOfWindow} return spec §4.3 specifies.
type Result int

const (
	Success Result = iota
	Stale
	OutOfWindow
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case Stale:
		return "Stale"
	case OutOfWindow:
		return "OutOfWindow"
	default:
		return "Unknown"
	}
}

type slotEntry struct {
	valid      bool
	generation uint32
	frameNo    frame.Index
	set        tokenset.Set
	remote     bool
}

// Store is a fixed-capacity ring of InputTokenSets for a single Player.
// Capacity is config.Config.WindowCapacity() frames, per spec §4.3.
type Store struct {
	slots        []slotEntry
	generation   uint32
	current      frame.Index
	delay        int
	rollback     int
	storedAnchor frame.Index
	anchorValid  bool
	checksums    map[frame.Index]uint16
	dirtyFrom    frame.Index
	dirtyValid   bool
}

// NewStore allocates a Store sized for the given rollback window and
// delay, matching config.Config.WindowCapacity().
func NewStore(rollback, delay int) *Store {
	capacity := rollback + delay + 1
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		slots:     make([]slotEntry, capacity),
		delay:     delay,
		rollback:  rollback,
		checksums: make(map[frame.Index]uint16),
	}
}

func (s *Store) index(f frame.Index) int {
	return int(uint16(f)) % len(s.slots)
}

// SyncWithCurrent resets the window around a newly-established current
// frame, as called by System.sync_with_remote_frame_index (spec §3's
// Lifecycle).
func (s *Store) SyncWithCurrent(current frame.Index) {
	s.generation++
	s.current = current
	for i := range s.slots {
		s.slots[i] = slotEntry{}
	}
	s.checksums = make(map[frame.Index]uint16)
	s.anchorValid = false
	s.dirtyValid = false
}

// AdvanceCurrent moves the window forward to a new current frame without
// clearing history, called once per ToNext/DoubleSimulation outcome.
func (s *Store) AdvanceCurrent(current frame.Index) {
	s.current = current
}

func (s *Store) inWindow(f frame.Index) bool {
	lo := frame.Index(uint16(s.current) - uint16(s.rollback))
	hi := frame.Index(uint16(s.current) + uint16(s.delay))
	return frame.InWindow(f, lo, hi)
}

// SetLocal writes the local player's input for frame, which must lie in
// [current+1, current+delay]. Returns OutOfWindow otherwise.
func (s *Store) SetLocal(f frame.Index, set tokenset.Set) Result {
	lo := frame.Index(uint16(s.current) + 1)
	hi := frame.Index(uint16(s.current) + uint16(s.delay))
	if !frame.InWindow(f, lo, hi) {
		return OutOfWindow
	}
	s.slots[s.index(f)] = slotEntry{valid: true, generation: s.generation, frameNo: f, set: set, remote: false}
	return Success
}

// ApplyRemotePacket merges a decoded remote packet into the window. Frames
// outside [current-rollback, current+delay] are ignored entirely; if the
// packet's anchor is not newer than the last accepted anchor for this
// player, the whole packet is discarded as Stale (spec §4.3's tie-break).
//
// A frame already consumed by simulation (f <= current) is marked dirty
// whenever the authoritative value this packet carries differs from
// whatever the scheduler actually simulated it with - that includes a
// slot that was never written before, since an unwritten slot reads as
// the zero InputTokenSet at simulate time (spec §4.6's rollback trigger:
// "whose inputs mutate a previously predicted frame's slot"). A future
// frame (f > current) is never marked dirty; it hasn't been simulated yet,
// so there is nothing to correct.
func (s *Store) ApplyRemotePacket(p *packet.Packet) Result {
	anchor := frame.Index(p.AnchorFrame)

	if !s.inWindow(anchor) {
		return OutOfWindow
	}

	if s.anchorValid && !frame.After(anchor, s.storedAnchor) {
		return Stale
	}

	oldest := frame.Index(uint16(anchor) - uint16(p.FrameCount) + 1)
	for i, set := range p.Frames {
		f := frame.Index(uint16(oldest) + uint16(i))
		lo := frame.Index(uint16(s.current) - uint16(s.rollback))
		hi := frame.Index(uint16(s.current) + uint16(s.delay))
		if !frame.InWindow(f, lo, hi) {
			continue
		}

		idx := s.index(f)
		prev := s.slots[idx]
		hadPrior := prev.valid && prev.generation == s.generation && prev.frameNo == f
		changed := !hadPrior && !set.Empty() || hadPrior && !prev.set.Equal(set)
		if changed && !frame.After(f, s.current) {
			if !s.dirtyValid || frame.Before(f, s.dirtyFrom) {
				s.dirtyFrom = f
				s.dirtyValid = true
			}
		}
		s.slots[idx] = slotEntry{valid: true, generation: s.generation, frameNo: f, set: set, remote: true}
	}

	s.storedAnchor = anchor
	s.anchorValid = true
	s.checksums[anchor] = p.AnchorChecksum

	return Success
}

// Get returns the set stored for frame f and true, or the zero set and
// false if nothing has been authoritatively written there yet.
func (s *Store) Get(f frame.Index) (tokenset.Set, bool) {
	sl := s.slots[s.index(f)]
	if !sl.valid || sl.generation != s.generation || sl.frameNo != f {
		return tokenset.Set{}, false
	}
	return sl.set, true
}

// LastAnchor returns the anchor frame of the most recently accepted
// remote packet, used by the scheduler as a proxy for "how far has this
// remote progressed" when computing frame advantage (spec §4.7 step 3).
func (s *Store) LastAnchor() (frame.Index, bool) {
	return s.storedAnchor, s.anchorValid
}

// RemoteChecksumAt returns the anchor_checksum reported for frame f by the
// most recently accepted packet whose anchor was f, or 0 if none.
func (s *Store) RemoteChecksumAt(f frame.Index) uint16 {
	return s.checksums[f]
}

// IsDirty reports whether a remote overwrite has marked any frame in the
// window dirty since the last ClearDirty, and if so returns the oldest
// such frame (spec §4.6's rollback trigger).
func (s *Store) IsDirty() (frame.Index, bool) {
	return s.dirtyFrom, s.dirtyValid
}

// ClearDirty resets the dirty marker, called once the rollback controller
// has acted on it.
func (s *Store) ClearDirty() {
	s.dirtyValid = false
}
