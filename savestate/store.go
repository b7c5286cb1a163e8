// Package savestate implements the per-(System, Entity) ring buffer of
// serialized state snapshots (spec §3's SaveState, §4.4, §4.5's step 3).
package savestate

import (
	"github.com/pkg/errors"

	"github.com/lixenwraith/rollback/frame"
)

// Serializer converts one entity's user state to and from an opaque byte
// buffer. It is the StateSerializer half of spec §3's RollbackableComponent;
// the activation/simulation halves live in package component.
type Serializer interface {
	OnSerialize() ([]byte, error)
	OnDeserialize([]byte) error
}

// slot holds one frame's snapshot plus the generation it was written
// under, so a stale slot surviving a force_reset_and_cleanup can never be
// mistaken for a live one after the ring is reused (SPEC_FULL.md §D).
type slot struct {
	valid      bool
	generation uint32
	frameNo    frame.Index
	bytes      []byte
	checksum   uint16
}

// Store is a fixed-capacity ring of SaveStates for a single Entity. The
// System owns one Store per active Entity; capacity is
// config.Config.SaveCapacity() frames, per spec §3's invariant 2.
type Store struct {
	slots      []slot
	generation uint32
}

// NewStore allocates a Store with room for capacity frames.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{slots: make([]slot, capacity)}
}

// Reset drops every snapshot and bumps the generation counter, so that any
// slot written before the reset reads as missing even though the
// underlying array is reused. Mirrors force_reset_and_cleanup (spec §3's
// Lifecycle).
func (s *Store) Reset() {
	s.generation++
	for i := range s.slots {
		s.slots[i] = slot{}
	}
}

func (s *Store) index(f frame.Index) int {
	return int(uint16(f)) % len(s.slots)
}

// Save invokes ser.OnSerialize, computes the frame's checksum, and stores
// both at frame f, overwriting whatever previously occupied that ring slot.
// Per spec §4.4's contract, checksum_at(f) is non-zero immediately after
// Save returns successfully.
func (s *Store) Save(f frame.Index, ser Serializer) (uint16, error) {
	bytes, err := ser.OnSerialize()
	if err != nil {
		return 0, errors.Wrap(err, "savestate: serialize")
	}

	checksum := Checksum(bytes)
	s.slots[s.index(f)] = slot{
		valid:      true,
		generation: s.generation,
		frameNo:    f,
		bytes:      bytes,
		checksum:   checksum,
	}
	return checksum, nil
}

// Restore deserializes the snapshot at frame f into ser. It fails if no
// snapshot for f is currently held (evicted, never written, or from a
// generation before the last Reset).
func (s *Store) Restore(f frame.Index, ser Serializer) error {
	sl := s.slots[s.index(f)]
	if !sl.valid || sl.generation != s.generation || sl.frameNo != f {
		return errors.Errorf("savestate: no snapshot at frame %d", uint16(f))
	}
	if err := ser.OnDeserialize(sl.bytes); err != nil {
		return errors.Wrap(err, "savestate: deserialize")
	}
	return nil
}

// ChecksumAt returns the checksum stored for frame f, or 0 if no snapshot
// is held there - 0 is never a real checksum (see Checksum), so it
// doubles as the store's "missing" sentinel.
func (s *Store) ChecksumAt(f frame.Index) uint16 {
	sl := s.slots[s.index(f)]
	if !sl.valid || sl.generation != s.generation || sl.frameNo != f {
		return 0
	}
	return sl.checksum
}

// Has reports whether a snapshot is currently held for frame f.
func (s *Store) Has(f frame.Index) bool {
	sl := s.slots[s.index(f)]
	return sl.valid && sl.generation == s.generation && sl.frameNo == f
}

// Bytes returns the raw serialized snapshot stored at frame f, without
// invoking OnDeserialize, so a System can fold several entities' bytes
// into one System-wide checksum without re-serializing (spec §3's
// Checksum: "computed over the concatenation of all active components'
// serialized snapshots for a frame").
func (s *Store) Bytes(f frame.Index) ([]byte, bool) {
	sl := s.slots[s.index(f)]
	if !sl.valid || sl.generation != s.generation || sl.frameNo != f {
		return nil, false
	}
	return sl.bytes, true
}
