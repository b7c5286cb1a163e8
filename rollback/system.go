package rollback

import (
	"github.com/pkg/errors"

	"github.com/lixenwraith/rollback/activation"
	"github.com/lixenwraith/rollback/component"
	"github.com/lixenwraith/rollback/config"
	"github.com/lixenwraith/rollback/constant"
	"github.com/lixenwraith/rollback/fixedpoint"
	"github.com/lixenwraith/rollback/frame"
	"github.com/lixenwraith/rollback/frameinput"
	"github.com/lixenwraith/rollback/packet"
	"github.com/lixenwraith/rollback/savestate"
	"github.com/lixenwraith/rollback/tokenset"
)

// System is one host's rollback engine instance, identified by a
// SystemIndex (spec §2). Everything it touches is private; the only
// process-wide state is the registry in package multiton that owns
// Systems by index.
type System struct {
	Index constant.SystemIndex
	cfg   config.Config

	started bool
	current frame.Index
	fatal   error

	players     map[uint16]*PlayerIdentity
	inputStores map[uint16]*frameinput.Store

	handles    []component.Handle
	saveStores map[frame.Entity]*savestate.Store

	activationLog *activation.Log

	// checksumLog is a longer-lived ring of just the System-wide checksum
	// per frame (no snapshot bytes), sized well past the rollback window
	// so a remote packet's anchor_checksum can still be cross-checked
	// against a frame the savestate ring has already evicted (spec §4.6's
	// first rollback trigger, and scenario 6's "frame 5 is outside the
	// window"). checksumDirtyFrom/Valid is the System-wide counterpart to
	// each frameinput.Store's own dirty marker.
	checksumLog        []checksumRecord
	checksumGeneration uint32
	checksumDirtyFrom  frame.Index
	checksumDirtyValid bool

	tickAccumulator fixedpoint.Fixed
	stallElapsed    fixedpoint.Fixed
	starveElapsed   fixedpoint.Fixed

	// lastRolledBack is the clean frame the most recent rollback restored
	// from, or the start frame given to SyncWithRemoteFrameIndex if no
	// rollback has happened since; it is not advanced along with current.
	lastRolledBack frame.Index

	// pings holds per-remote-player round-trip observability (SPEC_FULL.md
	// §D.2); never read by the scheduler or controller.
	pings map[uint16]*Ping

	// lastLocalInputSet and lastInputChangeFrame back Idle (SPEC_FULL.md
	// §D.3): idle detection, also pure observability.
	lastLocalInputSet    map[uint16]tokenset.Set
	lastInputChangeFrame frame.Index
}

// idleFrameThreshold is how many consecutive frames of unchanged local
// input must elapse before Idle reports true - two seconds at the
// scenario configuration's 60Hz frame rate.
const idleFrameThreshold = 120

// checksumRecord is one generation-tagged slot of checksumLog, mirroring
// the tagged-slot pattern savestate.slot and frameinput.slotEntry both
// use to detect stale ring reuse after a reset.
type checksumRecord struct {
	valid      bool
	generation uint32
	frameNo    frame.Index
	checksum   uint16
}

// checksumHistoryFactor multiplies SaveCapacity() to size checksumLog:
// checksums are two bytes each, so keeping several times the save-state
// window's worth of them around to verify a late or malicious packet
// against is cheap even though the snapshot bytes themselves are long
// gone.
const checksumHistoryFactor = 6

// Idle reports whether every local player's input has been unchanged for
// at least idleFrameThreshold frames (SPEC_FULL.md §D.3). It has no
// bearing on scheduling; a demo uses it only to dim its display.
func (s *System) Idle() bool {
	return frame.Delta(s.current, s.lastInputChangeFrame) >= idleFrameThreshold
}

// New creates an idle System for index, configured by cfg. It does not
// start simulating until SyncWithRemoteFrameIndex is called (spec §3's
// Lifecycle).
func New(index constant.SystemIndex, cfg config.Config) *System {
	return &System{
		Index:             index,
		cfg:               cfg,
		players:           make(map[uint16]*PlayerIdentity),
		inputStores:       make(map[uint16]*frameinput.Store),
		saveStores:        make(map[frame.Entity]*savestate.Store),
		activationLog:     activation.NewLog(),
		checksumLog:       make([]checksumRecord, cfg.SaveCapacity()*checksumHistoryFactor),
		pings:             make(map[uint16]*Ping),
		lastLocalInputSet: make(map[uint16]tokenset.Set),
	}
}

// SyncWithRemoteFrameIndex seeds current_frame and primes every store
// (spec §3's Lifecycle, §6's sync_with_remote_frame_index).
func (s *System) SyncWithRemoteFrameIndex(start frame.Index) {
	s.started = true
	s.current = start
	s.lastRolledBack = start
	s.lastInputChangeFrame = start
	s.tickAccumulator = fixedpoint.Zero
	s.stallElapsed = fixedpoint.Zero
	s.starveElapsed = fixedpoint.Zero
	s.checksumGeneration++
	s.checksumDirtyValid = false

	for _, store := range s.inputStores {
		store.SyncWithCurrent(start)
	}
	for _, store := range s.saveStores {
		store.Reset()
	}
}

// ForceResetAndCleanup drops every ring, every registration, and every
// player, returning the System to idle (spec §3's Lifecycle, §6's
// force_reset_and_cleanup). It is the only way out of the Fatal outcome.
func (s *System) ForceResetAndCleanup() {
	for _, h := range s.handles {
		if lc := h.Lifecycle(); lc != nil {
			lc.ResetAndCleanup()
		}
	}

	s.started = false
	s.fatal = nil
	s.current = 0
	s.players = make(map[uint16]*PlayerIdentity)
	s.inputStores = make(map[uint16]*frameinput.Store)
	s.saveStores = make(map[frame.Entity]*savestate.Store)
	s.handles = nil
	s.activationLog = activation.NewLog()
	s.tickAccumulator = fixedpoint.Zero
	s.stallElapsed = fixedpoint.Zero
	s.starveElapsed = fixedpoint.Zero
	s.pings = make(map[uint16]*Ping)
	s.lastLocalInputSet = make(map[uint16]tokenset.Set)
	s.lastInputChangeFrame = 0
	s.checksumLog = make([]checksumRecord, s.cfg.SaveCapacity()*checksumHistoryFactor)
	s.checksumGeneration++
	s.checksumDirtyValid = false
}

// RegisterPlayer introduces a PlayerIdentity to the System and allocates
// its input-store window. Must be called before the player's join_frame
// is reached by the tick scheduler.
func (s *System) RegisterPlayer(p PlayerIdentity) {
	s.players[p.ID] = &p
	s.inputStores[p.ID] = frameinput.NewStore(s.cfg.MinRollbackFrameCount, s.cfg.DelayFramesCount)
	s.inputStores[p.ID].SyncWithCurrent(s.current)
}

// RegisterEmulator attaches an InputEmulator handle for entity, in
// registration order (spec §4.8's deterministic dispatch order).
func (s *System) RegisterEmulator(entity frame.Entity, e component.InputEmulator) {
	s.handles = append(s.handles, component.NewEmulatorHandle(entity, e))
}

// RegisterSerializer attaches a StateSerializer handle for entity and
// allocates its save-state ring.
func (s *System) RegisterSerializer(entity frame.Entity, ser component.StateSerializer) {
	s.handles = append(s.handles, component.NewSerializerHandle(entity, ser))
	s.saveStores[entity] = savestate.NewStore(s.cfg.SaveCapacity())
}

// RegisterSimulator attaches a Simulator handle for entity.
func (s *System) RegisterSimulator(entity frame.Entity, sim component.Simulator) {
	s.handles = append(s.handles, component.NewSimulatorHandle(entity, sim))
}

// ChangeActivationNow queues an activation effective after the delay
// window (spec §4.5).
func (s *System) ChangeActivationNow(owner frame.Entity, typ activation.Type) activation.Classifier {
	_, class := activation.ChangeActivationNow(s.activationLog, s.current, s.cfg.DelayFramesCount, owner, typ)
	return class
}

// ChangeActivationInPast queues an activation effective at frame at,
// which must lie within the rollback window (spec §4.5).
func (s *System) ChangeActivationInPast(owner frame.Entity, typ activation.Type, at frame.Index) activation.Classifier {
	_, class := activation.ChangeActivationInPast(s.activationLog, s.current, s.cfg.MinRollbackFrameCount, owner, typ, at)
	return class
}

// DownloadRemotePlayerBinary decodes a wire packet and merges it into the
// originating player's input store (spec §6).
func (s *System) DownloadRemotePlayerBinary(data []byte) DownloadResult {
	p, err := packet.DecodeBytes(data)
	if err != nil {
		return DownloadMalformed
	}

	s.checkAnchorAgainstHistory(frame.Index(p.AnchorFrame), p.AnchorChecksum)

	store, ok := s.inputStores[p.PlayerID]
	if !ok {
		return DownloadOutOfWindow
	}

	switch store.ApplyRemotePacket(p) {
	case frameinput.Success:
		return DownloadSuccess
	case frameinput.Stale:
		return DownloadStale
	default:
		return DownloadOutOfWindow
	}
}

// UploadInputsFromRemoteStartFrameIndex builds one outgoing packet per
// local player covering [from, current+delay], for transmission to
// remotes (spec §6).
func (s *System) UploadInputsFromRemoteStartFrameIndex(from frame.Index) (UploadResult, [][]byte) {
	anchor := frame.Index(uint16(s.current) + uint16(s.cfg.DelayFramesCount))
	count := frame.Delta(anchor, from) + 1
	if count <= 0 {
		return UploadNotReady, nil
	}

	var out [][]byte
	for id, p := range s.players {
		if !p.Local {
			continue
		}
		store := s.inputStores[id]
		frames := make([]tokenset.Set, 0, count)
		for i := int32(0); i < count; i++ {
			f := frame.Index(uint16(from) + uint16(i))
			set, _ := store.Get(f)
			frames = append(frames, set)
		}

		anchorChecksum := s.ChecksumAt(anchor)
		pkt := packet.New(id, uint16(anchor), anchorChecksum, frames)
		data, err := pkt.EncodeBytes()
		if err != nil {
			continue
		}
		out = append(out, data)
	}

	if out == nil {
		return UploadNotReady, nil
	}
	return UploadSuccess, out
}

// ChecksumAt returns the System-wide checksum at frame f: the mixed
// digest over the concatenation of every active entity's serialized
// snapshot at f, in registration order (spec §3's Checksum, §6's
// compute_checksum).
func (s *System) ChecksumAt(f frame.Index) uint16 {
	var concat []byte
	for _, h := range s.handles {
		if h.Kind != component.KindStateSerializer {
			continue
		}
		store, ok := s.saveStores[h.Entity]
		if !ok {
			continue
		}
		b, ok := store.Bytes(f)
		if !ok {
			continue
		}
		concat = append(concat, b...)
	}
	return savestate.Checksum(concat)
}

// recordChecksum stores the System-wide checksum at f into the
// long-lived checksum ledger, called once per frame right after saveAll
// so history remains available long after the save-state ring itself has
// recycled the bytes for f (spec §8 scenario 6's "frame is outside the
// window" case).
func (s *System) recordChecksum(f frame.Index) {
	if len(s.checksumLog) == 0 {
		return
	}
	idx := int(uint16(f)) % len(s.checksumLog)
	s.checksumLog[idx] = checksumRecord{
		valid:      true,
		generation: s.checksumGeneration,
		frameNo:    f,
		checksum:   s.ChecksumAt(f),
	}
}

// checksumHistoryAt returns the ledger's recorded checksum for f, or false
// if f was never recorded in the current generation or has since been
// overwritten by a newer frame reusing the same ring slot.
func (s *System) checksumHistoryAt(f frame.Index) (uint16, bool) {
	if len(s.checksumLog) == 0 {
		return 0, false
	}
	rec := s.checksumLog[int(uint16(f))%len(s.checksumLog)]
	if !rec.valid || rec.generation != s.checksumGeneration || rec.frameNo != f {
		return 0, false
	}
	return rec.checksum, true
}

// checkAnchorAgainstHistory implements spec §4.6's second, independent
// rollback trigger: a remote packet whose anchor_checksum disagrees with
// the local checksum_at(anchor_frame), evaluated at packet-acceptance
// time against the long-lived ledger rather than the much narrower
// save-state window, so a dispute over a frame already evicted from the
// rollback window is still caught. A disagreement on a frame that can no
// longer be reached by any rollback is unrecoverable; one still inside
// the window is folded into oldestDirtyFrame alongside the per-player
// input-mutation trigger.
func (s *System) checkAnchorAgainstHistory(anchor frame.Index, reported uint16) {
	local, ok := s.checksumHistoryAt(anchor)
	if !ok || local == reported {
		return
	}

	oldest := frame.Index(uint16(s.current) - uint16(s.cfg.MinRollbackFrameCount))
	if frame.Before(anchor, oldest) {
		s.fail(ErrUnrecoverableDivergence)
		return
	}

	if !s.checksumDirtyValid || frame.Before(anchor, s.checksumDirtyFrom) {
		s.checksumDirtyFrom = anchor
		s.checksumDirtyValid = true
	}
}

// CurrentFrame returns the System's current simulation frame.
func (s *System) CurrentFrame() frame.Index {
	return s.current
}

// IsFatal returns the error the System is latched on in its terminal
// error state (an UnrecoverableDivergence, an exceeded starvation budget,
// or a failed save or restore), or nil if it is not latched.
func (s *System) IsFatal() error {
	return s.fatal
}

func (s *System) fail(err error) {
	s.fatal = errors.Wrap(err, "rollback: system latched fatal")
}
