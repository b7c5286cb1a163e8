package rollback

import (
	"testing"

	"github.com/lixenwraith/rollback/activation"
	"github.com/lixenwraith/rollback/config"
	"github.com/lixenwraith/rollback/fixedpoint"
	"github.com/lixenwraith/rollback/frame"
	"github.com/lixenwraith/rollback/tokenset"
)

// counterEntity is a StateSerializer+Simulator whose state is a single
// byte: the running count of frames on which token 5 was present for
// watchID's player. It lets tests assert re-simulation actually used the
// corrected inputs rather than the stale prediction.
type counterEntity struct {
	watchID uint16
	count   byte
}

func (c *counterEntity) OnActivationChange(active bool, at frame.Index)    {}
func (c *counterEntity) OnRollActivationChangeBack(at frame.Index)         {}
func (c *counterEntity) OnStarvedForInputFrame()                          {}
func (c *counterEntity) OnStallAdvantageFrame()                           {}
func (c *counterEntity) OnStayCurrentFrame()                              {}
func (c *counterEntity) OnToNextFrame()                                   {}
func (c *counterEntity) ResetAndCleanup()                                 { c.count = 0 }
func (c *counterEntity) OnSerialize() ([]byte, error)                     { return []byte{c.count}, nil }
func (c *counterEntity) OnDeserialize(data []byte) error                  { c.count = data[0]; return nil }
func (c *counterEntity) OnSimulateTick(delta fixedpoint.Fixed)            {}
func (c *counterEntity) OnSimulateFrame(at frame.Index, inputs map[uint16]tokenset.Set) {
	if inputs[c.watchID].Has(5) {
		c.count++
	}
}

// scriptedEmulator returns whatever set test code last stowed in next,
// mirroring cmd/rollbackdemo's fighter.pressed pattern of mutating a
// plain field just before each tick rather than scripting a fixed
// sequence up front.
type scriptedEmulator struct {
	next tokenset.Set
}

func (e *scriptedEmulator) OnActivationChange(active bool, at frame.Index) {}
func (e *scriptedEmulator) OnRollActivationChangeBack(at frame.Index)      {}
func (e *scriptedEmulator) OnStarvedForInputFrame()                       {}
func (e *scriptedEmulator) OnStallAdvantageFrame()                        {}
func (e *scriptedEmulator) OnStayCurrentFrame()                           {}
func (e *scriptedEmulator) OnToNextFrame()                                {}
func (e *scriptedEmulator) ResetAndCleanup()                              {}
func (e *scriptedEmulator) OnReadyToUpload()                              {}
func (e *scriptedEmulator) OnPollLocalInputs() tokenset.Set                { return e.next }

func newSystemWithOnePlayer(cfg config.Config) (*System, *counterEntity) {
	sys := New(0, cfg)
	sys.SyncWithRemoteFrameIndex(0)
	sys.RegisterPlayer(PlayerIdentity{ID: 0, Local: true, JoinFrame: 0})

	entity := &counterEntity{}
	sys.RegisterSerializer(0, entity)
	sys.RegisterSimulator(0, entity)
	sys.RegisterEmulator(0, &scriptedEmulator{})

	return sys, entity
}

func TestNoActiveEmulatorOutcome(t *testing.T) {
	sys := New(0, config.Default())
	sys.SyncWithRemoteFrameIndex(0)

	got := sys.TryTickingToNextFrame(sys.cfg.FrameDuration)
	if got != NoActiveEmulator {
		t.Fatalf("outcome = %v, want NoActiveEmulator", got)
	}
}

func TestToNextAdvancesFrameAndSaves(t *testing.T) {
	cfg := config.Default()
	sys, entity := newSystemWithOnePlayer(cfg)

	got := sys.TryTickingToNextFrame(cfg.FrameDuration)
	if got != ToNext {
		t.Fatalf("outcome = %v, want ToNext", got)
	}
	if sys.CurrentFrame() != 1 {
		t.Fatalf("current frame = %d, want 1", sys.CurrentFrame())
	}
	if sys.ChecksumAt(1) == 0 {
		t.Fatalf("checksum at frame 1 should be non-zero")
	}
	_ = entity
}

func TestStayCurrentBelowFrameDuration(t *testing.T) {
	cfg := config.Default()
	sys, _ := newSystemWithOnePlayer(cfg)

	got := sys.TryTickingToNextFrame(fixedpoint.FromInt(0))
	if got != StayCurrent {
		t.Fatalf("outcome = %v, want StayCurrent for zero delta", got)
	}
	if sys.CurrentFrame() != 0 {
		t.Fatalf("current frame should not have advanced")
	}
}

func TestForceResetAndCleanupReturnsToIdle(t *testing.T) {
	cfg := config.Default()
	sys, entity := newSystemWithOnePlayer(cfg)
	sys.TryTickingToNextFrame(cfg.FrameDuration)
	entity.count = 9

	sys.ForceResetAndCleanup()

	if sys.CurrentFrame() != 0 {
		t.Fatalf("current frame should reset to 0")
	}
	if entity.count != 0 {
		t.Fatalf("ResetAndCleanup should have been invoked on registered components")
	}
	got := sys.TryTickingToNextFrame(cfg.FrameDuration)
	if got != NoActiveEmulator {
		t.Fatalf("outcome after reset = %v, want NoActiveEmulator (registrations dropped)", got)
	}
}

func TestActivationInPastOutsideWindowFails(t *testing.T) {
	cfg := config.Default()
	sys, _ := newSystemWithOnePlayer(cfg)
	for i := 0; i < 10; i++ {
		sys.TryTickingToNextFrame(cfg.FrameDuration)
	}

	class := sys.ChangeActivationInPast(99, activation.Activate, frame.Index(sys.CurrentFrame())-frame.Index(cfg.MinRollbackFrameCount)-1)
	if class != activation.UnreachablePastFrame {
		t.Fatalf("class = %v, want UnreachablePastFrame", class)
	}
}

func TestUploadInputsNotReadyWhenFromAheadOfAnchor(t *testing.T) {
	cfg := config.Default()
	sys, _ := newSystemWithOnePlayer(cfg)

	result, packets := sys.UploadInputsFromRemoteStartFrameIndex(frame.Index(100))
	if result != UploadNotReady || packets != nil {
		t.Fatalf("result = %v, packets = %v, want NotReady/nil", result, packets)
	}
}

func TestDownloadMalformedBinary(t *testing.T) {
	cfg := config.Default()
	sys, _ := newSystemWithOnePlayer(cfg)

	if got := sys.DownloadRemotePlayerBinary([]byte{1, 2, 3}); got != DownloadMalformed {
		t.Fatalf("download result = %v, want Malformed", got)
	}
}
