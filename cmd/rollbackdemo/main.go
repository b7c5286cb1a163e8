// Command rollbackdemo runs two rollback.System instances in one process,
// connected over a loopback transport.Conn, and renders a live terminal
// dashboard of each System's frame, last outcome, and score. The space bar
// toggles fighter A's local "hit" token on or off and 'l' toggles fighter
// B's; while a token is on it is sent every frame. The two scores converge
// once rollback reconciles the authoritative input, demonstrating
// prediction and re-simulation end to end.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/lixenwraith/rollback/config"
	"github.com/lixenwraith/rollback/constant"
	"github.com/lixenwraith/rollback/fixedpoint"
	"github.com/lixenwraith/rollback/frame"
	"github.com/lixenwraith/rollback/rollback"
	"github.com/lixenwraith/rollback/tokenset"
	"github.com/lixenwraith/rollback/transport"
)

const hitToken uint8 = 0

// fighter is one side's combined InputEmulator/StateSerializer/Simulator:
// a single byte of "score", incremented whenever the hit token is present
// for a frame, local input driven by whether this side's hit toggle is
// currently on.
type fighter struct {
	score   byte
	pressed bool
}

func (f *fighter) OnActivationChange(active bool, at frame.Index) {}
func (f *fighter) OnRollActivationChangeBack(at frame.Index)      {}
func (f *fighter) OnStarvedForInputFrame()                       {}
func (f *fighter) OnStallAdvantageFrame()                        {}
func (f *fighter) OnStayCurrentFrame()                            {}
func (f *fighter) OnToNextFrame()                                  {}
func (f *fighter) ResetAndCleanup()                                { f.score = 0 }
func (f *fighter) OnReadyToUpload()                                {}

func (f *fighter) OnPollLocalInputs() tokenset.Set {
	var set tokenset.Set
	if f.pressed {
		set.Add(hitToken)
	}
	return set
}

func (f *fighter) OnSerialize() ([]byte, error) { return []byte{f.score}, nil }

func (f *fighter) OnDeserialize(data []byte) error {
	f.score = data[0]
	return nil
}

func (f *fighter) OnSimulateFrame(at frame.Index, inputs map[uint16]tokenset.Set) {
	for _, set := range inputs {
		if set.Has(hitToken) {
			f.score++
		}
	}
}

func (f *fighter) OnSimulateTick(delta fixedpoint.Fixed) {}

// side bundles one System and its paired fighter for the dashboard.
type side struct {
	name   string
	sys    *rollback.System
	fight  *fighter
	conn   *transport.Conn
	outcome rollback.Outcome
}

func newSide(name string, index uint8, cfg config.Config, conn *transport.Conn) *side {
	sys := rollback.New(constant.SystemIndex(index), cfg)

	sys.SyncWithRemoteFrameIndex(0)
	// Side index i owns player i locally; the other side's player is remote.
	sys.RegisterPlayer(rollback.PlayerIdentity{ID: uint16(index), Local: true, JoinFrame: 0})
	sys.RegisterPlayer(rollback.PlayerIdentity{ID: uint16(1 - index), Local: false, JoinFrame: 0})

	f := &fighter{}
	sys.RegisterSerializer(0, f)
	sys.RegisterSimulator(0, f)
	sys.RegisterEmulator(frame.Entity(index), f)

	return &side{name: name, sys: sys, fight: f, conn: conn}
}

func (sd *side) uploadLoop() {
	last := frame.Index(0)
	for {
		time.Sleep(16 * time.Millisecond)
		result, packets := sd.sys.UploadInputsFromRemoteStartFrameIndex(last)
		if result != rollback.UploadSuccess {
			continue
		}
		for _, p := range packets {
			if err := sd.conn.Send(p); err != nil {
				log.Printf("[ERROR] %s: send failed: %v", sd.name, err)
				return
			}
		}
		last = sd.sys.CurrentFrame()
	}
}

func (sd *side) downloadLoop() {
	for {
		data, err := sd.conn.Receive()
		if err != nil {
			log.Printf("[ERROR] %s: receive failed: %v", sd.name, err)
			return
		}
		if got := sd.sys.DownloadRemotePlayerBinary(data); got != rollback.DownloadSuccess && got != rollback.DownloadStale {
			log.Printf("[DEBUG] %s: download result %v", sd.name, got)
		}
	}
}

func (sd *side) tick(delta fixedpoint.Fixed) {
	sd.outcome = sd.sys.TryTickingToNextFrame(delta)
}

func main() {
	cfg := config.Default()

	ln, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		log.Printf("[ERROR] listen: %v", err)
		os.Exit(1)
	}
	defer ln.Close()

	accepted := make(chan *transport.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			log.Printf("[ERROR] accept: %v", err)
			return
		}
		accepted <- c
	}()

	clientConn, err := transport.Dial(ln.Addr().String())
	if err != nil {
		log.Printf("[ERROR] dial: %v", err)
		os.Exit(1)
	}
	serverConn := <-accepted

	a := newSide("A", 0, cfg, clientConn)
	b := newSide("B", 1, cfg, serverConn)

	go a.uploadLoop()
	go a.downloadLoop()
	go b.uploadLoop()
	go b.downloadLoop()

	screen, err := tcell.NewScreen()
	if err != nil {
		log.Printf("[ERROR] tcell.NewScreen: %v", err)
		os.Exit(1)
	}
	if err := screen.Init(); err != nil {
		log.Printf("[ERROR] screen.Init: %v", err)
		os.Exit(1)
	}
	defer screen.Fini()

	log.Printf("[INFO] rollbackdemo started: space toggles fighter A's hit, 'l' toggles fighter B's, q quits")

	run(screen, cfg, a, b)
}

func run(screen tcell.Screen, cfg config.Config, a, b *side) {
	nanos := int64(fixedpoint.Float32(cfg.FrameDuration) * 1e9)
	if nanos <= 0 {
		nanos = (16 * time.Millisecond).Nanoseconds()
	}
	ticker := time.NewTicker(time.Duration(nanos))
	defer ticker.Stop()

	events := make(chan tcell.Event, 16)
	go func() {
		for {
			events <- screen.PollEvent()
		}
	}()

	for {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case *tcell.EventKey:
				switch {
				case e.Key() == tcell.KeyRune && e.Rune() == ' ':
					a.fight.pressed = !a.fight.pressed
				case e.Key() == tcell.KeyRune && (e.Rune() == 'l' || e.Rune() == 'L'):
					b.fight.pressed = !b.fight.pressed
				case e.Key() == tcell.KeyEscape || e.Key() == tcell.KeyCtrlC || e.Rune() == 'q':
					return
				}
			case *tcell.EventResize:
				screen.Sync()
			}

		case <-ticker.C:
			a.tick(cfg.FrameDuration)
			b.tick(cfg.FrameDuration)
			draw(screen, a, b)
		}
	}
}

func draw(screen tcell.Screen, a, b *side) {
	screen.Clear()
	style := tcell.StyleDefault

	lines := []string{
		fmt.Sprintf("Fighter A  frame=%-6d outcome=%-16s score=%d", a.sys.CurrentFrame(), a.outcome, a.fight.score),
		fmt.Sprintf("Fighter B  frame=%-6d outcome=%-16s score=%d", b.sys.CurrentFrame(), b.outcome, b.fight.score),
		"",
		"space: A hits   l: B hits   q: quit",
	}
	for row, line := range lines {
		for col, r := range line {
			screen.SetContent(col, row, r, nil, style)
		}
	}
	screen.Show()
}
