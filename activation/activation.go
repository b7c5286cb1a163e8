// Package activation implements the activation/deactivation protocol
// (spec §4.5): registering a RollbackableComponent's entry into or exit
// from simulation at a given frame, and replaying those records across
// rollbacks.
package activation

import (
	"github.com/lixenwraith/rollback/frame"
)

// Type distinguishes an activation record from a deactivation one.
type Type int

const (
	Activate Type = iota
	Deactivate
)

func (t Type) String() string {
	if t == Activate {
		return "Activate"
	}
	return "Deactivate"
}

// Classifier is the result handed back to OnRegisterActivationChange,
// spec §4.5's "success classifier".
type Classifier int

const (
	Registered Classifier = iota
	PreStart
	UnreachablePastFrame
)

func (c Classifier) String() string {
	switch c {
	case Registered:
		return "Registered"
	case PreStart:
		return "PreStart"
	case UnreachablePastFrame:
		return "UnreachablePastFrame"
	default:
		return "Unknown"
	}
}

// Record is one entry in a component's activation timeline.
type Record struct {
	Owner   frame.Entity
	Type    Type
	Frame   frame.Index
	Applied bool
}

// Log is the insert-ordered, per-frame queue of activation records for one
// System, holding the records of every owner entity (spec §9's "activation log as an insert-ordered per-frame
// queue inside the rollback anchor"). It is keyed by frame so the rollback
// controller can walk exactly the records inside a (C, D] range in frame
// order without scanning the whole history.
type Log struct {
	byFrame  map[frame.Index][]Record
	frames   []frame.Index // kept sorted
	lastType map[frame.Entity]Type
}

// NewLog returns an empty activation log.
func NewLog() *Log {
	return &Log{
		byFrame:  make(map[frame.Index][]Record),
		lastType: make(map[frame.Entity]Type),
	}
}

// insertFrame keeps l.frames sorted oldest-to-newest relative to each
// other. The log only ever holds frames within one rollback window, so a
// linear scan using wraparound-safe comparisons is simpler and safer here
// than a binary search, which would need a total order frame.Index cannot
// provide globally.
func (l *Log) insertFrame(f frame.Index) {
	if _, ok := l.byFrame[f]; ok {
		return
	}
	pos := len(l.frames)
	for i, existing := range l.frames {
		if frame.After(existing, f) {
			pos = i
			break
		}
	}
	l.frames = append(l.frames, 0)
	copy(l.frames[pos+1:], l.frames[pos:])
	l.frames[pos] = f
}

// ChangeActivationNow queues a record effective at current+delay+1, the
// first frame outside the delay window, so predictions already made over
// that window stay valid (spec §4.5). Returns the record's classifier.
func ChangeActivationNow(l *Log, current frame.Index, delay int, owner frame.Entity, typ Type) (Record, Classifier) {
	target := frame.Index(uint16(current) + uint16(delay) + 1)
	return register(l, owner, typ, target)
}

// ChangeActivationInPast queues a record effective at record.Frame, which
// must lie in [current-rollback, current]; otherwise it fails
// UnreachablePastFrame without being queued.
func ChangeActivationInPast(l *Log, current frame.Index, rollback int, owner frame.Entity, typ Type, at frame.Index) (Record, Classifier) {
	lo := frame.Index(uint16(current) - uint16(rollback))
	if !frame.InWindow(at, lo, current) {
		return Record{}, UnreachablePastFrame
	}
	return register(l, owner, typ, at)
}

func register(l *Log, owner frame.Entity, typ Type, at frame.Index) (Record, Classifier) {
	rec := Record{Owner: owner, Type: typ, Frame: at}
	l.insertFrame(at)
	l.byFrame[at] = append(l.byFrame[at], rec)
	l.lastType[owner] = typ
	return rec, Registered
}

// At returns the records scheduled for exactly frame f, in insertion
// order.
func (l *Log) At(f frame.Index) []Record {
	return l.byFrame[f]
}

// InRange returns every record with Frame in (lo, hi] - exclusive of lo,
// inclusive of hi - in ascending frame order, for the rollback
// controller's OnRollActivationChangeBack pass (spec §4.6 step 2, which
// walks this same range in reverse).
func (l *Log) InRange(lo, hi frame.Index) []Record {
	var out []Record
	for _, f := range l.frames {
		if frame.After(f, lo) && !frame.After(f, hi) {
			out = append(out, l.byFrame[f]...)
		} else if frame.After(f, hi) {
			break
		}
	}
	return out
}

// Prune discards every record at or before frame f, once it has aged out
// of the rollback window and can never be rolled back to again.
func (l *Log) Prune(f frame.Index) {
	kept := l.frames[:0]
	for _, fr := range l.frames {
		if frame.After(fr, f) {
			kept = append(kept, fr)
		} else {
			delete(l.byFrame, fr)
		}
	}
	l.frames = kept
}
