// Package rollback implements the System (spec §2): the per-host
// rollback-synchronization engine composing configuration, the input and
// save-state stores, the activation protocol, the rollback controller,
// and the tick scheduler into one cohesive unit per SystemIndex.
package rollback

import (
	"github.com/pkg/errors"

	"github.com/lixenwraith/rollback/constant"
	"github.com/lixenwraith/rollback/frame"
)

// PlayerIdentity uniquely names one simulated participant on a System
// (spec §3). Immutable after creation.
type PlayerIdentity struct {
	ID          uint16
	Local       bool
	JoinFrame   frame.Index
	SystemIndex constant.SystemIndex
}

// Outcome is the single result try_ticking_to_next_frame returns each
// call (spec §4.7's Outcome set).
type Outcome int

const (
	ToNext Outcome = iota
	StayCurrent
	DoubleSimulation
	StallAdvantage
	StarvedForInput
	NoActiveEmulator
	// Fatal is returned once a System has entered its terminal error
	// state after an UnrecoverableDivergence (spec §4.6 step 1, §8
	// scenario 6), an exceeded starvation budget, or a failed save or
	// restore; every subsequent tick also returns Fatal until
	// ForceResetAndCleanup is called.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case ToNext:
		return "ToNext"
	case StayCurrent:
		return "StayCurrent"
	case DoubleSimulation:
		return "DoubleSimulation"
	case StallAdvantage:
		return "StallAdvantage"
	case StarvedForInput:
		return "StarvedForInput"
	case NoActiveEmulator:
		return "NoActiveEmulator"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// DownloadResult is returned by DownloadRemotePlayerBinary (spec §6).
type DownloadResult int

const (
	DownloadSuccess DownloadResult = iota
	DownloadStale
	DownloadOutOfWindow
	DownloadMalformed
)

func (d DownloadResult) String() string {
	switch d {
	case DownloadSuccess:
		return "Success"
	case DownloadStale:
		return "Stale"
	case DownloadOutOfWindow:
		return "OutOfWindow"
	case DownloadMalformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// UploadResult is returned by UploadInputsFromRemoteStartFrameIndex.
type UploadResult int

const (
	UploadSuccess UploadResult = iota
	UploadNotReady
)

func (u UploadResult) String() string {
	if u == UploadSuccess {
		return "Success"
	}
	return "NotReady"
}

// Sentinel errors for the error kinds spec §7 enumerates that are not
// already expressed as Outcome/DownloadResult/UploadResult values.
var (
	// ErrUnrecoverableDivergence is returned internally by the rollback
	// controller when no clean anchor exists within the window; the
	// System surfaces it by latching into the Fatal outcome.
	ErrUnrecoverableDivergence = errors.New("rollback: unrecoverable divergence")

	// ErrNoActiveEmulator mirrors the NoActiveEmulator outcome as an
	// error value; no entry point of this package returns it.
	ErrNoActiveEmulator = errors.New("rollback: no active input emulator")

	// ErrStarvationExceeded is latched once StarvedForInput has persisted
	// beyond StarveTimerDuration without the missing remote input
	// arriving (spec §7's "recoverable warning then, if persistent, fatal
	// disconnect signal").
	ErrStarvationExceeded = errors.New("rollback: starvation budget exceeded")
)
