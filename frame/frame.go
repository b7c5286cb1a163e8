// Package frame defines the identifiers shared by every ring buffer in the
// core: the wrapping frame counter (spec §3's FrameIndex) and the opaque
// entity handle save states are keyed by.
package frame

// Index is a monotonic counter of simulation frames since a System's last
// sync_with_remote_frame_index. It wraps at 65536; callers never compare
// two indices with plain < or > directly, since across the wrap frame
// 65535 comes one frame before frame 0, which plain comparison gets
// backwards. Use Delta or InWindow instead, which take wraparound into
// account.
type Index uint16

// Delta returns a - b as a signed distance, correct as long as the true
// distance between a and b never exceeds half the Index range - true for
// this core, since the rollback window is always far smaller than 32768
// frames.
func Delta(a, b Index) int32 {
	return int32(int16(a - b))
}

// Before reports whether a occurred strictly before b.
func Before(a, b Index) bool {
	return Delta(a, b) < 0
}

// After reports whether a occurred strictly after b.
func After(a, b Index) bool {
	return Delta(a, b) > 0
}

// InWindow reports whether f lies in the inclusive range [lo, hi], with
// wraparound handled the same way as Delta.
func InWindow(f, lo, hi Index) bool {
	return Delta(f, lo) >= 0 && Delta(f, hi) <= 0
}

// Entity identifies one simulated participant's state within a System, for
// the purposes of the save-state store and the Simulator/StateSerializer
// components attached to it. The core treats it as an opaque handle; user
// code assigns the values.
type Entity uint32
