package savestate

import "github.com/lixenwraith/rollback/constant"

// Checksum computes the 16-bit digest of a frame's serialized state
// (spec §4.4): a non-cryptographic sum-of-bytes with mix, biased so the
// empty/all-zero input does not produce zero, since zero is this store's
// sentinel for "no snapshot at this frame".
func Checksum(data []byte) uint16 {
	sum := constant.ChecksumSeed
	for _, b := range data {
		sum = (sum + uint32(b)) * 0x1000193 // FNV-style prime mix
		sum ^= sum >> 13
	}

	c := uint16(sum ^ (sum >> 16))
	if c == 0 {
		return constant.ChecksumFallback
	}
	return c
}
