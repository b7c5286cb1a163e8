// Package constant holds the small set of compile-time limits shared across
// the rollback engine's packages. Anything that varies per run belongs in
// config.Config instead.
package constant

// Token layout (§3, §6). Tokens occupy the low 7 bits of a byte; bit 7 is
// reserved for packet framing (continuation-within-frame) and is never a
// valid token value on its own.
const (
	TokenMax           = 0x7F
	TokenContinueFlag  = 0x80
	TokenValueMask     = 0x7F
	TokenSetWords      = 2 // [2]uint64 covers tokens 0..127
)

// Wire header layout (§6). Fixed 8-byte little-endian header per packet.
const (
	PacketHeaderSize = 8
)

// Checksum (§4.4). The seed biases the sum so an all-zero snapshot never
// produces a zero checksum, since zero is the store's sentinel for "missing".
const (
	ChecksumSeed uint32 = 0x9E37

	// ChecksumFallback is substituted whenever the mix happens to produce
	// zero, which is possible for adversarial byte sequences even with a
	// non-zero seed.
	ChecksumFallback uint16 = 1
)

// SystemIndex identifies one co-hosted System within a process (§2).
type SystemIndex uint8

// MaxSystemIndex bounds the multiton registry; SystemIndex is a small int
// because the only reason to host more than one System in a process is
// testing multiple peers in-process.
const MaxSystemIndex = 255
