// Package tokenset implements InputTokenSet (spec §3): the set of input
// tokens present during a single frame, drawn from the 0..127 domain with
// bit 7 reserved for wire framing.
package tokenset

import (
	"fmt"

	"github.com/lixenwraith/rollback/constant"
)

// Set is a 128-bit bitset of tokens 0..127. The zero value is the empty
// set, which is also what a freshly-created ring slot holds before any
// input is written to it.
type Set [constant.TokenSetWords]uint64

// Add inserts token into the set. Panics on out-of-range tokens, since a
// caller handing the core a token outside 0..127 is a programmer error,
// not a recoverable runtime condition (the wire codec, which does see
// attacker-controlled bytes, never passes Add an out-of-range token, since
// it takes each token from the low 7 bits of a body byte; see
// packet.Decode).
func (s *Set) Add(token uint8) {
	if token > constant.TokenMax {
		panic(fmt.Sprintf("tokenset: token %d exceeds max %d", token, constant.TokenMax))
	}
	word, bit := token/64, token%64
	s[word] |= 1 << bit
}

// Has reports whether token is a member of the set.
func (s Set) Has(token uint8) bool {
	if token > constant.TokenMax {
		return false
	}
	word, bit := token/64, token%64
	return s[word]&(1<<bit) != 0
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool {
	return s[0] == 0 && s[1] == 0
}

// Equal reports whether two sets contain exactly the same tokens.
func (s Set) Equal(o Set) bool {
	return s == o
}

// Xor returns the symmetric difference of s and o: the set of tokens
// present in exactly one of the two. This is the toggle-delta the packet
// codec encodes between consecutive frames (§4.2).
func (s Set) Xor(o Set) Set {
	var out Set
	out[0] = s[0] ^ o[0]
	out[1] = s[1] ^ o[1]
	return out
}

// Tokens returns the set's members in ascending order. Ordering is part of
// the codec's determinism contract: two hosts encoding the same set must
// produce the same byte stream.
func (s Set) Tokens() []uint8 {
	out := make([]uint8, 0, 8)
	for word := 0; word < constant.TokenSetWords; word++ {
		bits := s[word]
		for bits != 0 {
			bit := trailingZeros64(bits)
			out = append(out, uint8(word*64+bit))
			bits &= bits - 1
		}
	}
	return out
}

func trailingZeros64(x uint64) int {
	if x == 0 {
		return 64
	}
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// FromTokens builds a Set from a slice of tokens, panicking on any
// out-of-range value via Add.
func FromTokens(tokens []uint8) Set {
	var s Set
	for _, t := range tokens {
		s.Add(t)
	}
	return s
}
