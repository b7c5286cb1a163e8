// Package packet implements the input packet wire codec (spec §4.2, §6):
// one player's input for a run of consecutive frames ending at an anchor
// frame, plus the anchor's checksum, compressed as a toggle stream.
//
// Framing follows the Encode(io.Writer)/Decode(io.Reader) shape this
// codebase's network.Message already uses, but little-endian throughout
// and with a bit-exact body format spec.md pins down precisely, since this
// packet (unlike network.Message) must decode identically on every host.
package packet

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/lixenwraith/rollback/constant"
	"github.com/lixenwraith/rollback/tokenset"
)

// ErrMalformed is returned by Decode whenever the body cannot be parsed
// bit-exactly back into FrameCount frames (spec §4.2's Contract).
var ErrMalformed = errors.New("packet: malformed")

// Packet is one player's authoritative input for frames
// [AnchorFrame-FrameCount+1, AnchorFrame], plus AnchorFrame's checksum.
type Packet struct {
	PlayerID       uint16
	AnchorFrame    uint16
	FrameCount     uint16
	AnchorChecksum uint16

	// Frames holds FrameCount token sets ordered oldest to newest; the
	// last element is the anchor frame's set.
	Frames []tokenset.Set
}

// Encode writes p to w. Encode never produces a packet whose Decode would
// not bit-exactly reproduce p.Frames (spec §4.2's Contract) provided
// p.FrameCount == len(p.Frames) and FrameCount > 0.
func (p *Packet) Encode(w io.Writer) error {
	if int(p.FrameCount) != len(p.Frames) || p.FrameCount == 0 {
		return errors.Wrap(ErrMalformed, "packet: encode requires FrameCount == len(Frames) > 0")
	}

	header := make([]byte, constant.PacketHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], p.PlayerID)
	binary.LittleEndian.PutUint16(header[2:4], p.AnchorFrame)
	binary.LittleEndian.PutUint16(header[4:6], p.FrameCount)
	binary.LittleEndian.PutUint16(header[6:8], p.AnchorChecksum)

	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "packet: write header")
	}

	body := encodeBody(p.Frames)
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "packet: write body")
	}

	return nil
}

// encodeBody emits, oldest frame first, the XOR-delta against the
// previous (older) frame's set - the oldest frame against an empty base -
// as a frame-block per frame. Each toggled token is written with bit 7
// set; a dedicated zero-value byte with bit 7 clear always follows as the
// block terminator, even when no token toggled that frame. Reserving the
// terminator as its own byte (rather than overloading the last token's
// byte, as a literal reading of "bit 7 clear terminates" might suggest)
// keeps "no tokens changed this frame" and "token 0 changed" distinguishable.
func encodeBody(frames []tokenset.Set) []byte {
	var out []byte
	var prev tokenset.Set

	for _, frame := range frames {
		delta := prev.Xor(frame)

		for _, tok := range delta.Tokens() {
			out = append(out, tok&constant.TokenValueMask|constant.TokenContinueFlag)
		}
		out = append(out, frameTerminator)

		prev = frame
	}

	return out
}

// frameTerminator ends every frame-block; bit 7 clear, value otherwise
// unused since real tokens are only ever written with bit 7 set.
const frameTerminator = 0x00

// Decode reads a Packet from r. It fails with ErrMalformed if the header
// claims FrameCount == 0, the body is exhausted mid-frame, or a frame
// block's terminator byte is malformed. Token values are always in
// 0..127 by construction, since they are read from the low 7 bits of
// each body byte.
func Decode(r io.Reader) (*Packet, error) {
	header := make([]byte, constant.PacketHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "packet: read header")
	}

	p := &Packet{
		PlayerID:       binary.LittleEndian.Uint16(header[0:2]),
		AnchorFrame:    binary.LittleEndian.Uint16(header[2:4]),
		FrameCount:     binary.LittleEndian.Uint16(header[4:6]),
		AnchorChecksum: binary.LittleEndian.Uint16(header[6:8]),
	}

	if p.FrameCount == 0 {
		return nil, errors.Wrap(ErrMalformed, "packet: frame_count is zero")
	}

	frames := make([]tokenset.Set, 0, p.FrameCount)
	var prev tokenset.Set
	reader := byteReader{r: r}

	for i := uint16(0); i < p.FrameCount; i++ {
		delta, err := decodeFrameBlock(&reader)
		if err != nil {
			return nil, err
		}
		current := prev.Xor(delta)
		frames = append(frames, current)
		prev = current
	}

	p.Frames = frames
	return p, nil
}

// decodeFrameBlock reads one terminator-ended run of token bytes and
// returns the delta set it encodes.
func decodeFrameBlock(r *byteReader) (tokenset.Set, error) {
	var delta tokenset.Set

	for {
		b, err := r.ReadByte()
		if err != nil {
			return tokenset.Set{}, errors.Wrap(ErrMalformed, "packet: body exhausted mid-frame")
		}

		if b&constant.TokenContinueFlag == 0 {
			if b != frameTerminator {
				return tokenset.Set{}, errors.Wrap(ErrMalformed, "packet: malformed frame terminator")
			}
			return delta, nil
		}

		delta.Add(b & constant.TokenValueMask)
	}
}

// New builds a Packet from an ordered, oldest-to-newest slice of frames,
// filling in FrameCount from len(frames).
func New(playerID, anchorFrame uint16, anchorChecksum uint16, frames []tokenset.Set) *Packet {
	return &Packet{
		PlayerID:       playerID,
		AnchorFrame:    anchorFrame,
		FrameCount:     uint16(len(frames)),
		AnchorChecksum: anchorChecksum,
		Frames:         frames,
	}
}

// EncodeBytes is a convenience wrapper returning the encoded packet as a
// standalone byte slice, for transports that move whole buffers rather
// than streams.
func (p *Packet) EncodeBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes is the byte-slice counterpart to Decode.
func DecodeBytes(data []byte) (*Packet, error) {
	return Decode(bytes.NewReader(data))
}

// byteReader adapts an io.Reader to single-byte reads without requiring
// the caller to pass a bufio.Reader.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (br *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.buf[:]); err != nil {
		return 0, err
	}
	return br.buf[0], nil
}
