// Package transport provides the length-prefixed TCP framing the demo and
// integration tests use to exchange the wire packets package packet
// encodes. It is deliberately outside the core: spec §1 names the network
// transport itself as one of the core's external collaborators, not part
// of the rollback engine.
package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ConnState mirrors this codebase's network.ConnState lifecycle enum.
type ConnState uint8

const (
	StateConnected ConnState = iota
	StateClosing
	StateClosed
)

// maxFrameSize bounds a single frame; well above anything this codec's
// packets actually produce.
const maxFrameSize = 1 << 20

// Conn frames arbitrary byte payloads (packet.Packet's EncodeBytes output,
// in practice) over a net.Conn with a 4-byte big-endian length prefix.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	state atomic.Uint32

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewConn wraps an established net.Conn.
func NewConn(c net.Conn) *Conn {
	conn := &Conn{
		conn:   c,
		reader: bufio.NewReaderSize(c, 64*1024),
		writer: bufio.NewWriterSize(c, 64*1024),
	}
	conn.state.Store(uint32(StateConnected))
	return conn
}

// Dial opens a new TCP connection to addr and wraps it.
func Dial(addr string) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: dial")
	}
	return NewConn(c), nil
}

// Send writes one length-prefixed frame. Safe for concurrent use with
// Receive and with other Sends, which a mutex serializes.
func (c *Conn) Send(payload []byte) error {
	if ConnState(c.state.Load()) != StateConnected {
		return errors.New("transport: send on closed connection")
	}
	if len(payload) > maxFrameSize {
		return errors.Errorf("transport: payload of %d bytes exceeds max frame size", len(payload))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := c.writer.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "transport: write length prefix")
	}
	if _, err := c.writer.Write(payload); err != nil {
		return errors.Wrap(err, "transport: write payload")
	}
	return errors.Wrap(c.writer.Flush(), "transport: flush")
}

// Receive blocks until one full frame has arrived and returns its payload.
func (c *Conn) Receive() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.reader, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "transport: read length prefix")
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, errors.Errorf("transport: incoming frame of %d bytes exceeds max frame size", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, errors.Wrap(err, "transport: read payload")
	}
	return payload, nil
}

// Close shuts down the underlying connection.
func (c *Conn) Close() error {
	c.state.Store(uint32(StateClosed))
	return c.conn.Close()
}

// Listener accepts inbound connections and wraps each in a Conn.
type Listener struct {
	ln net.Listener
}

// Listen starts accepting TCP connections on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "transport: accept")
	}
	return NewConn(c), nil
}

// Addr returns the listener's bound address, useful when Listen was
// called with port 0.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
