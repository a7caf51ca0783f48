package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxPacketSize is the largest frame accepted from the network.
	MaxPacketSize = 16 << 20

	headerSize = 4
)

// encodeBuffers holds scratch memory for encoding packets. A buffer is only held for the
// duration of a single write.
var encodeBuffers = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// maxPooledBuffer keeps a single huge row from pinning its buffer in the pool forever.
const maxPooledBuffer = 1 << 20

// Conn is a packet-oriented connection. WritePacket may be called concurrently, ReadPacket must
// only be called by a single goroutine at a time.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps a network connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:     nc,
		reader: bufio.NewReader(nc),
	}
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// WritePacket encodes and writes a single packet.
func (c *Conn) WritePacket(p *Packet) error {
	buf := encodeBuffers.Get().(*bytes.Buffer)
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			encodeBuffers.Put(buf)
		}
	}()

	buf.Reset()
	buf.Write(make([]byte, headerSize))
	if err := msgpack.NewEncoder(buf).Encode(p); err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}

	frame := buf.Bytes()
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(frame)-headerSize))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.nc.Write(frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}

	return nil
}

// ReadPacket reads a single packet. A positive timeout bounds the read; cancelling ctx
// interrupts a blocked read and makes ReadPacket return the context's error.
func (c *Conn) ReadPacket(ctx context.Context, timeout time.Duration) (*Packet, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		// Unblock the pending read. The error is irrelevant as the connection is abandoned.
		_ = c.nc.SetReadDeadline(time.Now())
	})
	defer stop()

	packet, err := c.readPacket()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	return packet, nil
}

func (c *Conn) readPacket() (*Packet, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, fmt.Errorf("read packet header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxPacketSize {
		return nil, fmt.Errorf("%w: invalid packet size %d", ErrMalformedPacket, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read packet body: %w", err)
	}

	var packet Packet
	if err := msgpack.Unmarshal(body, &packet); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	if packet.Type == 0 {
		return nil, fmt.Errorf("%w: missing packet type", ErrMalformedPacket)
	}

	return &packet, nil
}

// IsTimeout reports whether err was caused by an expired read or write deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
