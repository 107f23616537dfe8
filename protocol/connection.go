package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/calmh/xdr"
	"golang.org/x/time/rate"
)

// protocolVersion is the only frameHeader.version this package emits or
// accepts.
const protocolVersion = 0

// msgIDMask wraps the 12-bit message ID counter used to correlate requests
// with their responses.
const msgIDMask = 0xfff

// Connection is the framed, compressing, rate-limited transport beneath a
// Session. It owns the raw byte stream and serializes writes; it does not
// know about session state.
type Connection struct {
	id DeviceID

	r *bufio.Reader
	w *bufio.Writer
	c io.Closer

	compression Compression
	limiter     *rate.Limiter

	writeMut sync.Mutex
	nextMsgID uint32 // protected by writeMut

	lastRecv atomicTime
	lastSend atomicTime

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps rw as a Connection for the peer identified by id.
// limiter may be nil, meaning outbound writes are unbounded.
func NewConnection(id DeviceID, rw io.ReadWriteCloser, compression Compression, limiter *rate.Limiter) *Connection {
	c := &Connection{
		id:          id,
		r:           bufio.NewReader(rw),
		w:           bufio.NewWriter(rw),
		c:           rw,
		compression: compression,
		limiter:     limiter,
		closed:      make(chan struct{}),
	}
	now := time.Now()
	c.lastRecv.Store(now)
	c.lastSend.Store(now)
	return c
}

// LastReceived and LastSent report the timestamp of the most recent
// successful recv/send, for heartbeat idle detection.
func (c *Connection) LastReceived() time.Time { return c.lastRecv.Load() }
func (c *Connection) LastSent() time.Time     { return c.lastSend.Load() }

// recv blocks for the next frame. It returns (nil, msgID, nil) when the
// frame carries an unrecognized version or message type, so the frame is
// silently skipped; callers should loop and call recv again. A
// *TransportError is returned for any I/O or decode failure.
func (c *Connection) recv() (message, int, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, 0, &TransportError{Err: err}
	}
	fh := decodeHeader(binary.BigEndian.Uint32(hdr[:4]))
	bodyLen := binary.BigEndian.Uint32(hdr[4:])

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, 0, &TransportError{Err: err}
	}
	c.lastRecv.Store(time.Now())

	if fh.version != protocolVersion {
		return nil, fh.msgID, nil
	}

	if fh.compression {
		if len(body) < 4 {
			return nil, 0, &TransportError{Err: fmt.Errorf("compressed frame shorter than length prefix")}
		}
		uncompressedLen := int(binary.BigEndian.Uint32(body[:4]))
		decompressed, err := lz4DecompressBlock(body[4:], uncompressedLen)
		if err != nil {
			return nil, 0, &TransportError{Err: err}
		}
		body = decompressed
	}

	m := newMessage(fh.msgType)
	if m == nil {
		return nil, fh.msgID, nil
	}
	xr := xdr.NewReader(bytesReader(body))
	if err := m.decodeXDR(xr); err != nil {
		return nil, 0, &TransportError{Err: fmt.Errorf("decoding message type %d: %w", fh.msgType, err)}
	}
	metricMessagesTotal.WithLabelValues("recv", messageTypeName(fh.msgType)).Inc()
	metricBytesTotal.WithLabelValues("recv").Add(float64(len(body)))
	return m, fh.msgID, nil
}

// send encodes, optionally compresses, and writes m with the given msgID
// as one atomic frame. If msgID is negative, the next value from the
// 12-bit counter is allocated. Concurrent callers are serialized by
// writeMut so two in-flight sends can never interleave their frames.
func (c *Connection) send(ctx context.Context, m message, msgID int) (int, error) {
	msgType, ok := messageType(m)
	if !ok {
		return 0, fmt.Errorf("protocol: unregistered message type %T", m)
	}

	c.writeMut.Lock()
	defer c.writeMut.Unlock()

	if msgID < 0 {
		msgID = int(c.nextMsgID & msgIDMask)
		c.nextMsgID++
	}

	var buf growBuffer
	xw := xdr.NewWriter(&buf)
	if _, err := m.encodeXDR(xw); err != nil {
		return msgID, fmt.Errorf("encoding message type %d: %w", msgType, err)
	}
	body := buf.Bytes()

	compressed := false
	if c.compression.shouldCompress(len(body), msgType) {
		if cbody, err := lz4CompressBlock(nil, body); err == nil {
			framed := make([]byte, 4+len(cbody))
			binary.BigEndian.PutUint32(framed, uint32(len(body)))
			copy(framed[4:], cbody)
			body = framed
			compressed = true
		} else if err != errIncompressible {
			return msgID, fmt.Errorf("compressing message type %d: %w", msgType, err)
		}
	}

	if c.limiter != nil {
		if err := c.limiter.WaitN(ctx, len(body)); err != nil {
			return msgID, &TransportError{Err: err}
		}
	}

	fh := frameHeader{version: protocolVersion, msgID: msgID, msgType: msgType, compression: compressed}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], encodeHeader(fh))
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(body)))

	if _, err := c.w.Write(hdr[:]); err != nil {
		return msgID, &TransportError{Err: err}
	}
	if _, err := c.w.Write(body); err != nil {
		return msgID, &TransportError{Err: err}
	}
	if err := c.w.Flush(); err != nil {
		return msgID, &TransportError{Err: err}
	}
	c.lastSend.Store(time.Now())
	metricMessagesTotal.WithLabelValues("send", messageTypeName(msgType)).Inc()
	metricBytesTotal.WithLabelValues("send").Add(float64(len(body)))
	return msgID, nil
}

// close shuts down the underlying stream. It is safe to call more than
// once; subsequent recv calls observe end-of-stream.
func (c *Connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.c.Close()
	})
	return err
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// growBuffer is a minimal io.Writer that satisfies calmh/xdr's Writer
// without pulling in bytes.Buffer's full surface; XDR bodies are small
// enough that reallocation cost doesn't matter here.
type growBuffer struct {
	buf []byte
}

func (g *growBuffer) Write(p []byte) (int, error) {
	g.buf = append(g.buf, p...)
	return len(p), nil
}

func (g *growBuffer) Bytes() []byte { return g.buf }

func bytesReader(b []byte) io.Reader { return &byteSliceReader{b: b} }

type byteSliceReader struct {
	b []byte
	i int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
