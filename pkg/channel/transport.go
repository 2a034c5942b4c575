// Package channel implements the client-side RPC channel: the
// transaction table and call state machine that sit between a caller and
// one of three transport variants (Local, Datagram, Stream/Reconnect),
// driving the auth pipeline (pkg/rpcauth) around every call.
package channel

import (
	"fmt"
	"net"
	"sync"

	"github.com/oncrpcd/oncrpc/pkg/bufpool"
	"github.com/oncrpcd/oncrpc/pkg/rpcframe"
)

// wireTransport is the common surface every channel variant presents to
// the Channel driving calls over it: send one message, block for the next
// incoming one, and release the buffer it returned.
//
// sendRecord takes ownership of payload directly rather than exposing an
// acquire/release buffer pair in both directions — pkg/bufpool already
// gives recvRecord's caller a release hook, and Go's GC makes a matching
// pool for short-lived send buffers unnecessary complexity for this
// runtime's call volumes.
type wireTransport interface {
	// sendRecord transmits payload as one message. For Stream it's a
	// single-fragment record; for Datagram, one packet; for Local, one
	// queued entry.
	sendRecord(payload []byte) error

	// recvRecord blocks for the next inbound message. The returned slice
	// must be released with release once the caller is done with it, and
	// recvRecord itself is called only from the Channel's single reader
	// goroutine (never concurrently).
	recvRecord() (data []byte, release func(), err error)

	// close tears down the transport. recvRecord must return promptly with
	// an error after close.
	close() error
}

// streamTransport frames messages over a connected net.Conn using
// RFC 1831 §10 record marking (pkg/rpcframe).
type streamTransport struct {
	conn net.Conn
	w    *rpcframe.Writer
	r    *rpcframe.Reader
}

func newStreamTransport(conn net.Conn) *streamTransport {
	return &streamTransport{conn: conn, w: rpcframe.NewWriter(conn), r: rpcframe.NewReader(conn)}
}

func (t *streamTransport) sendRecord(payload []byte) error {
	return t.w.WriteRecord(payload)
}

func (t *streamTransport) recvRecord() ([]byte, func(), error) {
	record, err := t.r.ReadRecord()
	if err != nil {
		return nil, nil, err
	}
	return record, func() { bufpool.Put(record) }, nil
}

func (t *streamTransport) close() error { return t.conn.Close() }

// datagramTransport sends and receives exactly one unframed message per
// call over a connected (single-peer) net.PacketConn/net.Conn. The channel
// itself owns retransmission; datagramTransport just moves bytes.
type datagramTransport struct {
	conn       net.Conn
	bufferSize int
}

func newDatagramTransport(conn net.Conn, bufferSize int) *datagramTransport {
	return &datagramTransport{conn: conn, bufferSize: bufferSize}
}

func (t *datagramTransport) sendRecord(payload []byte) error {
	_, err := t.conn.Write(payload)
	return err
}

func (t *datagramTransport) recvRecord() ([]byte, func(), error) {
	buf := bufpool.Get(t.bufferSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		bufpool.Put(buf)
		return nil, nil, err
	}
	record := buf[:n]
	return record, func() { bufpool.Put(buf) }, nil
}

func (t *datagramTransport) close() error { return t.conn.Close() }

// localTransport connects two in-process peers through a pair of buffered
// channels: a send appends to a queue the peer reads.
type localTransport struct {
	out    chan<- []byte
	in     <-chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewLocalPair returns two localTransports wired to each other, for
// in-process client/server testing and loopback programs.
func NewLocalPair(queueDepth int) (a, b *localTransport) {
	ab := make(chan []byte, queueDepth)
	ba := make(chan []byte, queueDepth)
	a = &localTransport{out: ab, in: ba, closed: make(chan struct{})}
	b = &localTransport{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (t *localTransport) sendRecord(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case t.out <- cp:
		return nil
	case <-t.closed:
		return fmt.Errorf("channel: local transport closed")
	}
}

func (t *localTransport) recvRecord() ([]byte, func(), error) {
	select {
	case data := <-t.in:
		return data, func() {}, nil
	case <-t.closed:
		return nil, nil, fmt.Errorf("channel: local transport closed")
	}
}

func (t *localTransport) close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// localAddr is the peer address presented for in-process transports. It
// renders as a loopback endpoint so address-based access rules (such as the
// rendezvous SET/UNSET loopback restriction) treat in-process callers the
// same as local socket ones.
type localAddr struct{}

func (localAddr) Network() string { return "local" }
func (localAddr) String() string  { return "127.0.0.1:0" }

// LocalAddr returns the net.Addr in-process peers are identified by.
func LocalAddr() net.Addr { return localAddr{} }

// ServeLocal pumps the server end of a local transport pair: every record
// received on t is handed to dispatch, and a non-nil reply is sent back.
// It blocks until t is closed, so callers run it on its own goroutine —
// the in-process counterpart of a server's per-connection read loop.
func ServeLocal(t *localTransport, dispatch func(record []byte) []byte) {
	for {
		record, release, err := t.recvRecord()
		if err != nil {
			return
		}
		reply := dispatch(record)
		release()
		if reply == nil {
			continue
		}
		if err := t.sendRecord(reply); err != nil {
			return
		}
	}
}

// splitHeader extracts xid and mtype from the front of a deframed record
// without consuming the caller's own decoder position.
func splitHeader(record []byte) (xid uint32, mtype uint32, rest []byte, err error) {
	if len(record) < 8 {
		return 0, 0, nil, fmt.Errorf("channel: record too short for header: %d bytes", len(record))
	}
	xid = uint32(record[0])<<24 | uint32(record[1])<<16 | uint32(record[2])<<8 | uint32(record[3])
	mtype = uint32(record[4])<<24 | uint32(record[5])<<16 | uint32(record[6])<<8 | uint32(record[7])
	return xid, mtype, record[8:], nil
}
